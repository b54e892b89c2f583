package collab

import (
	"context"
	"sync"
	"time"
)

// save state machine for the open document:
// SaveStatusNone
//
//	-> SaveStatusSaving
//	  -> SaveStatusSaved
//	  -> SaveStatusFailed
//	    -> SaveStatusSaving (retry folded into the next update)
type SaveStatus string

const (
	SaveStatusNone   SaveStatus = ""
	SaveStatusSaving SaveStatus = "saving"
	SaveStatusSaved  SaveStatus = "saved"
	SaveStatusFailed SaveStatus = "failed"
)

type DocumentStateFunction = func(doc *Document, saveStatus SaveStatus)

type DocumentManagerSettings struct {
	// quiet period for coalescing body content writes
	ContentDebounceTimeout time.Duration
}

func DefaultDocumentManagerSettings() *DocumentManagerSettings {
	return &DocumentManagerSettings{
		ContentDebounceTimeout: 2 * time.Second,
	}
}

// owns the currently open document. applies local mutations
// optimistically, persists them remotely, and folds failed writes into
// the next attempt. at most one document is open at a time.
type DocumentManager struct {
	ctx context.Context

	store  RowStore
	table  string
	notify NotifyFunction
	log    LogFunction

	settings *DocumentManagerSettings

	stateLock sync.Mutex

	doc        *Document
	loading    bool
	saveStatus SaveStatus
	// mutations applied locally but not yet confirmed by the backend.
	// merged into the next write attempt, never dropped silently.
	failedPatch DocumentPatch
	// bumped on open/close so superseded results are discarded, not applied
	generation int

	contentDebounce *Debouncer

	stateCallbacks *CallbackList[DocumentStateFunction]
}

func NewDocumentManagerWithDefaults(ctx context.Context, store RowStore, table string, notify NotifyFunction) *DocumentManager {
	return NewDocumentManager(ctx, store, table, notify, DefaultDocumentManagerSettings())
}

func NewDocumentManager(ctx context.Context, store RowStore, table string, notify NotifyFunction, settings *DocumentManagerSettings) *DocumentManager {
	return &DocumentManager{
		ctx:             ctx,
		store:           store,
		table:           table,
		notify:          notifyOrNoop(notify),
		log:             LogFn(LogLevelDebug, "doc"),
		settings:        settings,
		contentDebounce: NewDebouncer(settings.ContentDebounceTimeout),
		stateCallbacks:  NewCallbackList[DocumentStateFunction](),
	}
}

func (self *DocumentManager) AddStateCallback(stateCallback DocumentStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *DocumentManager) event() {
	var doc *Document
	var saveStatus SaveStatus
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.doc != nil {
			doc = self.doc.Copy()
		}
		saveStatus = self.saveStatus
	}()

	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback(doc, saveStatus)
	}
}

func (self *DocumentManager) Document() *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.doc == nil {
		return nil
	}
	return self.doc.Copy()
}

func (self *DocumentManager) SaveStatus() SaveStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.saveStatus
}

func (self *DocumentManager) FailedPatch() DocumentPatch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.failedPatch
}

func (self *DocumentManager) IsLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.loading
}

// clears all open state and fetches the document by id.
// the returned row carries the id and parent id the caller needs for
// navigation bookkeeping. a fetch failure surfaces a notice and the
// caller should redirect away rather than render broken state.
func (self *DocumentManager) Open(ctx context.Context, id Id) (*Document, error) {
	var generation int
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.reset()
		self.loading = true
		generation = self.generation
	}()
	self.event()

	doc, err := self.store.FetchRow(ctx, self.table, id)

	stale := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.generation != generation {
			stale = true
			return
		}
		self.loading = false
		if err == nil {
			self.doc = doc.Copy()
		}
	}()
	if stale {
		return nil, nil
	}
	self.event()

	if err != nil {
		self.log("open %s error = %s", id, err)
		self.notify(&Notice{
			Level:       NoticeLevelError,
			Description: "Something went wrong. Broken link or poor internet connection.",
		})
		return nil, err
	}
	return doc.Copy(), nil
}

// must be called with `stateLock`
func (self *DocumentManager) reset() {
	self.doc = nil
	self.loading = false
	self.saveStatus = SaveStatusNone
	self.failedPatch = DocumentPatch{}
	self.generation += 1
	self.contentDebounce.Cancel()
}

// applies the patch to the in-memory document immediately, then writes
// the union of any buffered failed patch and the new patch. on failure
// the buffer absorbs the patch and retry piggybacks on the next update.
func (self *DocumentManager) Update(ctx context.Context, id Id, patch DocumentPatch) error {
	var attempt DocumentPatch
	var generation int
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.saveStatus = SaveStatusSaving
		if self.doc != nil && self.doc.Id == id {
			next := self.doc.Copy()
			patch.ApplyTo(next)
			self.doc = next
		}
		attempt = self.failedPatch.Union(patch)
		generation = self.generation
	}()
	self.event()

	_, err := self.store.UpdateRow(ctx, self.table, id, attempt)

	stale := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.generation != generation {
			stale = true
			return
		}
		if err == nil {
			self.saveStatus = SaveStatusSaved
			self.failedPatch = DocumentPatch{}
		} else {
			self.saveStatus = SaveStatusFailed
			self.failedPatch = attempt
		}
	}()
	if stale {
		return nil
	}
	self.event()

	if err != nil {
		self.log("update %s error = %s", id, err)
		self.notify(&Notice{
			Level:       NoticeLevelError,
			Title:       "Save failed",
			Description: "Something went wrong. Please check your internet connection & try again.",
		})
		return err
	}
	return nil
}

// schedules a body content write behind the debounce window.
// only the latest pending write survives rapid edits.
func (self *DocumentManager) ScheduleContentUpdate(id Id, content string) {
	self.contentDebounce.Schedule(func() {
		self.Update(self.ctx, id, DocumentPatch{
			Content: Set(content),
		})
	})
}

func (self *DocumentManager) TogglePublish(ctx context.Context) error {
	return self.toggleFlag(
		ctx,
		func(doc *Document) bool {
			next := !doc.IsPublished
			doc.IsPublished = next
			return next
		},
		func(next bool) DocumentPatch {
			return DocumentPatch{
				IsPublished: Set(next),
			}
		},
		"Lock failed",
	)
}

func (self *DocumentManager) ToggleFavorite(ctx context.Context) error {
	return self.toggleFlag(
		ctx,
		func(doc *Document) bool {
			next := !doc.IsFavorite
			doc.IsFavorite = next
			return next
		},
		func(next bool) DocumentPatch {
			return DocumentPatch{
				IsFavorite: Set(next),
			}
		},
		"Lock failed",
	)
}

// boolean flips follow the optimistic-then-confirm-or-revert pattern
// without failed-write buffering. a failed toggle simply reverts; it is
// idempotent and cheap to re-invoke.
func (self *DocumentManager) toggleFlag(
	ctx context.Context,
	flip func(doc *Document) bool,
	toPatch func(next bool) DocumentPatch,
	failTitle string,
) error {
	var id Id
	var snapshot *Document
	var next bool
	var generation int
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.doc == nil {
			return
		}
		snapshot = self.doc.Copy()
		id = self.doc.Id
		flipped := self.doc.Copy()
		next = flip(flipped)
		self.doc = flipped
		generation = self.generation
	}()
	if snapshot == nil {
		return nil
	}
	self.event()

	_, err := self.store.UpdateRow(ctx, self.table, id, toPatch(next))
	if err != nil {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if self.generation != generation {
				return
			}
			self.doc = snapshot
		}()
		self.event()
		self.log("toggle %s error = %s", id, err)
		self.notify(&Notice{
			Level:       NoticeLevelError,
			Title:       failTitle,
			Description: "Something went wrong. Please check your internet connection & try again.",
		})
		return err
	}
	return nil
}

// reconciles a change feed event against the open document.
// a remote UPDATE replaces local state wholesale, which can clobber an
// optimistic update still in flight. last write wins per field; there is
// no merge layer for concurrent body edits.
func (self *DocumentManager) HandleChange(event *ChangeEvent) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.doc == nil {
			return
		}

		switch event.EventType {
		case ChangeEventTypeUpdate:
			if event.Row != nil && event.Row.Id == self.doc.Id {
				self.doc = event.Row.Copy()
				changed = true
			}
		case ChangeEventTypeDelete:
			if id, ok := event.RowId(); ok && id == self.doc.Id {
				// the open document was permanently deleted
				self.reset()
				changed = true
			}
		}
	}()

	if changed {
		self.event()
	}
}

// navigate-away. clears all open state; results of in-flight operations
// that resolve after this are discarded.
func (self *DocumentManager) Close() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.reset()
	}()
	self.event()
}
