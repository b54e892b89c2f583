package collab

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"
)

type TrashSettings struct {
	PageSize int
}

func DefaultTrashSettings() *TrashSettings {
	return &TrashSettings{
		PageSize: 10,
	}
}

// paged listing of soft-deleted documents with restore and permanent
// delete. listing failures leave previously loaded pages intact.
type Trash struct {
	ctx context.Context

	store  RowStore
	table  string
	notify NotifyFunction
	log    LogFunction

	settings *TrashSettings

	stateLock sync.Mutex

	list     []*Document
	loading  bool
	keyword  string
	nextPage int
	more     bool
}

func NewTrashWithDefaults(ctx context.Context, store RowStore, table string, notify NotifyFunction) *Trash {
	return NewTrash(ctx, store, table, notify, DefaultTrashSettings())
}

func NewTrash(ctx context.Context, store RowStore, table string, notify NotifyFunction, settings *TrashSettings) *Trash {
	return &Trash{
		ctx:      ctx,
		store:    store,
		table:    table,
		notify:   notifyOrNoop(notify),
		log:      LogFn(LogLevelDebug, "trash"),
		settings: settings,
	}
}

func (self *Trash) List() []*Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.list)
}

func (self *Trash) More() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.more
}

func (self *Trash) IsLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.loading
}

// resets accumulation and loads the first page for the keyword
func (self *Trash) Fetch(ctx context.Context, keyword string) error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.keyword = keyword
		self.list = nil
		self.nextPage = 0
		self.more = false
	}()
	return self.NextPage(ctx)
}

// loads the next page and appends it to the accumulated list.
// `More` stays true while full pages keep coming back.
func (self *Trash) NextPage(ctx context.Context) error {
	var query *TrashQuery
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.loading = true
		query = &TrashQuery{
			Keyword: self.keyword,
			Offset:  self.nextPage * self.settings.PageSize,
			Limit:   self.settings.PageSize,
		}
	}()

	docs, err := self.store.QueryTrash(ctx, self.table, query)

	self.stateLock.Lock()
	self.loading = false
	if err == nil {
		self.list = append(self.list, docs...)
		self.nextPage += 1
		self.more = len(docs) == self.settings.PageSize
	}
	self.stateLock.Unlock()

	if err != nil {
		self.log("query error = %s", err)
		self.notify(&Notice{
			Level:       NoticeLevelError,
			Description: "Failed to load trash. Please check your internet connection & try again.",
		})
		return err
	}
	return nil
}

// clears the deleted flag. the restored row re-enters the tree at the
// top level via the change feed, since its parent was detached on delete.
func (self *Trash) Restore(ctx context.Context, id Id) error {
	patch := DocumentPatch{
		IsDeleted: Null[bool](),
	}
	_, err := self.store.UpdateRow(ctx, self.table, id, patch)
	if err != nil {
		self.log("restore %s error = %s", id, err)
		self.notify(&Notice{
			Level:       NoticeLevelError,
			Description: "Restore failed. Please check your internet connection & try again.",
		})
		return err
	}

	self.removeFromList(id)
	return nil
}

// hard-deletes the row. an open copy of the document resets through the
// change feed DELETE.
func (self *Trash) DeletePermanent(ctx context.Context, id Id) error {
	if err := self.store.DeleteRow(ctx, self.table, id); err != nil {
		self.log("delete %s error = %s", id, err)
		self.notify(&Notice{
			Level:       NoticeLevelError,
			Description: "Delete failed. Please check your internet connection & try again.",
		})
		return err
	}

	self.removeFromList(id)
	return nil
}

func (self *Trash) removeFromList(id Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.list, func(doc *Document) bool {
		return doc.Id == id
	})
	if 0 <= i {
		self.list = slices.Delete(slices.Clone(self.list), i, i+1)
	}
}
