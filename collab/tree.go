package collab

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type TreeNodeRef struct {
	Id       Id
	ParentId *Id
}

// projects the raw change stream into the client-side document index.
// the index only ever holds non-deleted rows. it is lazily populated one
// level of children at a time, and a level is fetched at most once.
type Tree struct {
	ctx context.Context

	store  RowStore
	table  string
	notify NotifyFunction
	log    LogFunction

	stateLock sync.Mutex

	index map[Id]*Document
	// nodes currently expanded in the ui. ephemeral per session.
	expanded map[Id]TreeNodeRef
	// per-scope loading flags, keyed by parent id (zero id for top level)
	loading map[Id]bool

	updateMonitor *Monitor
}

func NewTree(ctx context.Context, store RowStore, table string, notify NotifyFunction) *Tree {
	return &Tree{
		ctx:           ctx,
		store:         store,
		table:         table,
		notify:        notifyOrNoop(notify),
		log:           LogFn(LogLevelDebug, "tree"),
		index:         map[Id]*Document{},
		expanded:      map[Id]TreeNodeRef{},
		loading:       map[Id]bool{},
		updateMonitor: NewMonitor(),
	}
}

// closed and reopened whenever the index changes
func (self *Tree) UpdateNotifyChannel() chan struct{} {
	return self.updateMonitor.NotifyChannel()
}

func (self *Tree) Get(id Id) (*Document, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.index[id]
	if !ok {
		return nil, false
	}
	return doc.Copy(), true
}

func (self *Tree) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.index)
}

// one level of children ordered by ascending creation time
func (self *Tree) Children(parentId *Id) []*Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	children := []*Document{}
	for _, doc := range self.index {
		if sameParent(doc.ParentId, parentId) {
			children = append(children, doc.Copy())
		}
	}
	slices.SortFunc(children, func(a *Document, b *Document) int {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		} else if b.CreatedAt.Before(a.CreatedAt) {
			return 1
		}
		return slices.Compare(a.Id.Bytes(), b.Id.Bytes())
	})
	return children
}

func sameParent(a *Id, b *Id) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (self *Tree) HasChildren(parentId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.hasChildren(parentId)
}

// must be called with `stateLock`
func (self *Tree) hasChildren(parentId Id) bool {
	for _, doc := range self.index {
		if doc.ParentId != nil && *doc.ParentId == parentId {
			return true
		}
	}
	return false
}

func (self *Tree) IsLoading(parentId *Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.loading[loadScope(parentId)]
}

func loadScope(parentId *Id) Id {
	if parentId == nil {
		return Id{}
	}
	return *parentId
}

// fetches one level of children and merges it into the index without
// clobbering already loaded branches. a level already known to have
// children in the index is not refetched; callers needing fresh data
// must invalidate explicitly.
func (self *Tree) FetchChildren(ctx context.Context, parentId *Id) error {
	skip := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if parentId != nil && self.hasChildren(*parentId) {
			skip = true
			return
		}
		self.loading[loadScope(parentId)] = true
	}()
	if skip {
		return nil
	}

	docs, err := self.store.QueryChildren(ctx, self.table, parentId)

	self.stateLock.Lock()
	self.loading[loadScope(parentId)] = false
	if err == nil {
		for _, doc := range docs {
			self.index[doc.Id] = doc.Copy()
		}
	}
	self.stateLock.Unlock()

	if err != nil {
		self.log("fetch children error = %s", err)
		self.notify(&Notice{
			Level:       NoticeLevelError,
			Description: "Failed to load the document tree. Please check your internet connection & try again.",
		})
		return err
	}

	self.updateMonitor.NotifyAll()
	return nil
}

// drops the loaded-once marker for a scope so the next fetch hits the backend
func (self *Tree) Invalidate(parentId *Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for id, doc := range self.index {
		if sameParent(doc.ParentId, parentId) {
			delete(self.index, id)
		}
	}
}

// applies one change feed event to the index.
// restore detection runs before plain update so a row toggling
// is_deleted false->false is a pure field sync, while false->true
// always removes regardless of other field changes in the same event.
func (self *Tree) HandleChange(event *ChangeEvent) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch event.EventType {
		case ChangeEventTypeInsert:
			if doc := event.Row; doc != nil && !doc.IsDeleted {
				if _, ok := self.index[doc.Id]; !ok {
					self.index[doc.Id] = doc.Copy()
					changed = true
				}
			}
		case ChangeEventTypeDelete:
			if id, ok := event.RowId(); ok {
				if _, ok := self.index[id]; ok {
					delete(self.index, id)
					changed = true
				}
			}
		case ChangeEventTypeUpdate:
			doc := event.Row
			if doc == nil {
				return
			}
			_, present := self.index[doc.Id]
			if !present && !doc.IsDeleted {
				// restore from trash
				self.index[doc.Id] = doc.Copy()
				changed = true
			} else if present && doc.IsDeleted {
				// move to trash or hard delete, indistinguishable here
				delete(self.index, doc.Id)
				changed = true
			} else if present && !doc.IsDeleted {
				// field sync
				self.index[doc.Id] = doc.Copy()
				changed = true
			}
		}
	}()

	if changed {
		self.log("apply %s", event.EventType)
		self.updateMonitor.NotifyAll()
	}
}

// optimistically renames the node, then persists title and emoji.
// description is edited locally only; the rename write does not carry it.
// on remote failure the pre-mutation snapshot is restored.
func (self *Tree) Rename(ctx context.Context, id Id, title string, description string, emoji *Emoji) error {
	var snapshot *Document
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if doc, ok := self.index[id]; ok {
			snapshot = doc.Copy()
			next := doc.Copy()
			next.Title = title
			next.Description = description
			next.Emoji = emoji
			self.index[id] = next
		}
	}()
	if snapshot != nil {
		self.updateMonitor.NotifyAll()
	}

	patch := DocumentPatch{
		Title: Set(title),
	}
	if emoji != nil {
		patch.Emoji = Set(*emoji)
	} else {
		patch.Emoji = Null[Emoji]()
	}

	_, err := self.store.UpdateRow(ctx, self.table, id, patch)
	if err != nil {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if snapshot != nil {
				self.index[id] = snapshot
			}
		}()
		self.updateMonitor.NotifyAll()
		self.log("rename %s error = %s", id, err)
		self.notify(&Notice{
			Level:       NoticeLevelError,
			Description: "Failed to rename selected doc. Please check your internet connection & try again.",
		})
		return err
	}
	return nil
}

// optimistically removes the node, then soft-deletes it remotely.
// the row is detached from its tree position so a later restore returns
// it to the top level, not its old parent. children are not touched.
func (self *Tree) Delete(ctx context.Context, id Id) error {
	var snapshot *Document
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if doc, ok := self.index[id]; ok {
			snapshot = doc
			delete(self.index, id)
		}
	}()
	if snapshot != nil {
		self.updateMonitor.NotifyAll()
	}

	patch := DocumentPatch{
		IsDeleted: Set(true),
		ParentId:  Null[Id](),
	}
	_, err := self.store.UpdateRow(ctx, self.table, id, patch)
	if err != nil {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if snapshot != nil {
				self.index[id] = snapshot
			}
		}()
		self.updateMonitor.NotifyAll()
		self.log("delete %s error = %s", id, err)
		self.notify(&Notice{
			Level:       NoticeLevelError,
			Description: "Move to trash failed. Please check your internet connection & try again.",
		})
		return err
	}
	return nil
}

// inserts a new row remotely. there is no optimistic index insert; the
// node becomes visible once the change feed delivers the INSERT, which
// is acceptable because creation already round-trips for the id.
func (self *Tree) Create(ctx context.Context, parentId *Id, title string, description string, emoji *Emoji) (*Document, error) {
	if title == "" {
		title = "untitled"
	}
	doc, err := self.store.InsertRow(ctx, self.table, &DocumentInsert{
		ParentId:    parentId,
		Title:       title,
		Description: description,
		Emoji:       emoji,
	})
	if err != nil {
		self.log("create error = %s", err)
		self.notify(&Notice{
			Level:       NoticeLevelError,
			Description: "Failed to create new page. Please check your internet connection & try again.",
		})
		return nil, err
	}
	return doc, nil
}

func (self *Tree) IsExpanded(id Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.expanded[id]
	return ok
}

func (self *Tree) Expanded() map[Id]TreeNodeRef {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.expanded)
}

func (self *Tree) ToggleExpand(node TreeNodeRef) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.expanded[node.Id]; ok {
			delete(self.expanded, node.Id)
		} else {
			self.expanded[node.Id] = node
		}
	}()
	self.updateMonitor.NotifyAll()
}

// force-expands the ancestor chain of a newly created node so it is
// visible in the ui. cascades up while the ancestors are loaded.
func (self *Tree) ExpandForCreated(node TreeNodeRef) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		parentId := node.ParentId
		for parentId != nil {
			item, ok := self.index[*parentId]
			if !ok {
				break
			}
			self.expanded[item.Id] = TreeNodeRef{
				Id:       item.Id,
				ParentId: item.ParentId,
			}
			parentId = item.ParentId
		}
	}()
	self.updateMonitor.NotifyAll()
}
