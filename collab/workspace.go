package collab

import (
	"context"
	"sync"
)

type WorkspaceSettings struct {
	Table string

	ChangeFeedSettings      *ChangeFeedSettings
	DocumentManagerSettings *DocumentManagerSettings
	TrashSettings           *TrashSettings
}

func DefaultWorkspaceSettings() *WorkspaceSettings {
	return &WorkspaceSettings{
		Table:                   DefaultTable,
		ChangeFeedSettings:      DefaultChangeFeedSettings(),
		DocumentManagerSettings: DefaultDocumentManagerSettings(),
		TrashSettings:           DefaultTrashSettings(),
	}
}

// wires one store, one change feed, one tree, one document manager and
// one trash behind a single owner, with at most one presence roster for
// the open document. there are no package level singletons; every
// concern has exactly one owned state object.
type Workspace struct {
	ctx    context.Context
	cancel context.CancelFunc

	store  Store
	notify NotifyFunction

	feed            *ChangeFeed
	tree            *Tree
	documentManager *DocumentManager
	trash           *Trash

	stateLock sync.Mutex

	roster *Roster

	editorUnsub func()
	feedUnsub   func()
}

func NewWorkspaceWithDefaults(ctx context.Context, store Store, notify NotifyFunction) *Workspace {
	return NewWorkspace(ctx, store, notify, DefaultWorkspaceSettings())
}

func NewWorkspace(ctx context.Context, store Store, notify NotifyFunction, settings *WorkspaceSettings) *Workspace {
	cancelCtx, cancel := context.WithCancel(ctx)

	workspace := &Workspace{
		ctx:             cancelCtx,
		cancel:          cancel,
		store:           store,
		notify:          notifyOrNoop(notify),
		feed:            NewChangeFeed(cancelCtx, store, settings.Table, settings.ChangeFeedSettings),
		tree:            NewTree(cancelCtx, store, settings.Table, notify),
		documentManager: NewDocumentManager(cancelCtx, store, settings.Table, notify, settings.DocumentManagerSettings),
		trash:           NewTrash(cancelCtx, store, settings.Table, notify, settings.TrashSettings),
	}

	workspace.feedUnsub = workspace.feed.AddChangeCallback(workspace.handleChange)

	return workspace
}

// the tree always sees every event. the document manager reconciles
// only events that concern the open document, which it checks itself.
func (self *Workspace) handleChange(event *ChangeEvent) {
	self.tree.HandleChange(event)
	self.documentManager.HandleChange(event)
}

func (self *Workspace) Tree() *Tree {
	return self.tree
}

func (self *Workspace) Documents() *DocumentManager {
	return self.documentManager
}

func (self *Workspace) Trash() *Trash {
	return self.trash
}

func (self *Workspace) Roster() *Roster {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.roster
}

// opens the document and attaches the editor. user edits flow into the
// debounced content write. when a session identity is also attached,
// joins the presence channel named for the document id. a presence
// failure degrades to no collaboration visibility and never blocks
// editing.
func (self *Workspace) OpenDocument(ctx context.Context, id Id, identity *PresenceIdentity, editor Editor) (*Document, error) {
	doc, err := self.documentManager.Open(ctx, id)
	if err != nil {
		return nil, err
	}

	// tear down the previous subscriptions before attaching the next editor
	self.closeRoster()
	self.detachEditor()

	if editor != nil {
		editorUnsub := editor.AddChangeCallback(func(source EditSource) {
			// programmatic content updates come from the pipeline itself
			if source == EditSourceUser {
				self.documentManager.ScheduleContentUpdate(id, editor.GetContent())
			}
		})
		self.stateLock.Lock()
		self.editorUnsub = editorUnsub
		self.stateLock.Unlock()
	}

	if identity != nil && editor != nil {
		roster, err := NewRoster(self.ctx, self.store, id, identity, editor, self.notify)
		if err != nil {
			LogFn(LogLevelInfo, "workspace")("presence join %s error = %s", id, err)
		} else {
			self.stateLock.Lock()
			self.roster = roster
			self.stateLock.Unlock()
		}
	}

	return doc, nil
}

func (self *Workspace) CloseDocument() {
	self.closeRoster()
	self.detachEditor()
	self.documentManager.Close()
}

func (self *Workspace) detachEditor() {
	var editorUnsub func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		editorUnsub = self.editorUnsub
		self.editorUnsub = nil
	}()
	if editorUnsub != nil {
		editorUnsub()
	}
}

func (self *Workspace) closeRoster() {
	var roster *Roster
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		roster = self.roster
		self.roster = nil
	}()
	if roster != nil {
		roster.Close()
	}
}

func (self *Workspace) Close() {
	self.closeRoster()
	self.detachEditor()
	self.feedUnsub()
	self.feed.Close()
	self.cancel()
}
