package collab

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

var errTestRemote = errors.New("remote unavailable")

// in-memory backend used across the package tests.
// failure flags simulate transient remote errors.
type testStore struct {
	stateLock sync.Mutex

	rows       map[Id]*Document
	lastCreate time.Time

	failFetches bool
	failUpdates bool
	failInserts bool
	failDeletes bool
	failQueries bool
	failJoins   bool

	appliedPatches []DocumentPatch

	streams  []*testChangeStream
	channels map[string]*testPresenceChannel
}

func newTestStore() *testStore {
	return &testStore{
		rows:       map[Id]*Document{},
		lastCreate: time.Now().Add(-time.Hour),
		channels:   map[string]*testPresenceChannel{},
	}
}

func (self *testStore) nextCreateTime() time.Time {
	self.lastCreate = self.lastCreate.Add(time.Second)
	return self.lastCreate
}

func (self *testStore) addRow(doc *Document) *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	row := doc.Copy()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = self.nextCreateTime()
	}
	self.rows[row.Id] = row
	return row.Copy()
}

func (self *testStore) row(id Id) *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if row, ok := self.rows[id]; ok {
		return row.Copy()
	}
	return nil
}

func (self *testStore) FetchRow(ctx context.Context, table string, id Id) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.failFetches {
		return nil, errTestRemote
	}
	row, ok := self.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Copy(), nil
}

func (self *testStore) UpdateRow(ctx context.Context, table string, id Id, patch DocumentPatch) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.failUpdates {
		return nil, errTestRemote
	}
	row, ok := self.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.ApplyTo(row)
	row.UpdatedAt = time.Now()
	self.appliedPatches = append(self.appliedPatches, patch)
	return row.Copy(), nil
}

func (self *testStore) InsertRow(ctx context.Context, table string, insert *DocumentInsert) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.failInserts {
		return nil, errTestRemote
	}
	row := &Document{
		Id:          NewId(),
		ParentId:    insert.ParentId,
		Title:       insert.Title,
		Description: insert.Description,
		Emoji:       insert.Emoji,
		CreatedAt:   self.nextCreateTime(),
	}
	self.rows[row.Id] = row
	return row.Copy(), nil
}

func (self *testStore) DeleteRow(ctx context.Context, table string, id Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.failDeletes {
		return errTestRemote
	}
	delete(self.rows, id)
	return nil
}

func (self *testStore) QueryChildren(ctx context.Context, table string, parentId *Id) ([]*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.failQueries {
		return nil, errTestRemote
	}
	docs := []*Document{}
	for _, row := range self.rows {
		if !row.IsDeleted && sameParent(row.ParentId, parentId) {
			docs = append(docs, row.Copy())
		}
	}
	slices.SortFunc(docs, func(a *Document, b *Document) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return docs, nil
}

func (self *testStore) QueryTrash(ctx context.Context, table string, query *TrashQuery) ([]*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.failQueries {
		return nil, errTestRemote
	}
	docs := []*Document{}
	for _, row := range self.rows {
		if !row.IsDeleted {
			continue
		}
		if query.Keyword != "" && !strings.Contains(strings.ToLower(row.Title), strings.ToLower(query.Keyword)) {
			continue
		}
		docs = append(docs, row.Copy())
	}
	slices.SortFunc(docs, func(a *Document, b *Document) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(docs) <= query.Offset {
		return []*Document{}, nil
	}
	docs = docs[query.Offset:]
	if query.Limit < len(docs) {
		docs = docs[:query.Limit]
	}
	return docs, nil
}

func (self *testStore) SubscribeChanges(ctx context.Context, table string) (ChangeStream, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stream := &testChangeStream{
		events: make(chan *ChangeEvent, 64),
	}
	self.streams = append(self.streams, stream)
	return stream, nil
}

func (self *testStore) streamCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.streams)
}

func (self *testStore) emit(event *ChangeEvent) {
	self.stateLock.Lock()
	streams := slices.Clone(self.streams)
	self.stateLock.Unlock()

	for _, stream := range streams {
		stream.emit(event)
	}
}

func (self *testStore) JoinPresence(ctx context.Context, channelName string) (PresenceChannel, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.failJoins {
		return nil, errTestRemote
	}
	channel, ok := self.channels[channelName]
	if !ok {
		channel = newTestPresenceChannel()
		self.channels[channelName] = channel
	}
	return channel, nil
}

func (self *testStore) channel(channelName string) *testPresenceChannel {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.channels[channelName]
}

type testChangeStream struct {
	stateLock sync.Mutex

	closed bool
	events chan *ChangeEvent
}

func (self *testChangeStream) emit(event *ChangeEvent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.events <- event
}

func (self *testChangeStream) Events() <-chan *ChangeEvent {
	return self.events
}

func (self *testChangeStream) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.closed {
		self.closed = true
		close(self.events)
	}
}

type testBroadcast struct {
	event   string
	payload []byte
}

type testPresenceChannel struct {
	stateLock sync.Mutex

	state      []*PresenceIdentity
	tracked    []*PresenceIdentity
	broadcasts []testBroadcast
	left       bool

	syncCallbacks      *CallbackList[PresenceSyncFunction]
	joinCallbacks      *CallbackList[PresenceJoinFunction]
	leaveCallbacks     *CallbackList[PresenceLeaveFunction]
	broadcastCallbacks map[string]*CallbackList[BroadcastFunction]
}

func newTestPresenceChannel() *testPresenceChannel {
	return &testPresenceChannel{
		syncCallbacks:      NewCallbackList[PresenceSyncFunction](),
		joinCallbacks:      NewCallbackList[PresenceJoinFunction](),
		leaveCallbacks:     NewCallbackList[PresenceLeaveFunction](),
		broadcastCallbacks: map[string]*CallbackList[BroadcastFunction]{},
	}
}

func (self *testPresenceChannel) AddSyncCallback(callback PresenceSyncFunction) func() {
	callbackId := self.syncCallbacks.Add(callback)
	return func() {
		self.syncCallbacks.Remove(callbackId)
	}
}

func (self *testPresenceChannel) AddJoinCallback(callback PresenceJoinFunction) func() {
	callbackId := self.joinCallbacks.Add(callback)
	return func() {
		self.joinCallbacks.Remove(callbackId)
	}
}

func (self *testPresenceChannel) AddLeaveCallback(callback PresenceLeaveFunction) func() {
	callbackId := self.leaveCallbacks.Add(callback)
	return func() {
		self.leaveCallbacks.Remove(callbackId)
	}
}

func (self *testPresenceChannel) AddBroadcastCallback(event string, callback BroadcastFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.broadcastCallbacks[event]
	if !ok {
		callbacks = NewCallbackList[BroadcastFunction]()
		self.broadcastCallbacks[event] = callbacks
	}
	self.stateLock.Unlock()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *testPresenceChannel) State() []*PresenceIdentity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.state)
}

func (self *testPresenceChannel) Track(identity *PresenceIdentity) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.tracked = append(self.tracked, identity)
	return nil
}

func (self *testPresenceChannel) Broadcast(event string, payload []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.broadcasts = append(self.broadcasts, testBroadcast{
		event:   event,
		payload: payload,
	})
	return nil
}

func (self *testPresenceChannel) Leave() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.left = true
}

// test driver side: set the authoritative state, then fire callbacks

func (self *testPresenceChannel) setState(state []*PresenceIdentity) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.state = state
}

func (self *testPresenceChannel) fireSync() {
	for _, syncCallback := range self.syncCallbacks.Get() {
		syncCallback(self.State())
	}
}

func (self *testPresenceChannel) fireJoin(joined []*PresenceIdentity) {
	for _, joinCallback := range self.joinCallbacks.Get() {
		joinCallback(joined)
	}
}

func (self *testPresenceChannel) fireLeave(left []*PresenceIdentity) {
	for _, leaveCallback := range self.leaveCallbacks.Get() {
		leaveCallback(left)
	}
}

func (self *testPresenceChannel) fireBroadcast(event string, payload []byte) {
	self.stateLock.Lock()
	callbacks := self.broadcastCallbacks[event]
	self.stateLock.Unlock()

	if callbacks != nil {
		for _, broadcastCallback := range callbacks.Get() {
			broadcastCallback(payload)
		}
	}
}

type testCursor struct {
	label string
	color string
	r     *CursorRange
}

type testCursorOverlay struct {
	stateLock sync.Mutex

	order   []Id
	cursors map[Id]*testCursor
}

func newTestCursorOverlay() *testCursorOverlay {
	return &testCursorOverlay{
		cursors: map[Id]*testCursor{},
	}
}

func (self *testCursorOverlay) CreateCursor(id Id, label string, color string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.cursors[id]; !ok {
		self.order = append(self.order, id)
	}
	self.cursors[id] = &testCursor{
		label: label,
		color: color,
	}
}

func (self *testCursorOverlay) MoveCursor(id Id, r *CursorRange) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if cursor, ok := self.cursors[id]; ok {
		cursor.r = r
	}
}

func (self *testCursorOverlay) RemoveCursor(id Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.cursors, id)
	if i := slices.Index(self.order, id); 0 <= i {
		self.order = slices.Delete(self.order, i, i+1)
	}
}

func (self *testCursorOverlay) ListCursors() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.order)
}

func (self *testCursorOverlay) cursor(id Id) *testCursor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.cursors[id]
}

type testEditor struct {
	stateLock sync.Mutex

	content string

	changeCallbacks    *CallbackList[EditorChangeFunction]
	selectionCallbacks *CallbackList[EditorSelectionFunction]

	overlay *testCursorOverlay
}

func newTestEditor() *testEditor {
	return &testEditor{
		changeCallbacks:    NewCallbackList[EditorChangeFunction](),
		selectionCallbacks: NewCallbackList[EditorSelectionFunction](),
		overlay:            newTestCursorOverlay(),
	}
}

func (self *testEditor) GetContent() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.content
}

func (self *testEditor) SetContent(content string, emitEvent bool) {
	self.stateLock.Lock()
	self.content = content
	self.stateLock.Unlock()

	if emitEvent {
		for _, changeCallback := range self.changeCallbacks.Get() {
			changeCallback(EditSourceApi)
		}
	}
}

func (self *testEditor) AddChangeCallback(callback EditorChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *testEditor) AddSelectionCallback(callback EditorSelectionFunction) func() {
	callbackId := self.selectionCallbacks.Add(callback)
	return func() {
		self.selectionCallbacks.Remove(callbackId)
	}
}

func (self *testEditor) Cursors() CursorOverlay {
	return self.overlay
}

func (self *testEditor) emitChange(source EditSource) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(source)
	}
}

func (self *testEditor) emitSelection(r *CursorRange, source EditSource) {
	for _, selectionCallback := range self.selectionCallbacks.Get() {
		selectionCallback(r, source)
	}
}

type testNotify struct {
	stateLock sync.Mutex

	notices []*Notice
}

func (self *testNotify) notify(notice *Notice) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.notices = append(self.notices, notice)
}

func (self *testNotify) count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.notices)
}

func (self *testNotify) last() *Notice {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.notices) == 0 {
		return nil
	}
	return self.notices[len(self.notices)-1]
}

// polls until the condition holds or the deadline passes
func waitFor(condition func() bool) bool {
	endTime := time.Now().Add(2 * time.Second)
	for time.Now().Before(endTime) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}
