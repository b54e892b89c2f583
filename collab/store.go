package collab

import (
	"context"
	"errors"
)

// the backend that the sync core coordinates against.
// row storage and the realtime stream are separate concerns so that
// the stream half can be served by `RealtimeClient` while row storage
// stays behind whatever api client the host app already carries.

var ErrNotFound = errors.New("row not found")

type RowStore interface {
	FetchRow(ctx context.Context, table string, id Id) (*Document, error)

	UpdateRow(ctx context.Context, table string, id Id, patch DocumentPatch) (*Document, error)

	InsertRow(ctx context.Context, table string, insert *DocumentInsert) (*Document, error)

	DeleteRow(ctx context.Context, table string, id Id) error

	// one level of non-deleted children for `parentId`, top level when nil.
	// ordered by ascending creation time.
	QueryChildren(ctx context.Context, table string, parentId *Id) ([]*Document, error)

	// deleted rows matching the query, ordered by descending creation time
	QueryTrash(ctx context.Context, table string, query *TrashQuery) ([]*Document, error)
}

type SubscribeStore interface {
	// at-least-once delivery of row changes while the stream is open.
	// ordering within one stream matches commit order.
	// the stream closing is not an error; the subscriber resubscribes.
	SubscribeChanges(ctx context.Context, table string) (ChangeStream, error)

	JoinPresence(ctx context.Context, channelName string) (PresenceChannel, error)
}

type Store interface {
	RowStore
	SubscribeStore
}

type splitStore struct {
	RowStore
	SubscribeStore
}

func NewStore(rows RowStore, subscribe SubscribeStore) Store {
	return &splitStore{
		RowStore:       rows,
		SubscribeStore: subscribe,
	}
}

type TrashQuery struct {
	Keyword string
	Offset  int
	Limit   int
}

type ChangeEventType string

const (
	ChangeEventTypeInsert ChangeEventType = "INSERT"
	ChangeEventTypeUpdate ChangeEventType = "UPDATE"
	ChangeEventTypeDelete ChangeEventType = "DELETE"
)

// a row-level change notification.
// `Row` is the new row for INSERT/UPDATE and may be nil for DELETE,
// where only the old row id survives.
type ChangeEvent struct {
	EventType ChangeEventType
	Row       *Document
	OldRowId  *Id
}

// the id the event concerns, from whichever side of the change carries it
func (self *ChangeEvent) RowId() (Id, bool) {
	if self.Row != nil {
		return self.Row.Id, true
	}
	if self.OldRowId != nil {
		return *self.OldRowId, true
	}
	return Id{}, false
}

type ChangeStream interface {
	Events() <-chan *ChangeEvent
	Close()
}

type PresenceSyncFunction = func(state []*PresenceIdentity)
type PresenceJoinFunction = func(joined []*PresenceIdentity)
type PresenceLeaveFunction = func(left []*PresenceIdentity)
type BroadcastFunction = func(payload []byte)

// an ephemeral named channel whose membership is tracked by the backend.
// `State` reflects the latest full snapshot, which is the source of truth;
// join/leave callbacks carry deltas and are advisory.
type PresenceChannel interface {
	AddSyncCallback(callback PresenceSyncFunction) func()
	AddJoinCallback(callback PresenceJoinFunction) func()
	AddLeaveCallback(callback PresenceLeaveFunction) func()
	AddBroadcastCallback(event string, callback BroadcastFunction) func()

	State() []*PresenceIdentity

	// announce own identity to peers
	Track(identity *PresenceIdentity) error

	Broadcast(event string, payload []byte) error

	Leave()
}
