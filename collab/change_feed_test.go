package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestChangeFeedDispatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	feed := NewChangeFeed(ctx, store, DefaultTable, &ChangeFeedSettings{
		ResubscribeTimeout: 20 * time.Millisecond,
	})
	defer feed.Close()

	received := make(chan *ChangeEvent, 8)
	unsub := feed.AddChangeCallback(func(event *ChangeEvent) {
		received <- event
	})

	ok := waitFor(func() bool {
		return store.streamCount() == 1
	})
	assert.Equal(t, ok, true)

	doc := &Document{Id: NewId(), Title: "a"}
	store.emit(&ChangeEvent{
		EventType: ChangeEventTypeInsert,
		Row:       doc,
	})

	select {
	case event := <-received:
		assert.Equal(t, event.EventType, ChangeEventTypeInsert)
		assert.Equal(t, event.Row.Id, doc.Id)
	case <-time.After(2 * time.Second):
		t.Fatal("no event dispatched")
	}

	// nothing arrives after unsubscribe
	unsub()
	store.emit(&ChangeEvent{
		EventType: ChangeEventTypeUpdate,
		Row:       doc,
	})
	select {
	case <-received:
		t.Fatal("event dispatched after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChangeFeedResubscribe(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	feed := NewChangeFeed(ctx, store, DefaultTable, &ChangeFeedSettings{
		ResubscribeTimeout: 20 * time.Millisecond,
	})
	defer feed.Close()

	received := make(chan *ChangeEvent, 8)
	feed.AddChangeCallback(func(event *ChangeEvent) {
		received <- event
	})

	ok := waitFor(func() bool {
		return store.streamCount() == 1
	})
	assert.Equal(t, ok, true)

	// drop the stream. the feed subscribes again after the timeout.
	store.stateLock.Lock()
	stream := store.streams[0]
	store.stateLock.Unlock()
	stream.Close()

	ok = waitFor(func() bool {
		return store.streamCount() == 2
	})
	assert.Equal(t, ok, true)

	store.emit(&ChangeEvent{
		EventType: ChangeEventTypeInsert,
		Row:       &Document{Id: NewId(), Title: "a"},
	})
	select {
	case event := <-received:
		assert.Equal(t, event.EventType, ChangeEventTypeInsert)
	case <-time.After(2 * time.Second):
		t.Fatal("no event after resubscribe")
	}
}
