package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(value int)]()

	values := []int{}
	aId := callbacks.Add(func(value int) {
		values = append(values, value)
	})
	bId := callbacks.Add(func(value int) {
		values = append(values, 10*value)
	})

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, values, []int{1, 10})

	callbacks.Remove(aId)
	for _, callback := range callbacks.Get() {
		callback(2)
	}
	assert.Equal(t, values, []int{1, 10, 20})

	// removing twice is a no-op
	callbacks.Remove(aId)
	callbacks.Remove(bId)
	assert.Equal(t, len(callbacks.Get()), 0)
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("channel closed before notify")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	default:
		t.Fatal("channel open after notify")
	}

	// a fresh channel is open again
	next := monitor.NotifyChannel()
	select {
	case <-next:
		t.Fatal("fresh channel closed")
	default:
	}
}
