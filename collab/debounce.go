package collab

import (
	"sync"
	"time"
)

// coalesces rapid calls into a single callback after a quiet period.
// scheduling cancels and reschedules; only the latest pending callback
// survives the delay window.
type Debouncer struct {
	timeout time.Duration

	stateLock sync.Mutex

	timer *time.Timer
}

func NewDebouncer(timeout time.Duration) *Debouncer {
	return &Debouncer{
		timeout: timeout,
	}
}

func (self *Debouncer) Schedule(callback func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(self.timeout, callback)
}

func (self *Debouncer) Cancel() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
