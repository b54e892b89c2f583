package collab

import (
	"context"
	"time"

	"github.com/golang/glog"
)

type ChangeFunction = func(event *ChangeEvent)

type ChangeFeedSettings struct {
	ResubscribeTimeout time.Duration
}

func DefaultChangeFeedSettings() *ChangeFeedSettings {
	return &ChangeFeedSettings{
		ResubscribeTimeout: 5 * time.Second,
	}
}

// subscribes to the backend row change stream for one table and fans
// typed events out to listeners. when the underlying stream drops, the
// feed resubscribes after a timeout. a delete missed in the gap is
// reconciled by the next full fetch, not replayed here.
type ChangeFeed struct {
	ctx    context.Context
	cancel context.CancelFunc

	store SubscribeStore
	table string

	settings *ChangeFeedSettings

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewChangeFeedWithDefaults(ctx context.Context, store SubscribeStore, table string) *ChangeFeed {
	return NewChangeFeed(ctx, store, table, DefaultChangeFeedSettings())
}

func NewChangeFeed(ctx context.Context, store SubscribeStore, table string, settings *ChangeFeedSettings) *ChangeFeed {
	cancelCtx, cancel := context.WithCancel(ctx)
	feed := &ChangeFeed{
		ctx:             cancelCtx,
		cancel:          cancel,
		store:           store,
		table:           table,
		settings:        settings,
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
	go feed.run()
	return feed
}

func (self *ChangeFeed) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ChangeFeed) run() {
	defer self.cancel()

	for {
		stream, err := self.store.SubscribeChanges(self.ctx, self.table)
		if err != nil {
			glog.Infof("[cf]subscribe %s error = %s\n", self.table, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ResubscribeTimeout):
				continue
			}
		}

		func() {
			defer stream.Close()

			for {
				select {
				case <-self.ctx.Done():
					return
				case event, ok := <-stream.Events():
					if !ok {
						glog.Infof("[cf]stream %s closed\n", self.table)
						return
					}
					glog.V(2).Infof("[cf]%s %s\n", self.table, event.EventType)
					for _, changeCallback := range self.changeCallbacks.Get() {
						changeCallback(event)
					}
				}
			}
		}()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ResubscribeTimeout):
		}
	}
}

func (self *ChangeFeed) Close() {
	self.cancel()
}
