package mapsync

import (
	"context"
	"sync"
)

// a single goroutine that runs posted functions in order.
// all client state is owned by the loop
type eventLoop struct {
	stateLock sync.Mutex
	queue     []func()
	closed    bool
	notify    chan struct{}
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		notify: make(chan struct{}, 1),
	}
}

// returns false if the loop has exited
func (self *eventLoop) post(do func()) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed {
		return false
	}
	self.queue = append(self.queue, do)
	select {
	case self.notify <- struct{}{}:
	default:
	}
	return true
}

func (self *eventLoop) take() []func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	queue := self.queue
	self.queue = nil
	return queue
}

// runs until `ctx` is done. functions posted before the exit still run,
// so they can observe the closed context and settle
func (self *eventLoop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			self.stateLock.Lock()
			self.closed = true
			self.stateLock.Unlock()
			for _, do := range self.take() {
				HandleError(do)
			}
			return
		case <-self.notify:
			for _, do := range self.take() {
				HandleError(do)
			}
		}
	}
}
