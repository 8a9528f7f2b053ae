package mapsync

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	json "github.com/goccy/go-json"
)

type SettledFunction func(call *PendingCall)

type IssueFunction func(call *PendingCall)

// one outbound call and its eventual reply
type PendingCall struct {
	Id   string
	Name string
	// the original arguments, for listeners of the `emit` event
	Args []any

	encodedArgs []json.RawMessage
	stream      bool

	stateLock        sync.Mutex
	done             chan struct{}
	settled          bool
	result           json.RawMessage
	resultStream     *Stream
	wireError        *WireError
	err              error
	settledCallbacks []SettledFunction
}

func newPendingCall(name string, args []any) *PendingCall {
	return &PendingCall{
		Id:   NewCallId(),
		Name: name,
		Args: args,
		done: make(chan struct{}),
	}
}

func (self *PendingCall) Done() <-chan struct{} {
	return self.done
}

// callbacks run on the goroutine that settles the call, which is the event loop
// for replies. if the call is already settled the callback runs immediately
func (self *PendingCall) OnSettled(callback SettledFunction) {
	self.stateLock.Lock()
	if !self.settled {
		self.settledCallbacks = append(self.settledCallbacks, callback)
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()
	callback(self)
}

func (self *PendingCall) settle(result json.RawMessage, resultStream *Stream, wireError *WireError, err error) bool {
	self.stateLock.Lock()
	if self.settled {
		self.stateLock.Unlock()
		return false
	}
	self.settled = true
	self.result = result
	self.resultStream = resultStream
	self.wireError = wireError
	self.err = err
	callbacks := self.settledCallbacks
	self.settledCallbacks = nil
	close(self.done)
	self.stateLock.Unlock()

	for _, callback := range callbacks {
		HandleError(func() {
			callback(self)
		})
	}
	return true
}

// the settled error without a local stack. nil if not settled or successful
func (self *PendingCall) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.wireError != nil {
		return newRemoteError(self.wireError, nil)
	}
	return self.err
}

func (self *PendingCall) Result() json.RawMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.result
}

func (self *PendingCall) Stream() *Stream {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.resultStream
}

// blocks until the call settles. a server rejection is returned as a `*RemoteError`
// carrying the stack of the waiting goroutine
func (self *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.done:
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.wireError != nil {
		return nil, newRemoteError(self.wireError, debug.Stack())
	}
	if self.err != nil {
		return nil, self.err
	}
	return self.result, nil
}

// decodes the call result into `R`
func WaitResult[R any](ctx context.Context, call *PendingCall) (R, error) {
	var result R
	b, err := call.Wait(ctx)
	if err != nil {
		return result, err
	}
	if len(b) == 0 || string(b) == "null" {
		return result, nil
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return result, errors.Join(errors.New("Could not decode result."), err)
	}
	return result, nil
}
