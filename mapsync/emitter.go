package mapsync

import (
	"sync"

	json "github.com/goccy/go-json"
)

// transport level event names
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	// every outbound call, emitted before the call frame is sent
	EventEmit = "emit"
	// a subscription was explicitly unsubscribed. args are the resource kind and key
	EventUnsubscribe = "unsubscribe"
)

type Event struct {
	Name string
	// positional arguments of a server pushed event
	Args []json.RawMessage
	// `disconnect` and `connect_error`
	Err error
	// `connect_error`: true when the transport is still retrying
	Retrying bool
	// `emit`
	Call *PendingCall
}

// decodes the positional args into `targets`. missing args leave the target untouched
func (self *Event) DecodeArgs(targets ...any) error {
	for i, target := range targets {
		if len(self.Args) <= i {
			break
		}
		if target == nil {
			continue
		}
		if err := json.Unmarshal(self.Args[i], target); err != nil {
			return err
		}
	}
	return nil
}

type EventFunction func(event *Event)

type ListenerId struct {
	name       string
	callbackId CallbackId
}

// synchronous multi-listener publish/subscribe.
// listeners run on the goroutine that calls `Emit`, in the order they were added
type EventEmitter struct {
	stateLock sync.Mutex
	listeners map[string]*CallbackList[EventFunction]
}

func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		listeners: map[string]*CallbackList[EventFunction]{},
	}
}

func (self *EventEmitter) callbackList(name string, create bool) *CallbackList[EventFunction] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks, ok := self.listeners[name]
	if !ok && create {
		callbacks = NewCallbackList[EventFunction]()
		self.listeners[name] = callbacks
	}
	return callbacks
}

func (self *EventEmitter) On(name string, listener EventFunction) ListenerId {
	callbackId := self.callbackList(name, true).Add(listener)
	return ListenerId{
		name:       name,
		callbackId: callbackId,
	}
}

func (self *EventEmitter) Once(name string, listener EventFunction) ListenerId {
	var once sync.Once
	var listenerId ListenerId
	var listenerIdLock sync.Mutex
	listenerIdLock.Lock()
	defer listenerIdLock.Unlock()
	listenerId = self.On(name, func(event *Event) {
		once.Do(func() {
			listenerIdLock.Lock()
			self.RemoveListener(listenerId)
			listenerIdLock.Unlock()
			listener(event)
		})
	})
	return listenerId
}

func (self *EventEmitter) RemoveListener(listenerId ListenerId) bool {
	callbacks := self.callbackList(listenerId.name, false)
	if callbacks == nil {
		return false
	}
	return callbacks.Remove(listenerId.callbackId)
}

func (self *EventEmitter) ListenerCount(name string) int {
	callbacks := self.callbackList(name, false)
	if callbacks == nil {
		return 0
	}
	return callbacks.Len()
}

func (self *EventEmitter) Emit(event *Event) {
	callbacks := self.callbackList(event.Name, false)
	if callbacks == nil {
		return
	}
	for _, listener := range callbacks.Get() {
		HandleError(func() {
			listener(event)
		})
	}
}
