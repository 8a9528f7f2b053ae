package mapsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/looplab/fsm"
)

type SubscriptionStateType string

const (
	SubscriptionStateSubscribing  SubscriptionStateType = "subscribing"
	SubscriptionStateSubscribed   SubscriptionStateType = "subscribed"
	SubscriptionStateUnsubscribed SubscriptionStateType = "unsubscribed"
	SubscriptionStateDisconnected SubscriptionStateType = "disconnected"
	SubscriptionStateFatalError   SubscriptionStateType = "fatal-error"
)

type SubscriptionState struct {
	Type SubscriptionStateType
	// set for `fatal-error`
	Err error
}

func (self SubscriptionState) Terminal() bool {
	switch self.Type {
	case SubscriptionStateUnsubscribed, SubscriptionStateFatalError:
		return true
	default:
		return false
	}
}

const (
	subscriptionEventSubscribed  = "subscribed"
	subscriptionEventDisconnect  = "disconnect"
	subscriptionEventResubscribe = "resubscribe"
	subscriptionEventUnsubscribe = "unsubscribe"
	subscriptionEventFatal       = "fatal"
)

// the resource specific part of a subscription.
// all methods run on the client event loop
type subscriptionResource interface {
	// issues the call that (re)subscribes with the current resource key and options
	startSubscribe() *PendingCall
	startUnsubscribe() *PendingCall
	// called once when the subscription reaches a terminal state
	release(state SubscriptionState)
}

// one client held interest in one server resource.
// the subscribe call is issued on construction; the subscription follows the
// connection and resubscribes after a reconnect until it is unsubscribed
type Subscription struct {
	client   *Client
	resource subscriptionResource
	log      LogFunction

	state *ReactiveValue[SubscriptionState]

	stateLock   sync.Mutex
	fsm         *fsm.FSM
	attempt     int
	listenerIds []ListenerId
	released    bool

	subscribeOnce sync.Once
	subscribeDone chan struct{}
	subscribeErr  error
}

func newSubscription(client *Client, resource subscriptionResource, tag string) *Subscription {
	return &Subscription{
		client:   client,
		resource: resource,
		log:      LogFn(LogLevelDebug, fmt.Sprintf("[s]%s", tag)),
		state:    NewReactiveValue(client.Provider(), SubscriptionState{Type: SubscriptionStateSubscribing}),
		fsm: fsm.NewFSM(
			string(SubscriptionStateSubscribing),
			fsm.Events{
				{Name: subscriptionEventSubscribed, Src: []string{string(SubscriptionStateSubscribing)}, Dst: string(SubscriptionStateSubscribed)},
				{Name: subscriptionEventDisconnect, Src: []string{string(SubscriptionStateSubscribing), string(SubscriptionStateSubscribed)}, Dst: string(SubscriptionStateDisconnected)},
				{Name: subscriptionEventResubscribe, Src: []string{string(SubscriptionStateDisconnected)}, Dst: string(SubscriptionStateSubscribing)},
				{Name: subscriptionEventUnsubscribe, Src: []string{string(SubscriptionStateSubscribing), string(SubscriptionStateSubscribed), string(SubscriptionStateDisconnected)}, Dst: string(SubscriptionStateUnsubscribed)},
				{Name: subscriptionEventFatal, Src: []string{string(SubscriptionStateSubscribing), string(SubscriptionStateSubscribed), string(SubscriptionStateDisconnected)}, Dst: string(SubscriptionStateFatalError)},
			},
			fsm.Callbacks{},
		),
		subscribeDone: make(chan struct{}),
	}
}

// registers the connection listeners and issues the first subscribe call
func (self *Subscription) start() {
	if !self.client.Post(func() {
		self.addListener(EventConnect, func(event *Event) {
			if self.fire(subscriptionEventResubscribe, nil) {
				self.subscribe()
			}
		})
		self.addListener(EventDisconnect, func(event *Event) {
			self.fire(subscriptionEventDisconnect, nil)
		})
		self.addListener(EventConnectError, func(event *Event) {
			if !event.Retrying {
				self.Fail(&ConnectionError{Err: event.Err, fatal: true})
			}
		})
		if self.client.fatalErr != nil {
			self.Fail(self.client.fatalErr)
		}
	}) {
		self.resolveSubscribe(ErrClientClosed)
		return
	}
	// issued from the calling goroutine so that issue callbacks run before the
	// constructor returns. the call reaches the loop after the listeners above
	self.subscribe()
}

// must run on the event loop
func (self *Subscription) addListener(name string, listener EventFunction) {
	listenerId := self.client.On(name, listener)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.listenerIds = append(self.listenerIds, listenerId)
}

func (self *Subscription) fire(name string, err error) bool {
	self.stateLock.Lock()
	if !self.fsm.Can(name) {
		self.stateLock.Unlock()
		return false
	}
	if fsmErr := self.fsm.Event(context.Background(), name); fsmErr != nil {
		current := self.fsm.Current()
		self.stateLock.Unlock()
		glog.Infof("[s]state %s -> %s error = %s\n", current, name, fsmErr)
		return false
	}
	state := SubscriptionState{
		Type: SubscriptionStateType(self.fsm.Current()),
		Err:  err,
	}
	self.stateLock.Unlock()

	self.log("state %s", state.Type)
	self.state.Set(state)
	if state.Terminal() {
		self.release(state)
	}
	return true
}

func (self *Subscription) release(state SubscriptionState) {
	self.stateLock.Lock()
	if self.released {
		self.stateLock.Unlock()
		return
	}
	self.released = true
	// invalidates in flight subscribe calls
	self.attempt += 1
	listenerIds := self.listenerIds
	self.listenerIds = nil
	self.stateLock.Unlock()

	for _, listenerId := range listenerIds {
		self.client.RemoveListener(listenerId)
	}
	self.resource.release(state)

	self.resolveSubscribe(ErrUnsubscribed)
}

func (self *Subscription) resolveSubscribe(err error) {
	self.subscribeOnce.Do(func() {
		self.subscribeErr = err
		close(self.subscribeDone)
	})
}

func (self *Subscription) subscribe() {
	self.stateLock.Lock()
	self.attempt += 1
	attempt := self.attempt
	self.stateLock.Unlock()

	call := self.resource.startSubscribe()
	call.OnSettled(func(call *PendingCall) {
		self.stateLock.Lock()
		current := attempt == self.attempt
		self.stateLock.Unlock()
		if !current {
			// superseded, or the subscription was released
			return
		}

		if err := call.Err(); err != nil {
			self.log("subscribe error = %s", err)
			self.resolveSubscribe(err)
			return
		}
		self.fire(subscriptionEventSubscribed, nil)
		self.resolveSubscribe(nil)
	})
}

// re-issues the subscribe call, e.g. after the options changed
func (self *Subscription) resubscribe() {
	self.client.Post(func() {
		switch self.State().Get().Type {
		case SubscriptionStateSubscribing, SubscriptionStateSubscribed:
			self.subscribe()
		}
	})
}

func (self *Subscription) State() *ReactiveValue[SubscriptionState] {
	return self.state
}

// waits for the result of the first subscribe attempt
func (self *Subscription) WaitSubscribed(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.subscribeDone:
		return self.subscribeErr
	}
}

// moves the subscription to `fatal-error`. terminal
func (self *Subscription) Fail(err error) {
	self.fire(subscriptionEventFatal, err)
}

// moves to `unsubscribed` and removes all local listeners for the resource.
// the local effect is applied on the event loop before this returns; the error is
// the server's acknowledgement
func (self *Subscription) Unsubscribe(ctx context.Context) error {
	callCh := make(chan *PendingCall, 1)
	if !self.client.Post(func() {
		previous := self.State().Get().Type
		if !self.fire(subscriptionEventUnsubscribe, nil) {
			callCh <- nil
			return
		}
		switch previous {
		case SubscriptionStateSubscribing, SubscriptionStateSubscribed:
			callCh <- self.resource.startUnsubscribe()
		default:
			// the server dropped the subscription with the connection
			callCh <- nil
		}
	}) {
		return ErrClientClosed
	}

	var call *PendingCall
	select {
	case <-ctx.Done():
		return ctx.Err()
	case call = <-callCh:
	}
	if call == nil {
		return nil
	}
	_, err := call.Wait(ctx)
	return err
}
