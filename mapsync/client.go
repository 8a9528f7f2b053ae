package mapsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang/glog"
	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"
)

type ConnectionStateType string

const (
	ConnectionStateInitial      ConnectionStateType = "initial"
	ConnectionStateConnected    ConnectionStateType = "connected"
	ConnectionStateReconnecting ConnectionStateType = "reconnecting"
	ConnectionStateFatalError   ConnectionStateType = "fatal-error"
)

type ConnectionState struct {
	Type ConnectionStateType
	// set for `fatal-error`
	Err error
}

const (
	connectionEventConnect    = "connect"
	connectionEventDisconnect = "disconnect"
	connectionEventFatal      = "fatal"
)

type ClientSettings struct {
	Codec Codec
	// applied by `Call` when the context has no deadline. 0 means wait indefinitely
	CallTimeout       time.Duration
	MetricsRegisterer prometheus.Registerer
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Codec:       &JsonCodec{},
		CallTimeout: 60 * time.Second,
	}
}

// owns the single duplex channel to the server.
// outbound calls become correlated call/reply frames; inbound events are emitted by name.
// all state below `loop` is owned by the event loop goroutine
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId  string
	transport Transport
	settings  *ClientSettings
	metrics   *Metrics
	log       LogFunction

	provider        *ReactiveProvider
	emitter         *EventEmitter
	issueCallbacks  *CallbackList[IssueFunction]
	connectionState *ReactiveValue[ConnectionState]
	loading         *ReactiveValue[int]

	loop          *eventLoop
	connectionFsm *fsm.FSM
	connected     bool
	everConnected bool
	fatalErr      error
	pendingCalls  map[string]*PendingCall
	queuedCalls   []*PendingCall
	streams       map[string]*Stream
}

func NewClientWithDefaults(ctx context.Context, transport Transport) *Client {
	return NewClient(ctx, transport, NewReactiveProvider(), DefaultClientSettings())
}

// the provider is shared with the store and subscriptions built on this client
func NewClient(ctx context.Context, transport Transport, provider *ReactiveProvider, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	clientId := NewCallId()
	client := &Client{
		ctx:             cancelCtx,
		cancel:          cancel,
		clientId:        clientId,
		transport:       transport,
		settings:        settings,
		metrics:         NewMetrics(settings.MetricsRegisterer, clientId),
		log:             LogFn(LogLevelDebug, fmt.Sprintf("[c]%s", clientId)),
		provider:        provider,
		emitter:         NewEventEmitter(),
		issueCallbacks:  NewCallbackList[IssueFunction](),
		connectionState: NewReactiveValue(provider, ConnectionState{Type: ConnectionStateInitial}),
		loading:         NewReactiveValue(provider, 0),
		loop:            newEventLoop(),
		connectionFsm: fsm.NewFSM(
			string(ConnectionStateInitial),
			fsm.Events{
				{Name: connectionEventConnect, Src: []string{string(ConnectionStateInitial), string(ConnectionStateReconnecting)}, Dst: string(ConnectionStateConnected)},
				{Name: connectionEventDisconnect, Src: []string{string(ConnectionStateConnected)}, Dst: string(ConnectionStateReconnecting)},
				{Name: connectionEventFatal, Src: []string{string(ConnectionStateInitial), string(ConnectionStateConnected), string(ConnectionStateReconnecting)}, Dst: string(ConnectionStateFatalError)},
			},
			fsm.Callbacks{},
		),
		pendingCalls: map[string]*PendingCall{},
		streams:      map[string]*Stream{},
	}
	client.metrics.setConnectionState(ConnectionStateInitial)
	go client.run()
	transport.Start(client.onTransportEvent, settings.Codec.Binary())
	return client
}

func (self *Client) run() {
	defer self.transport.Close()
	self.loop.run(self.ctx)
	self.closeCalls(ErrClientClosed)
}

func (self *Client) Provider() *ReactiveProvider {
	return self.provider
}

func (self *Client) Emitter() *EventEmitter {
	return self.emitter
}

func (self *Client) ConnectionState() *ReactiveValue[ConnectionState] {
	return self.connectionState
}

// number of calls started and not yet settled
func (self *Client) Loading() *ReactiveValue[int] {
	return self.loading
}

func (self *Client) Metrics() *Metrics {
	return self.metrics
}

func (self *Client) On(name string, listener EventFunction) ListenerId {
	return self.emitter.On(name, listener)
}

func (self *Client) Once(name string, listener EventFunction) ListenerId {
	return self.emitter.Once(name, listener)
}

func (self *Client) RemoveListener(listenerId ListenerId) bool {
	return self.emitter.RemoveListener(listenerId)
}

// issue callbacks run on the goroutine that starts the call, before the call
// reaches the event loop. returns a function that removes the callback
func (self *Client) AddIssueCallback(issueCallback IssueFunction) func() {
	callbackId := self.issueCallbacks.Add(issueCallback)
	return func() {
		self.issueCallbacks.Remove(callbackId)
	}
}

// runs `do` on the event loop
func (self *Client) Post(do func()) bool {
	return self.loop.post(do)
}

// waits until everything posted to the event loop before this call has run
func (self *Client) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !self.loop.post(func() {
		close(done)
	}) {
		return ErrClientClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		select {
		case <-done:
			return nil
		default:
			return ErrClientClosed
		}
	case <-done:
		return nil
	}
}

func (self *Client) Close() {
	self.cancel()
}

func (self *Client) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Client) onTransportEvent(event *TransportEvent) {
	self.loop.post(func() {
		switch event.Type {
		case TransportConnect:
			self.handleConnect()
		case TransportDisconnect:
			self.handleDisconnect(event.Err)
		case TransportConnectError:
			self.handleConnectError(event.Err, event.Retrying)
		case TransportMessage:
			self.handleMessage(event.Message)
		}
	})
}

func (self *Client) fireConnectionEvent(name string) bool {
	if !self.connectionFsm.Can(name) {
		return false
	}
	if err := self.connectionFsm.Event(context.Background(), name); err != nil {
		glog.Infof("[c]%s connection state %s -> %s error = %s\n", self.clientId, self.connectionFsm.Current(), name, err)
		return false
	}
	state := ConnectionStateType(self.connectionFsm.Current())
	self.metrics.setConnectionState(state)
	self.connectionState.Set(ConnectionState{
		Type: state,
		Err:  self.fatalErr,
	})
	return true
}

func (self *Client) handleConnect() {
	if !self.fireConnectionEvent(connectionEventConnect) {
		return
	}
	self.connected = true
	if self.everConnected {
		self.metrics.Reconnects.Inc()
	}
	self.everConnected = true
	self.log("connected")

	queuedCalls := self.queuedCalls
	self.queuedCalls = nil
	for _, call := range queuedCalls {
		self.send(call)
	}

	self.emitter.Emit(&Event{Name: EventConnect})
}

func (self *Client) handleDisconnect(err error) {
	if !self.fireConnectionEvent(connectionEventDisconnect) {
		return
	}
	self.connected = false
	glog.Infof("[c]%s disconnected = %s\n", self.clientId, err)

	disconnectErr := ErrDisconnected
	if err != nil {
		disconnectErr = fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	self.rejectPending(disconnectErr)

	self.emitter.Emit(&Event{Name: EventDisconnect, Err: err})
}

func (self *Client) handleConnectError(err error, retrying bool) {
	if retrying {
		glog.Infof("[c]%s connect error = %s\n", self.clientId, err)
	} else {
		connectionErr := &ConnectionError{Err: err, fatal: true}
		self.fatalErr = connectionErr
		if self.fireConnectionEvent(connectionEventFatal) {
			glog.Infof("[c]%s fatal connect error = %s\n", self.clientId, err)
			self.connected = false
			self.closeCalls(connectionErr)
		}
	}
	self.emitter.Emit(&Event{Name: EventConnectError, Err: err, Retrying: retrying})
}

func (self *Client) rejectPending(err error) {
	pendingCalls := self.pendingCalls
	self.pendingCalls = map[string]*PendingCall{}
	for _, call := range pendingCalls {
		call.settle(nil, nil, nil, err)
	}
	streams := self.streams
	self.streams = map[string]*Stream{}
	for _, stream := range streams {
		stream.fail(err)
	}
}

func (self *Client) closeCalls(err error) {
	self.rejectPending(err)
	queuedCalls := self.queuedCalls
	self.queuedCalls = nil
	for _, call := range queuedCalls {
		call.settle(nil, nil, nil, err)
	}
}

func (self *Client) handleMessage(message []byte) {
	frame, err := self.settings.Codec.Decode(message)
	if err != nil {
		glog.Infof("[c]%s drop bad frame = %s\n", self.clientId, err)
		return
	}

	switch frame.Type {
	case FrameTypeReply:
		self.handleReply(frame)
	case FrameTypeEvent:
		self.handleEvent(frame)
	default:
		glog.Infof("[c]%s drop unexpected frame type %s\n", self.clientId, frame.Type)
	}
}

func (self *Client) handleReply(frame *Frame) {
	call, ok := self.pendingCalls[frame.Id]
	if !ok {
		self.log("reply for unknown call %s", frame.Id)
		return
	}
	delete(self.pendingCalls, frame.Id)

	if frame.Error != nil {
		self.log("%s(%s) rejected = %s", call.Name, call.Id, frame.Error.Message)
		call.settle(nil, nil, frame.Error, nil)
		return
	}
	self.log("%s(%s) resolved", call.Name, call.Id)
	if call.stream {
		var streamId string
		if err := json.Unmarshal(frame.Result, &streamId); err != nil {
			call.settle(nil, nil, nil, fmt.Errorf("Expected a stream id: %w", err))
			return
		}
		stream := newStream(self, streamId)
		self.streams[streamId] = stream
		call.settle(frame.Result, stream, nil, nil)
		return
	}
	call.settle(frame.Result, nil, nil, nil)
}

func (self *Client) handleEvent(frame *Frame) {
	self.metrics.Events.WithLabelValues(frame.Name).Inc()
	glog.V(LogLevelTrace).Infof("[c]%s <-%s\n", self.clientId, frame.Name)

	switch frame.Name {
	case "streamChunks", "streamDone", "streamError":
		self.handleStreamEvent(frame)
		return
	}

	self.emitter.Emit(&Event{
		Name: frame.Name,
		Args: frame.Args,
	})
}

func (self *Client) handleStreamEvent(frame *Frame) {
	event := &Event{Name: frame.Name, Args: frame.Args}
	var streamId string
	if err := event.DecodeArgs(&streamId); err != nil || streamId == "" {
		glog.Infof("[c]%s drop %s without stream id\n", self.clientId, frame.Name)
		return
	}
	stream, ok := self.streams[streamId]
	if !ok {
		// canceled or unknown
		self.log("drop %s for stream %s", frame.Name, streamId)
		return
	}

	switch frame.Name {
	case "streamChunks":
		var items []json.RawMessage
		if err := event.DecodeArgs(nil, &items); err != nil {
			delete(self.streams, streamId)
			stream.fail(fmt.Errorf("Bad stream chunk: %w", err))
			return
		}
		stream.push(items)
	case "streamDone":
		delete(self.streams, streamId)
		stream.finish()
	case "streamError":
		delete(self.streams, streamId)
		var wireError WireError
		if err := event.DecodeArgs(nil, &wireError); err != nil {
			stream.fail(err)
			return
		}
		stream.fail(newRemoteError(&wireError, nil))
	}
}

// must run on the event loop
func (self *Client) removeStream(streamId string) {
	delete(self.streams, streamId)
}

// starts a call. the returned call settles with the reply.
// safe to use from event listeners
func (self *Client) CallAsync(name string, args ...any) *PendingCall {
	return self.callAsync(name, false, args)
}

func (self *Client) callAsync(name string, stream bool, args []any) *PendingCall {
	call := newPendingCall(name, args)
	call.stream = stream

	encodedArgs, err := EncodeArgs(args...)
	if err != nil {
		call.settle(nil, nil, nil, err)
		return call
	}
	call.encodedArgs = encodedArgs

	for _, issueCallback := range self.issueCallbacks.Get() {
		HandleError(func() {
			issueCallback(call)
		})
	}

	if !self.loop.post(func() {
		self.startCall(call)
	}) {
		call.settle(nil, nil, nil, ErrClientClosed)
	}
	return call
}

// must run on the event loop
func (self *Client) startCall(call *PendingCall) {
	if self.ctx.Err() != nil {
		call.settle(nil, nil, nil, ErrClientClosed)
		return
	}
	if self.fatalErr != nil {
		call.settle(nil, nil, nil, self.fatalErr)
		return
	}

	self.loading.Set(self.loading.Get() + 1)
	self.metrics.PendingCalls.Inc()
	call.OnSettled(func(call *PendingCall) {
		self.loading.Set(self.loading.Get() - 1)
		self.metrics.PendingCalls.Dec()
		result := "ok"
		if call.Err() != nil {
			result = "error"
		}
		self.metrics.Calls.WithLabelValues(call.Name, result).Inc()
	})

	self.emitter.Emit(&Event{
		Name: EventEmit,
		Call: call,
	})

	if self.connected {
		self.send(call)
	} else {
		self.log("queue %s(%s)", call.Name, call.Id)
		self.queuedCalls = append(self.queuedCalls, call)
	}
}

// must run on the event loop
func (self *Client) send(call *PendingCall) {
	message, err := self.settings.Codec.Encode(&Frame{
		Type: FrameTypeCall,
		Id:   call.Id,
		Name: call.Name,
		Args: call.encodedArgs,
	})
	if err != nil {
		call.settle(nil, nil, nil, err)
		return
	}

	self.pendingCalls[call.Id] = call
	self.log("%s(%s)->", call.Name, call.Id)
	if err := self.transport.Send(message); err != nil {
		delete(self.pendingCalls, call.Id)
		if errors.Is(err, ErrDisconnected) {
			// the transport noticed the disconnect first. resend after the next connect
			self.queuedCalls = append(self.queuedCalls, call)
			return
		}
		call.settle(nil, nil, nil, err)
	}
}

func (self *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && 0 < self.settings.CallTimeout {
		return context.WithTimeout(ctx, self.settings.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (self *Client) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	callCtx, cancel := self.callContext(ctx)
	defer cancel()
	return self.CallAsync(name, args...).Wait(callCtx)
}

// a call whose result is delivered as a stream
func (self *Client) CallStream(ctx context.Context, name string, args ...any) (*Stream, error) {
	callCtx, cancel := self.callContext(ctx)
	defer cancel()
	call := self.callAsync(name, true, args)
	if _, err := call.Wait(callCtx); err != nil {
		// nobody reads a stream that arrives after the caller gave up
		call.OnSettled(func(call *PendingCall) {
			if stream := call.Stream(); stream != nil {
				stream.Cancel()
			}
		})
		return nil, err
	}
	return call.Stream(), nil
}

// decodes the result of a call into `R`
func CallResult[R any](ctx context.Context, client *Client, name string, args ...any) (R, error) {
	callCtx, cancel := client.callContext(ctx)
	defer cancel()
	return WaitResult[R](callCtx, client.CallAsync(name, args...))
}
