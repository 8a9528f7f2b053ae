package mapsync

import (
	"sync"
)

// an in-process transport. the server side is driven by calling
// `Connect`, `Disconnect`, `ConnectError` and `Receive`, and by reading `Sent`.
// handler calls are synchronous, so events are ordered with respect to the caller
type MemoryTransport struct {
	stateLock sync.Mutex
	handler   TransportHandler
	binary    bool
	connected bool
	closed    bool

	sent chan []byte
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		sent: make(chan []byte, 1024),
	}
}

func (self *MemoryTransport) Start(handler TransportHandler, binary bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handler = handler
	self.binary = binary
}

// the message type requested by the client
func (self *MemoryTransport) Binary() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.binary
}

func (self *MemoryTransport) Send(message []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.connected || self.closed {
		return ErrDisconnected
	}
	self.sent <- append([]byte(nil), message...)
	return nil
}

func (self *MemoryTransport) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closed = true
	self.connected = false
}

func (self *MemoryTransport) Sent() <-chan []byte {
	return self.sent
}

func (self *MemoryTransport) deliver(event *TransportEvent, update func()) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	update()
	handler := self.handler
	self.stateLock.Unlock()

	if handler != nil {
		handler(event)
	}
}

func (self *MemoryTransport) Connect() {
	self.deliver(&TransportEvent{Type: TransportConnect}, func() {
		self.connected = true
	})
}

func (self *MemoryTransport) Disconnect(err error) {
	self.deliver(&TransportEvent{Type: TransportDisconnect, Err: err}, func() {
		self.connected = false
	})
}

func (self *MemoryTransport) ConnectError(err error, retrying bool) {
	self.deliver(&TransportEvent{Type: TransportConnectError, Err: err, Retrying: retrying}, func() {
		self.connected = false
	})
}

func (self *MemoryTransport) Receive(message []byte) {
	self.deliver(&TransportEvent{Type: TransportMessage, Message: message}, func() {})
}
