package mapsync

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

const testTimeout = 5 * time.Second

// the server side of a `MemoryTransport`
type testServer struct {
	t         *testing.T
	transport *MemoryTransport
	client    *Client
	codec     Codec
}

func newTestServer(ctx context.Context, t *testing.T) *testServer {
	transport := NewMemoryTransport()
	client := NewClientWithDefaults(ctx, transport)
	return &testServer{
		t:         t,
		transport: transport,
		client:    client,
		codec:     &JsonCodec{},
	}
}

func newConnectedTestServer(ctx context.Context, t *testing.T) *testServer {
	server := newTestServer(ctx, t)
	server.connect()
	return server
}

func (self *testServer) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := self.client.Sync(ctx)
	assert.Equal(self.t, err, nil)
}

func (self *testServer) connect() {
	self.transport.Connect()
	self.sync()
}

func (self *testServer) disconnect() {
	self.transport.Disconnect(nil)
	self.sync()
}

func (self *testServer) nextCall() *Frame {
	self.t.Helper()
	select {
	case message := <-self.transport.Sent():
		frame, err := self.codec.Decode(message)
		assert.Equal(self.t, err, nil)
		return frame
	case <-time.After(testTimeout):
		self.t.Fatal("Timeout waiting for a call.")
		return nil
	}
}

func (self *testServer) expectCall(name string) *Frame {
	self.t.Helper()
	frame := self.nextCall()
	assert.Equal(self.t, frame.Type, FrameTypeCall)
	assert.Equal(self.t, frame.Name, name)
	return frame
}

func (self *testServer) expectNoCall() {
	self.t.Helper()
	self.sync()
	select {
	case message := <-self.transport.Sent():
		self.t.Fatalf("Unexpected call %s", message)
	default:
	}
}

func (self *testServer) reply(call *Frame, result any, err error) {
	self.t.Helper()
	frame, frameErr := NewReplyFrame(call.Id, result, err)
	assert.Equal(self.t, frameErr, nil)
	self.receive(frame)
}

func (self *testServer) event(name string, args ...any) {
	self.t.Helper()
	frame, err := NewEventFrame(name, args...)
	assert.Equal(self.t, err, nil)
	self.receive(frame)
}

func (self *testServer) receive(frame *Frame) {
	message, err := self.codec.Encode(frame)
	assert.Equal(self.t, err, nil)
	self.transport.Receive(message)
	self.sync()
}

func decodeFrameArgs(frame *Frame, targets ...any) error {
	return (&Event{Name: frame.Name, Args: frame.Args}).DecodeArgs(targets...)
}

func waitTimeout[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("Timeout.")
		var v T
		return v
	}
}
