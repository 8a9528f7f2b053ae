package mapsync

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	assert.Equal(t, server.client.ConnectionState().Get().Type, ConnectionStateConnected)

	call := server.client.CallAsync("getMarker", "abc", 1)
	frame := server.expectCall("getMarker")
	var mapSlug string
	var markerId ID
	err := decodeFrameArgs(frame, &mapSlug, &markerId)
	assert.Equal(t, err, nil)
	assert.Equal(t, mapSlug, "abc")
	assert.Equal(t, markerId, ID(1))

	server.reply(frame, &Marker{Id: 1, Name: "one"}, nil)

	marker, err := WaitResult[*Marker](ctx, call)
	assert.Equal(t, err, nil)
	assert.Equal(t, marker.Id, ID(1))
	assert.Equal(t, marker.Name, "one")
}

func TestCallRemoteError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)

	call := server.client.CallAsync("getMarker", "abc", 1)
	frame := server.expectCall("getMarker")
	server.receive(&Frame{
		Type: FrameTypeReply,
		Id:   frame.Id,
		Error: &WireError{
			Name:    "NotFoundError",
			Message: "Marker not found.",
			Status:  404,
			Cause: &WireError{
				Message: "No rows.",
			},
		},
	})

	_, err := call.Wait(ctx)
	var remoteErr *RemoteError
	assert.Equal(t, errors.As(err, &remoteErr), true)
	assert.Equal(t, remoteErr.Name, "NotFoundError")
	assert.Equal(t, remoteErr.Status, 404)
	assert.NotEqual(t, len(remoteErr.LocalStack), 0)

	var causeErr *RemoteError
	assert.Equal(t, errors.As(remoteErr.Unwrap(), &causeErr), true)
	assert.Equal(t, causeErr.Message, "No rows.")
	assert.Equal(t, err.Error(), "NotFoundError: Marker not found. (caused by No rows.)")
}

func TestLoadingCounter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)

	calls := []*PendingCall{
		server.client.CallAsync("getMap", "abc"),
		server.client.CallAsync("getMap", "def"),
	}
	frames := []*Frame{
		server.expectCall("getMap"),
		server.expectCall("getMap"),
	}
	assert.Equal(t, server.client.Loading().Get(), 2)

	server.reply(frames[0], nil, nil)
	<-calls[0].Done()
	assert.Equal(t, server.client.Loading().Get(), 1)

	server.reply(frames[1], nil, errors.New("Failed."))
	<-calls[1].Done()
	assert.Equal(t, server.client.Loading().Get(), 0)
}

func TestEmitBeforeSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)

	emitted := []*PendingCall{}
	server.client.On(EventEmit, func(event *Event) {
		// the frame is not sent yet
		assert.Equal(t, len(server.transport.Sent()), 0)
		emitted = append(emitted, event.Call)
	})
	server.sync()

	call := server.client.CallAsync("find", "berlin")
	server.expectCall("find")
	assert.Equal(t, len(emitted), 1)
	assert.Equal(t, emitted[0], call)
	assert.Equal(t, emitted[0].Args, []any{"berlin"})
}

func TestQueuedCallsSentOnConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(ctx, t)

	a := server.client.CallAsync("find", "a")
	b := server.client.CallAsync("find", "b")
	server.expectNoCall()
	assert.Equal(t, server.client.Loading().Get(), 2)

	server.connect()

	for _, call := range []*PendingCall{a, b} {
		frame := server.expectCall("find")
		assert.Equal(t, frame.Id, call.Id)
		server.reply(frame, []SearchResult{}, nil)
		_, err := call.Wait(ctx)
		assert.Equal(t, err, nil)
	}
}

func TestDisconnectRejectsPendingCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)

	disconnects := 0
	server.client.On(EventDisconnect, func(event *Event) {
		disconnects += 1
	})

	call := server.client.CallAsync("getMap", "abc")
	server.expectCall("getMap")

	server.disconnect()
	_, err := call.Wait(ctx)
	assert.Equal(t, errors.Is(err, ErrDisconnected), true)
	assert.Equal(t, server.client.ConnectionState().Get().Type, ConnectionStateReconnecting)
	assert.Equal(t, server.client.Loading().Get(), 0)
	assert.Equal(t, disconnects, 1)

	server.connect()
	assert.Equal(t, server.client.ConnectionState().Get().Type, ConnectionStateConnected)
}

func TestConnectErrorWhileRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	server.disconnect()

	server.transport.ConnectError(errors.New("Connection refused."), true)
	server.sync()
	assert.Equal(t, server.client.ConnectionState().Get().Type, ConnectionStateReconnecting)

	server.connect()
	assert.Equal(t, server.client.ConnectionState().Get().Type, ConnectionStateConnected)
}

func TestFatalConnectError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)

	inFlight := server.client.CallAsync("getMap", "abc")
	server.expectCall("getMap")
	server.disconnect()
	queued := server.client.CallAsync("getMap", "def")
	server.sync()

	cause := errors.New("Gave up.")
	server.transport.ConnectError(cause, false)
	server.sync()

	state := server.client.ConnectionState().Get()
	assert.Equal(t, state.Type, ConnectionStateFatalError)
	assert.Equal(t, errors.Is(state.Err, cause), true)

	// rejected by the disconnect
	_, err := inFlight.Wait(ctx)
	assert.Equal(t, errors.Is(err, ErrDisconnected), true)

	_, err = queued.Wait(ctx)
	var connectionErr *ConnectionError
	assert.Equal(t, errors.As(err, &connectionErr), true)
	assert.Equal(t, connectionErr.Fatal(), true)
	assert.Equal(t, errors.Is(err, cause), true)

	// terminal
	server.connect()
	assert.Equal(t, server.client.ConnectionState().Get().Type, ConnectionStateFatalError)
	_, err = server.client.CallAsync("getMap", "abc").Wait(ctx)
	assert.Equal(t, errors.As(err, &connectionErr), true)
}

func TestClientClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)

	call := server.client.CallAsync("getMap", "abc")
	server.expectCall("getMap")

	server.client.Close()
	_, err := call.Wait(ctx)
	assert.Equal(t, errors.Is(err, ErrClientClosed), true)

	<-server.client.Done()
	_, err = server.client.CallAsync("getMap", "abc").Wait(ctx)
	assert.Equal(t, errors.Is(err, ErrClientClosed), true)
}
