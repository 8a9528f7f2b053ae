package mapsync

import (
	"context"
	"errors"
	"io"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/go-playground/assert/v2"
)

func startTestStream(ctx context.Context, t *testing.T, server *testServer, streamId string) *Stream {
	call := server.client.callAsync("getHistory", true, []any{"abc"})
	server.reply(server.expectCall("getHistory"), streamId, nil)
	_, err := call.Wait(ctx)
	assert.Equal(t, err, nil)
	stream := call.Stream()
	assert.Equal(t, stream != nil, true)
	assert.Equal(t, stream.Id, streamId)
	return stream
}

func TestStreamReadAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	stream := startTestStream(ctx, t, server, "s1")

	server.event("streamChunks", "s1", []HistoryEntry{{Id: 1}, {Id: 2}})
	server.event("streamChunks", "s1", []HistoryEntry{{Id: 3}})
	server.event("streamDone", "s1")

	historyEntries, err := ReadAllStream[HistoryEntry](ctx, stream)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(historyEntries), 3)
	for i, historyEntry := range historyEntries {
		assert.Equal(t, historyEntry.Id, ID(i+1))
	}

	_, err = stream.Next(ctx)
	assert.Equal(t, err, io.EOF)
}

func TestStreamError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	stream := startTestStream(ctx, t, server, "s1")

	server.event("streamChunks", "s1", []string{"a"})
	server.event("streamError", "s1", &WireError{Message: "Export failed."})

	item, err := StreamNext[string](ctx, stream)
	assert.Equal(t, err, nil)
	assert.Equal(t, item, "a")

	_, err = stream.Next(ctx)
	var remoteErr *RemoteError
	assert.Equal(t, errors.As(err, &remoteErr), true)
	assert.Equal(t, remoteErr.Message, "Export failed.")
}

func TestStreamCancelAbortsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	stream := startTestStream(ctx, t, server, "s1")

	server.event("streamChunks", "s1", []string{"a", "b"})
	item, err := StreamNext[string](ctx, stream)
	assert.Equal(t, err, nil)
	assert.Equal(t, item, "a")

	abortCall := stream.Cancel()
	assert.Equal(t, abortCall != nil, true)
	assert.Equal(t, stream.Cancel() == abortCall, true)

	frame := server.expectCall("abortStream")
	var streamId string
	err = decodeFrameArgs(frame, &streamId)
	assert.Equal(t, err, nil)
	assert.Equal(t, streamId, "s1")
	server.reply(frame, nil, nil)
	_, err = abortCall.Wait(ctx)
	assert.Equal(t, err, nil)

	// chunks already in flight
	server.event("streamChunks", "s1", []string{"c"})
	server.event("streamDone", "s1")

	stream.Cancel()
	server.expectNoCall()

	_, err = stream.Next(ctx)
	assert.Equal(t, err, ErrStreamCanceled)
}

func TestStreamCancelAfterDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	stream := startTestStream(ctx, t, server, "s1")

	server.event("streamChunks", "s1", []json.RawMessage{json.RawMessage(`1`)})
	server.event("streamDone", "s1")

	assert.Equal(t, stream.Cancel(), (*PendingCall)(nil))
	server.expectNoCall()
}

func TestStreamFailsOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	stream := startTestStream(ctx, t, server, "s1")

	server.disconnect()

	_, err := stream.Next(ctx)
	assert.Equal(t, errors.Is(err, ErrDisconnected), true)
}

func activeStreamCount(t *testing.T, client *Client) int {
	counts := make(chan int, 1)
	client.Post(func() {
		counts <- len(client.streams)
	})
	return waitTimeout(t, counts)
}

func TestCallStreamAbortsWhenCallerGaveUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)

	callCtx, callCancel := context.WithCancel(ctx)
	streamErrs := make(chan error, 1)
	go func() {
		_, err := server.client.CallStream(callCtx, "getHistory", "abc")
		streamErrs <- err
	}()
	frame := server.expectCall("getHistory")
	callCancel()
	assert.Equal(t, waitTimeout(t, streamErrs), context.Canceled)

	// the reply arrives after the caller returned
	server.reply(frame, "s1", nil)
	abort := server.expectCall("abortStream")
	var streamId string
	err := decodeFrameArgs(abort, &streamId)
	assert.Equal(t, err, nil)
	assert.Equal(t, streamId, "s1")
	server.reply(abort, nil, nil)

	server.event("streamChunks", "s1", []string{"a", "b"})
	assert.Equal(t, activeStreamCount(t, server.client), 0)
	server.expectNoCall()
}
