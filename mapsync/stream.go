package mapsync

import (
	"context"
	"io"
	"sync"

	json "github.com/goccy/go-json"
)

// a pull based sequence rebuilt from `streamChunks`, `streamDone` and `streamError` events.
// `Cancel` asks the server to stop producing chunks with exactly one `abortStream` call
type Stream struct {
	Id     string
	client *Client

	stateLock sync.Mutex
	changed   chan struct{}
	items     []json.RawMessage
	done      bool
	err       error
	canceled  bool
	abortCall *PendingCall
}

func newStream(client *Client, streamId string) *Stream {
	return &Stream{
		Id:      streamId,
		client:  client,
		changed: make(chan struct{}, 1),
	}
}

func (self *Stream) signal() {
	select {
	case self.changed <- struct{}{}:
	default:
	}
}

func (self *Stream) push(items []json.RawMessage) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.done || self.canceled {
		return
	}
	self.items = append(self.items, items...)
	self.signal()
}

func (self *Stream) finish() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.done || self.canceled {
		return
	}
	self.done = true
	self.signal()
}

func (self *Stream) fail(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.done || self.canceled {
		return
	}
	self.done = true
	self.err = err
	self.signal()
}

// returns `io.EOF` after the last item
func (self *Stream) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		self.stateLock.Lock()
		if self.canceled {
			self.stateLock.Unlock()
			return nil, ErrStreamCanceled
		}
		if 0 < len(self.items) {
			item := self.items[0]
			self.items[0] = nil
			self.items = self.items[1:]
			self.stateLock.Unlock()
			return item, nil
		}
		if self.done {
			err := self.err
			self.stateLock.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		self.stateLock.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-self.changed:
		}
	}
}

// stops the stream. if the server has not signaled completion,
// sends `abortStream` once. buffered items are discarded.
// returns the abort call, or nil if no abort was needed
func (self *Stream) Cancel() *PendingCall {
	self.stateLock.Lock()
	if self.canceled {
		abortCall := self.abortCall
		self.stateLock.Unlock()
		return abortCall
	}
	self.canceled = true
	self.items = nil
	done := self.done
	self.signal()
	if done {
		self.stateLock.Unlock()
		return nil
	}
	abortCall := self.client.CallAsync("abortStream", self.Id)
	self.abortCall = abortCall
	self.stateLock.Unlock()

	self.client.Post(func() {
		self.client.removeStream(self.Id)
	})
	return abortCall
}

func StreamNext[T any](ctx context.Context, stream *Stream) (T, error) {
	var item T
	b, err := stream.Next(ctx)
	if err != nil {
		return item, err
	}
	err = json.Unmarshal(b, &item)
	return item, err
}

// drains the stream. on error the stream is canceled
func ReadAllStream[T any](ctx context.Context, stream *Stream) ([]T, error) {
	items := []T{}
	for {
		item, err := StreamNext[T](ctx, stream)
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			stream.Cancel()
			return items, err
		}
		items = append(items, item)
	}
}
