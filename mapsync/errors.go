package mapsync

import (
	"errors"
	"fmt"
	"strings"
)

var ErrDisconnected = errors.New("Disconnected.")
var ErrClientClosed = errors.New("Client closed.")
var ErrStreamCanceled = errors.New("Stream canceled.")
var ErrMapDeleted = errors.New("Map was deleted.")
var ErrUnsubscribed = errors.New("Unsubscribed.")

// the error object as the server serializes it
type WireError struct {
	Name    string     `json:"name,omitempty"`
	Message string     `json:"message"`
	Status  int        `json:"status,omitempty"`
	Cause   *WireError `json:"cause,omitempty"`
}

func NewWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		wireError := &WireError{
			Name:    remoteErr.Name,
			Message: remoteErr.Message,
			Status:  remoteErr.Status,
		}
		if remoteErr.Cause != nil {
			wireError.Cause = NewWireError(remoteErr.Cause)
		}
		return wireError
	}
	wireError := &WireError{
		Name:    "Error",
		Message: err.Error(),
	}
	if cause := errors.Unwrap(err); cause != nil {
		wireError.Cause = NewWireError(cause)
	}
	return wireError
}

// a call rejected by the server.
// the causal chain is preserved through `Unwrap`
type RemoteError struct {
	Name    string
	Message string
	Status  int
	Cause   error
	// the stack of the goroutine that received the rejection
	LocalStack []byte
}

func newRemoteError(wireError *WireError, localStack []byte) *RemoteError {
	remoteErr := &RemoteError{
		Name:       wireError.Name,
		Message:    wireError.Message,
		Status:     wireError.Status,
		LocalStack: localStack,
	}
	if wireError.Cause != nil {
		remoteErr.Cause = newRemoteError(wireError.Cause, nil)
	}
	return remoteErr
}

func (self *RemoteError) Error() string {
	var b strings.Builder
	if self.Name != "" {
		b.WriteString(self.Name)
		b.WriteString(": ")
	}
	b.WriteString(self.Message)
	if self.Cause != nil {
		b.WriteString(" (caused by ")
		b.WriteString(self.Cause.Error())
		b.WriteString(")")
	}
	return b.String()
}

func (self *RemoteError) Unwrap() error {
	return self.Cause
}

type ConnectionError struct {
	Err   error
	fatal bool
}

func (self *ConnectionError) Error() string {
	if self.fatal {
		return fmt.Sprintf("Fatal connection error: %s", self.Err)
	}
	return fmt.Sprintf("Connection error: %s", self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

func (self *ConnectionError) Fatal() bool {
	return self.fatal
}
