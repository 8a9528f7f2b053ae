package mapsync

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type FrameType string

const (
	FrameTypeCall  FrameType = "call"
	FrameTypeReply FrameType = "reply"
	FrameTypeEvent FrameType = "event"
)

// one message on the duplex channel.
// calls and replies are correlated by `Id`
type Frame struct {
	Type   FrameType         `json:"type"`
	Id     string            `json:"id,omitempty"`
	Name   string            `json:"name,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *WireError        `json:"error,omitempty"`
}

func NewCallId() string {
	return ulid.Make().String()
}

func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	encodedArgs := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("Could not encode arg %d: %w", i, err)
		}
		encodedArgs = append(encodedArgs, b)
	}
	return encodedArgs, nil
}

func NewEventFrame(name string, args ...any) (*Frame, error) {
	encodedArgs, err := EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type: FrameTypeEvent,
		Name: name,
		Args: encodedArgs,
	}, nil
}

func NewReplyFrame(callId string, result any, err error) (*Frame, error) {
	frame := &Frame{
		Type: FrameTypeReply,
		Id:   callId,
	}
	if err != nil {
		frame.Error = NewWireError(err)
		return frame, nil
	}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		frame.Result = b
	}
	return frame, nil
}

type Codec interface {
	Encode(frame *Frame) ([]byte, error)
	Decode(b []byte) (*Frame, error)
	// binary codecs use binary websocket messages
	Binary() bool
}

type JsonCodec struct{}

func (self *JsonCodec) Encode(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func (self *JsonCodec) Decode(b []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	if err := validateFrame(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (self *JsonCodec) Binary() bool {
	return false
}

// frames as a protobuf `google.protobuf.Struct`
// the payload values are json values, so the struct is the natural protobuf shape for them
type ProtobufCodec struct{}

func (self *ProtobufCodec) Encode(frame *Frame) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (self *ProtobufCodec) Decode(b []byte) (*Frame, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return nil, err
	}
	jsonBytes, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, err
	}
	frame := &Frame{}
	if err := json.Unmarshal(jsonBytes, frame); err != nil {
		return nil, err
	}
	if err := validateFrame(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (self *ProtobufCodec) Binary() bool {
	return true
}

func validateFrame(frame *Frame) error {
	switch frame.Type {
	case FrameTypeCall:
		if frame.Id == "" || frame.Name == "" {
			return fmt.Errorf("Call frame requires id and name.")
		}
	case FrameTypeReply:
		if frame.Id == "" {
			return fmt.Errorf("Reply frame requires id.")
		}
	case FrameTypeEvent:
		if frame.Name == "" {
			return fmt.Errorf("Event frame requires name.")
		}
	default:
		return fmt.Errorf("Unknown frame type: %s", frame.Type)
	}
	return nil
}
