package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes events for brokers.
type Codec interface {
	Marshal(e Event) ([]byte, error)
	Unmarshal(b []byte, e *Event) error
	Name() string
}

type JSONCodec struct{}

func (JSONCodec) Marshal(e Event) ([]byte, error)    { return json.Marshal(e) }
func (JSONCodec) Unmarshal(b []byte, e *Event) error { return json.Unmarshal(b, e) }
func (JSONCodec) Name() string                       { return "json" }

type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(e Event) ([]byte, error)    { return msgpack.Marshal(e) }
func (MsgpackCodec) Unmarshal(b []byte, e *Event) error { return msgpack.Unmarshal(b, e) }
func (MsgpackCodec) Name() string                       { return "msgpack" }

func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown events codec %q", name)
}
