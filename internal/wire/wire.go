package wire

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/cellsync/internal/ir"
)

// Type names a message kind.
type Type string

const (
	TypeHello       Type = "hello"
	TypeWelcome     Type = "welcome"
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypePush        Type = "push"
	TypeWrite       Type = "write"
	TypeAck         Type = "ack"
	TypeConflict    Type = "conflict"
	TypeError       Type = "error"
)

// Marker is a causal marker. Higher markers were committed later.
type Marker int64

// Selector narrows a subscription to the sub-tree a client cares about.
type Selector struct {
	Path   ir.Path `json:"path,omitempty"`
	Schema string  `json:"schema,omitempty"`
}

// Key identifies the selector inside a (uri, selector) subscription key.
func (s Selector) Key() string {
	schema := s.Schema
	if schema == "" {
		schema = "_"
	}
	return "/" + s.Path.String() + "|" + schema
}

// SubscriptionKey is the dedupe key for subscriptions.
func SubscriptionKey(uri string, sel Selector) string {
	return uri + sel.Key()
}

// Write is one document write inside a write batch.
type Write struct {
	URI   string   `json:"uri"`
	Value ir.Value `json:"-"`
	// Expected is the marker the writer last saw for URI.
	Expected Marker `json:"expected"`
}

type writeJSON struct {
	URI      string          `json:"uri"`
	Value    json.RawMessage `json:"value"`
	Expected Marker          `json:"expected"`
}

// MarshalJSON encodes the value with ir's encoder.
func (w Write) MarshalJSON() ([]byte, error) {
	raw, err := ir.MarshalValue(w.Value)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", w.URI, err)
	}
	return json.Marshal(writeJSON{URI: w.URI, Value: raw, Expected: w.Expected})
}

// UnmarshalJSON decodes the value with ir's decoder.
func (w *Write) UnmarshalJSON(data []byte) error {
	var raw writeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := decodeValue(raw.Value)
	if err != nil {
		return fmt.Errorf("write %s: %w", raw.URI, err)
	}
	*w = Write{URI: raw.URI, Value: v, Expected: raw.Expected}
	return nil
}

// Message is the single frame type on the wire. Fields unused by a type
// are omitted.
type Message struct {
	Type  Type   `json:"type"`
	ID    string `json:"id,omitempty"`
	Re    string `json:"re,omitempty"`
	Space string `json:"space,omitempty"`

	// hello / welcome
	Token string `json:"token,omitempty"`
	DID   string `json:"did,omitempty"`

	// subscribe / unsubscribe / push / conflict
	URI      string   `json:"uri,omitempty"`
	Selector Selector `json:"selector,omitempty"`
	Value    ir.Value `json:"-"`
	Marker   Marker   `json:"marker,omitempty"`

	// write / ack
	Writes  []Write           `json:"writes,omitempty"`
	Proof   string            `json:"proof,omitempty"`
	Markers map[string]Marker `json:"markers,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

type messageAlias Message

type messageJSON struct {
	messageAlias
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes Value with ir's encoder. Push and conflict frames
// always carry a value, null when the document is empty.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{messageAlias: messageAlias(m)}
	if m.Value != nil || m.Type == TypePush || m.Type == TypeConflict {
		raw, err := ir.MarshalValue(m.Value)
		if err != nil {
			return nil, fmt.Errorf("%s message: %w", m.Type, err)
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes Value with ir's decoder.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message(in.messageAlias)
	if len(in.Value) > 0 {
		v, err := decodeValue(in.Value)
		if err != nil {
			return fmt.Errorf("%s message: %w", m.Type, err)
		}
		m.Value = v
	}
	return nil
}

func decodeValue(raw json.RawMessage) (ir.Value, error) {
	if len(raw) == 0 {
		return ir.Null{}, nil
	}
	return ir.UnmarshalValue(raw)
}

// Encode serializes a message for a text frame.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a text frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}

// NewID returns a fresh, lexically sortable message id.
func NewID() string {
	return ulid.Make().String()
}
