package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every payload published to the feed exchange. The id is
// assigned exactly once, when the envelope is created, and never changes on
// redelivery or republish of the same logical message.
type Envelope struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope creates an envelope around a payload with a generated id and
// the current UTC time. The envelope type is taken from the payload kind.
func NewEnvelope(source string, p Payload) (*Envelope, error) {
	if p == nil {
		return nil, ErrNilPayload
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := codec.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("contracts: marshal payload: %w", err)
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Source:    source,
		Type:      p.Kind(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}, nil
}

// Payload decodes the data section according to the envelope type. An
// unrecognized type yields UnknownPayload, not an error.
func (e *Envelope) Payload() (Payload, error) {
	return DecodePayload(e.Type, e.Data)
}

// CreatedAt parses the envelope timestamp. It returns the zero time when the
// timestamp is missing or not RFC 3339.
func (e *Envelope) CreatedAt() time.Time {
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Validate checks the envelope fields required by the wire contract.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return invalidField("id", "must not be empty")
	}
	if e.Source == "" {
		return invalidField("source", "must not be empty")
	}
	if !ValidEventType(e.Type) {
		return invalidField("type", "must be dot-delimited lowercase segments")
	}
	if e.Timestamp == "" {
		return invalidField("timestamp", "must not be empty")
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return invalidField("timestamp", "must be RFC 3339")
	}
	if len(e.Data) == 0 {
		return invalidField("data", "must not be empty")
	}
	return nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return codec.Marshal(e)
}

// DecodeEnvelope parses and validates an envelope from its wire form.
// Malformed JSON and missing required fields both wrap ErrMalformedEnvelope
// so consumers can route parse failures without inspecting the cause.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var e Envelope
	if err := codec.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &e, nil
}

// ValidEventType reports whether s is routing-key-shaped: one or more
// dot-delimited segments of lowercase letters, digits, or hyphens.
func ValidEventType(s string) bool {
	if s == "" {
		return false
	}
	segStart := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.':
			if segStart {
				return false
			}
			segStart = true
		case (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-':
			segStart = false
		default:
			return false
		}
	}
	return !segStart
}
