package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a frame is not the expected JSON object.
var ErrMalformed = errors.New("malformed message")

// Inbound is the result of parsing one frame received from a peer:
// either a Structured message or Legacy plain text.
type Inbound interface {
	inbound()
}

// Structured is a JSON object frame. Raw holds the whole object so the
// receiver can decode the type specific payload.
type Structured struct {
	Type Type
	Raw  json.RawMessage
}

// Decode unmarshals the frame into v.
func (s Structured) Decode(v any) error {
	if err := json.Unmarshal(s.Raw, v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return nil
}

// Legacy is a frame that is not a JSON object, sent by clients that predate
// structured messages. Text is the command with trailing line endings removed.
type Legacy struct {
	Text string
}

func (Structured) inbound() {}
func (Legacy) inbound()     {}

// Parse classifies a frame. It never fails: anything that is not a JSON
// object is Legacy. An object whose type is not a string is Structured with
// an empty type.
func Parse(frame []byte) Inbound {
	if isObject(frame) {
		head := struct {
			Type json.RawMessage `json:"type"`
		}{}
		if err := json.Unmarshal(frame, &head); err == nil {
			var t Type
			json.Unmarshal(head.Type, &t)
			return Structured{Type: t, Raw: json.RawMessage(frame)}
		}
	}
	return Legacy{Text: strings.TrimRight(string(frame), "\r\n")}
}

// ParseCredentials decodes the client's reply to AuthRequired.
func ParseCredentials(frame []byte) (Credentials, error) {
	c := Credentials{}
	if !isObject(frame) {
		return c, ErrMalformed
	}
	if err := json.Unmarshal(frame, &c); err != nil {
		return c, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return c, nil
}

// IsExit reports whether command asks to end the session.
func IsExit(command string) bool {
	return strings.EqualFold(strings.TrimSpace(command), "exit")
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) >= 2 && b[0] == '{' && b[len(b)-1] == '}'
}
