// Package wire frames the two message kinds that share a board connection. The first byte of a frame is the
// kind, the rest is the payload.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind byte

const (
	KindDocument Kind = 0x00
	KindPresence Kind = 0x01
)

func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindPresence:
		return "presence"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// The following errors mean "ignore this frame". None of them should close a connection.
var (
	ErrTooShort    = errors.New("frame too short")
	ErrUnknownKind = errors.New("unknown frame kind")
	ErrBadPresence = errors.New("malformed presence payload")
)

func Encode(kind Kind, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(kind)
	copy(out[1:], payload)
	return out
}

// Decode splits a frame. The returned payload aliases frame.
func Decode(frame []byte) (Kind, []byte, error) {
	if len(frame) < 2 {
		return 0, nil, ErrTooShort
	}
	kind := Kind(frame[0])
	switch kind {
	case KindDocument, KindPresence:
		return kind, frame[1:], nil
	}
	return 0, nil, fmt.Errorf("%w: %d", ErrUnknownKind, frame[0])
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is the JSON body of a presence frame.
type Presence struct {
	ClientID string  `json:"clientId"`
	Name     string  `json:"name"`
	Color    string  `json:"color"`
	Cursor   *Cursor `json:"cursor"`
}

func EncodePresence(p Presence) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal presence: %w", err)
	}
	return Encode(KindPresence, raw), nil
}

func DecodePresence(payload []byte) (Presence, error) {
	var p Presence
	if err := json.Unmarshal(payload, &p); err != nil {
		return Presence{}, fmt.Errorf("%w: %s", ErrBadPresence, err.Error())
	}
	if p.ClientID == "" {
		return Presence{}, fmt.Errorf("%w: missing clientId", ErrBadPresence)
	}
	return p, nil
}
