package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Type names the kind of notification carried by a Message.
type Type string

const (
	TypeImageSaved         Type = "image-saved"
	TypeAutoFocusCompleted Type = "autofocus-completed"
)

// Message is the wire envelope used by the spool directory, the HTTP API and
// the gRPC ingest service:
//
//	{"type": "image-saved", "payload": {...}}
//
// A missing type means image-saved.
type Message struct {
	Type      Type
	Image     *ImageSaved
	AutoFocus *AutoFocusCompleted
}

type rawMessage struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeMessage reads and validates one envelope from r.
func DecodeMessage(r io.Reader) (Message, error) {
	var raw rawMessage
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return Message{}, fmt.Errorf("%w: decode envelope: %v", ErrInvalidEvent, err)
	}
	if raw.Type == "" {
		raw.Type = TypeImageSaved
	}
	if len(bytes.TrimSpace(raw.Payload)) == 0 || bytes.Equal(bytes.TrimSpace(raw.Payload), []byte("null")) {
		return Message{}, fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}

	msg := Message{Type: raw.Type}
	switch raw.Type {
	case TypeImageSaved:
		img, err := DecodeImageSaved(bytes.NewReader(raw.Payload))
		if err != nil {
			return Message{}, err
		}
		msg.Image = img
	case TypeAutoFocusCompleted:
		af, err := DecodeAutoFocus(bytes.NewReader(raw.Payload))
		if err != nil {
			return Message{}, err
		}
		msg.AutoFocus = af
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, raw.Type)
	}
	return msg, nil
}

// DecodeImageSaved reads and validates a bare image-saved payload.
func DecodeImageSaved(r io.Reader) (*ImageSaved, error) {
	var e ImageSaved
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: decode image-saved: %v", ErrInvalidEvent, err)
	}
	e.ImageType = ImageType(strings.ToUpper(strings.TrimSpace(string(e.ImageType))))
	e.Telescope.PierSide = PierSide(strings.ToLower(string(e.Telescope.PierSide)))
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeAutoFocus reads and validates a bare autofocus payload.
func DecodeAutoFocus(r io.Reader) (*AutoFocusCompleted, error) {
	var e AutoFocusCompleted
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: decode autofocus: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Encode renders m in the envelope format DecodeMessage reads.
func (m Message) Encode() ([]byte, error) {
	var payload any
	switch m.Type {
	case TypeImageSaved, "":
		payload = m.Image
	case TypeAutoFocusCompleted:
		payload = m.AutoFocus
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, m.Type)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	t := m.Type
	if t == "" {
		t = TypeImageSaved
	}
	return json.Marshal(rawMessage{Type: t, Payload: body})
}
