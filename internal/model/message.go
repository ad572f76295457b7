package model

import (
	"fmt"
)

type MessageType int

const (
	MessageTypePreKey MessageType = 0
	MessageTypeNormal MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePreKey:
		return "pre-key"
	case MessageTypeNormal:
		return "normal"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

func (t MessageType) MarshalText() ([]byte, error) {
	switch t {
	case MessageTypePreKey, MessageTypeNormal:
		return []byte(t.String()), nil
	}
	return nil, fmt.Errorf("unknown message type %d", int(t))
}

func (t *MessageType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pre-key":
		*t = MessageTypePreKey
	case "normal":
		*t = MessageTypeNormal
	default:
		return fmt.Errorf("unknown message type %q", b)
	}
	return nil
}

type (
	// Message is a pairwise ciphertext with its type tag.
	Message struct {
		Type       MessageType `json:"type"`
		Ciphertext string      `json:"ciphertext"`
	}

	EnvelopeKind string

	// Envelope is the unit the relay forwards between users.
	Envelope struct {
		ID      string       `json:"id"`
		From    string       `json:"from"`
		To      string       `json:"to"`
		Kind    EnvelopeKind `json:"kind"`
		Message *Message     `json:"message,omitempty"`
		// Group is a group ciphertext. Session keys travel in Message.
		Group     string `json:"group,omitempty"`
		SessionID string `json:"session_id,omitempty"`
	}
)

const (
	EnvelopeDirect   EnvelopeKind = "direct"
	EnvelopeGroupKey EnvelopeKind = "group_key"
	EnvelopeGroup    EnvelopeKind = "group"
)
