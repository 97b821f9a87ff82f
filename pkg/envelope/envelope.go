package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatsync/pkg/domain"
)

// Kind is the wire tag of an envelope.
type Kind string

const (
	KindMessage     Kind = "message"
	KindDeliveryAck Kind = "ack-1"
	KindReadAck     Kind = "ack-2"
	KindAckOfAck    Kind = "ack-3"
)

// Envelope is one of Message, DeliveryAck, ReadAck or AckOfAck.
type Envelope interface {
	Kind() Kind
	isEnvelope()
}

// Message carries a chat message to its receiver.
type Message struct {
	Message domain.Message
}

// DeliveryAck tells the sender the message reached the receiver's device.
// Status is read when the conversation was open on the receiver's screen.
type DeliveryAck struct {
	LocalID        string
	ConversationID string
	ServerID       string
	Status         domain.MessageStatus
}

// ReadAck tells the sender the receiver has seen the message.
type ReadAck struct {
	LocalID        string
	ConversationID string
}

// AckOfAck confirms that a DeliveryAck or ReadAck arrived.
type AckOfAck struct {
	LocalID        string
	ConversationID string
}

func (Message) Kind() Kind     { return KindMessage }
func (DeliveryAck) Kind() Kind { return KindDeliveryAck }
func (ReadAck) Kind() Kind     { return KindReadAck }
func (AckOfAck) Kind() Kind    { return KindAckOfAck }

func (Message) isEnvelope()     {}
func (DeliveryAck) isEnvelope() {}
func (ReadAck) isEnvelope()     {}
func (AckOfAck) isEnvelope()    {}

// LocalID returns the message id an envelope refers to.
func LocalID(env Envelope) string {
	switch e := env.(type) {
	case Message:
		return e.Message.LocalID
	case DeliveryAck:
		return e.LocalID
	case ReadAck:
		return e.LocalID
	case AckOfAck:
		return e.LocalID
	}
	return ""
}

// wire is the JSON shape shared by all kinds.
type wire struct {
	Type           Kind                 `json:"type"`
	LocalID        string               `json:"local_id"`
	ConversationID string               `json:"conversation_id"`
	ServerID       string               `json:"server_id,omitempty"`
	Status         domain.MessageStatus `json:"status,omitempty"`
	Message        *domain.Message      `json:"message,omitempty"`
}

// Encode returns the wire form of env.
func Encode(env Envelope) ([]byte, error) {
	var w wire
	switch e := env.(type) {
	case Message:
		m := e.Message
		w = wire{Type: KindMessage, LocalID: m.LocalID, ConversationID: m.ConversationID, ServerID: m.ServerID, Message: &m}
	case DeliveryAck:
		w = wire{Type: KindDeliveryAck, LocalID: e.LocalID, ConversationID: e.ConversationID, ServerID: e.ServerID, Status: e.Status}
	case ReadAck:
		w = wire{Type: KindReadAck, LocalID: e.LocalID, ConversationID: e.ConversationID}
	case AckOfAck:
		w = wire{Type: KindAckOfAck, LocalID: e.LocalID, ConversationID: e.ConversationID}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, env)
	}
	if err := validate(w); err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Decode parses a wire payload.
func Decode(data []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if w.Type == KindMessage && w.Message != nil {
		if w.LocalID == "" {
			w.LocalID = w.Message.LocalID
		}
		if w.ConversationID == "" {
			w.ConversationID = w.Message.ConversationID
		}
	}
	if err := validate(w); err != nil {
		return nil, err
	}
	switch w.Type {
	case KindMessage:
		m := *w.Message
		m.LocalID = w.LocalID
		m.ConversationID = w.ConversationID
		return Message{Message: m}, nil
	case KindDeliveryAck:
		return DeliveryAck{LocalID: w.LocalID, ConversationID: w.ConversationID, ServerID: w.ServerID, Status: AckStatus(w.Status)}, nil
	case KindReadAck:
		return ReadAck{LocalID: w.LocalID, ConversationID: w.ConversationID}, nil
	default:
		return AckOfAck{LocalID: w.LocalID, ConversationID: w.ConversationID}, nil
	}
}

func validate(w wire) error {
	switch w.Type {
	case KindMessage, KindDeliveryAck, KindReadAck, KindAckOfAck:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}
	if strings.TrimSpace(w.LocalID) == "" {
		return fmt.Errorf("%w: local_id is empty", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(w.ConversationID) == "" {
		return fmt.Errorf("%w: conversation_id is empty", ErrInvalidEnvelope)
	}
	if w.Type == KindMessage && w.Message == nil {
		return fmt.Errorf("%w: message body is missing", ErrInvalidEnvelope)
	}
	if w.Type == KindDeliveryAck {
		switch w.Status {
		case "", domain.StatusReceived, domain.StatusRead:
		default:
			return fmt.Errorf("%w: ack status %q", ErrInvalidEnvelope, w.Status)
		}
	}
	return nil
}

// AckStatus is the status a DeliveryAck applies. Peers that omit it mean received.
func AckStatus(status domain.MessageStatus) domain.MessageStatus {
	if status == domain.StatusRead {
		return domain.StatusRead
	}
	return domain.StatusReceived
}
