package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event names carried in the envelope's "event" field.
const (
	EventJoinRoom        = "joinRoom"
	EventSendMessage     = "sendMessage"
	EventSendAssignments = "sendAssignments"
	EventDisconnect      = "disconnect"
	// EventMessage is the only server-to-client event.
	EventMessage = "message"
)

// InboundEnvelope is a client event as received from the transport.
type InboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// OutboundEnvelope wraps a chat message for the transport.
type OutboundEnvelope struct {
	Event string      `json:"event"`
	Data  ChatMessage `json:"data"`
}

func NewOutboundEnvelope(message ChatMessage) OutboundEnvelope {
	return OutboundEnvelope{Event: EventMessage, Data: message}
}

type JoinRoomPayload struct {
	GroupID FlexibleID `json:"groupId"`
	UserID  FlexibleID `json:"userId"`
}

type SendMessagePayload struct {
	GroupID  FlexibleID `json:"groupId"`
	Message  string     `json:"message"`
	Username string     `json:"username"`
}

type SendAssignmentsPayload struct {
	GroupID     FlexibleID    `json:"groupId"`
	Assignments AssignmentMap `json:"assignments"`
	Username    string        `json:"username"`
}

// DecodeEnvelope parses raw transport bytes into an envelope.
func DecodeEnvelope(raw []byte) (InboundEnvelope, error) {
	var envelope InboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return InboundEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	envelope.Event = strings.TrimSpace(envelope.Event)
	if envelope.Event == "" {
		return InboundEnvelope{}, fmt.Errorf("%w: event name missing", ErrMalformedEvent)
	}
	return envelope, nil
}

func decodePayload(envelope InboundEnvelope, target any) error {
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("%w: %s payload missing", ErrMalformedEvent, envelope.Event)
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, envelope.Event, err)
	}
	return nil
}

func (p JoinRoomPayload) validate() error {
	if p.GroupID == "" {
		return fmt.Errorf("%w: joinRoom requires groupId", ErrMalformedEvent)
	}
	return nil
}

func (p SendMessagePayload) validate() error {
	if p.GroupID == "" {
		return fmt.Errorf("%w: sendMessage requires groupId", ErrMalformedEvent)
	}
	if strings.TrimSpace(p.Username) == "" {
		return fmt.Errorf("%w: sendMessage requires username", ErrMalformedEvent)
	}
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("%w: sendMessage requires message", ErrMalformedEvent)
	}
	return nil
}

func (p SendAssignmentsPayload) validate() error {
	if p.GroupID == "" {
		return fmt.Errorf("%w: sendAssignments requires groupId", ErrMalformedEvent)
	}
	if strings.TrimSpace(p.Username) == "" {
		return fmt.Errorf("%w: sendAssignments requires username", ErrMalformedEvent)
	}
	for userID, items := range p.Assignments {
		if strings.TrimSpace(userID) == "" {
			return fmt.Errorf("%w: sendAssignments contains an empty user id", ErrMalformedEvent)
		}
		for _, item := range items {
			if err := item.validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
			}
		}
	}
	return nil
}
