package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MessageType discriminates the chat message variants delivered to clients.
type MessageType string

const (
	// MessageTypeText is a plain chat line broadcast to a room.
	MessageTypeText MessageType = "text"
	// MessageTypeAssignmentNotice privately tells a member which bill items were assigned to them.
	MessageTypeAssignmentNotice MessageType = "assignmentNotice"
)

var errNegativePrice = errors.New("realtime: item price must not be negative")

// Item is one bill line: a label and its price in currency units.
type Item struct {
	Item  string  `json:"item"`
	Price float64 `json:"price"`
}

func (i Item) validate() error {
	if i.Price < 0 {
		return fmt.Errorf("%w: %q priced %v", errNegativePrice, i.Item, i.Price)
	}
	return nil
}

// ChatMessage is the tagged variant carried by the outbound "message" event.
// Text messages use User and Text; assignment notices use FromUser and Items.
type ChatMessage struct {
	Type     MessageType
	ID       string
	User     string
	Text     string
	FromUser string
	Items    []Item
}

// NewTextMessage builds a room chat line.
func NewTextMessage(id, user, text string) ChatMessage {
	return ChatMessage{Type: MessageTypeText, ID: id, User: user, Text: text}
}

// NewAssignmentNotice builds a private notice listing the items assigned to the recipient.
func NewAssignmentNotice(id, fromUser string, items []Item) ChatMessage {
	copied := make([]Item, len(items))
	copy(copied, items)
	return ChatMessage{Type: MessageTypeAssignmentNotice, ID: id, FromUser: fromUser, Items: copied}
}

type textWire struct {
	Type MessageType `json:"type"`
	User string      `json:"user"`
	Text string      `json:"text"`
	ID   string      `json:"id"`
}

type assignmentNoticeWire struct {
	Type     MessageType `json:"type"`
	FromUser string      `json:"fromUser"`
	Items    []Item      `json:"items"`
	ID       string      `json:"id"`
}

// MarshalJSON emits exactly the fields of the message's variant.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageTypeText:
		return json.Marshal(textWire{Type: m.Type, User: m.User, Text: m.Text, ID: m.ID})
	case MessageTypeAssignmentNotice:
		items := m.Items
		if items == nil {
			items = []Item{}
		}
		return json.Marshal(assignmentNoticeWire{Type: m.Type, FromUser: m.FromUser, Items: items, ID: m.ID})
	default:
		return nil, fmt.Errorf("realtime: unknown message type %q", m.Type)
	}
}

// UnmarshalJSON accepts either variant.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type     MessageType `json:"type"`
		ID       string      `json:"id"`
		User     string      `json:"user"`
		Text     string      `json:"text"`
		FromUser string      `json:"fromUser"`
		Items    []Item      `json:"items"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Type {
	case MessageTypeText:
		*m = NewTextMessage(wire.ID, wire.User, wire.Text)
	case MessageTypeAssignmentNotice:
		*m = NewAssignmentNotice(wire.ID, wire.FromUser, wire.Items)
	default:
		return fmt.Errorf("realtime: unknown message type %q", wire.Type)
	}
	return nil
}

// FlexibleID accepts identifiers sent either as JSON strings or numbers and
// normalizes them to their string form.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*id = FlexibleID(strings.TrimSpace(value))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("realtime: identifier must be a string or number: %w", err)
	}
	if integer, err := number.Int64(); err == nil {
		*id = FlexibleID(strconv.FormatInt(integer, 10))
		return nil
	}
	// 1.0 and 1e3 name the same ids as 1 and 1000.
	value, err := number.Float64()
	if err != nil {
		return fmt.Errorf("realtime: identifier must be a string or number: %w", err)
	}
	*id = FlexibleID(strconv.FormatFloat(value, 'f', -1, 64))
	return nil
}

func (id FlexibleID) String() string {
	return string(id)
}
