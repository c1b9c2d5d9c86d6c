package realtime

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventInserted EventType = "INSERT"
	EventUpdated  EventType = "UPDATE"
)

// Tables the push channel carries change events for.
const (
	TableMessages      = "messages"
	TableConversations = "conversations"
)

// Event is one change record delivered over the push channel. Delivery is
// at-least-once and is not ordered relative to direct request/response paths;
// consumers merge by record id.
type Event struct {
	Type   EventType       `json:"event_type"`
	Table  string          `json:"table"`
	Filter string          `json:"filter,omitempty"`
	Record json.RawMessage `json:"record"`
}

// PushChannel delivers scoped change streams. Implementations: the in-process
// Hub and the websocket dial-out WSChannel.
type PushChannel interface {
	Subscribe(table, filter string) (*Subscription, error)
}

// Subscription is one scoped stream. Events() is closed when the subscription
// is torn down or the underlying channel is lost; callers that did not Close()
// themselves should treat closure as a lost subscription and resubscribe.
type Subscription struct {
	table  string
	filter string
	events chan Event
	cancel func(*Subscription)
}

func (s *Subscription) Table() string  { return s.table }
func (s *Subscription) Filter() string { return s.filter }

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel(s)
	}
}

func topicKey(table, filter string) string {
	return fmt.Sprintf("%s|%s", table, filter)
}

// FilterConversation scopes a messages subscription to one conversation.
func FilterConversation(conversationID string) string {
	return "conversation_id=" + conversationID
}

// FilterUser scopes a conversations subscription to one user's relationships.
func FilterUser(userID string) string {
	return "user_id=" + userID
}
