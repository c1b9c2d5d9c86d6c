package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kindredhq/kindred/models"
)

// scriptedChannel hands out subscriptions the test controls directly.
type scriptedChannel struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (c *scriptedChannel) Subscribe(table, filter string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &Subscription{
		table:  table,
		filter: filter,
		events: make(chan Event, subscriptionBuffer),
		cancel: func(*Subscription) {},
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *scriptedChannel) subCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *scriptedChannel) latest() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[len(c.subs)-1]
}

type recordingSink struct {
	mu       sync.Mutex
	inserted []models.Message
	updated  []models.Message
	degraded map[uuid.UUID]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{degraded: make(map[uuid.UUID]bool)}
}

func (s *recordingSink) ApplyInserted(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, msg)
}

func (s *recordingSink) ApplyUpdated(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, msg)
}

func (s *recordingSink) SetFallbackPolling(conversationID uuid.UUID, degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded[conversationID] = degraded
}

func (s *recordingSink) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func (s *recordingSink) isDegraded(conversationID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded[conversationID]
}

func messageEvent(t *testing.T, evType EventType, msg models.Message) Event {
	t.Helper()
	record, err := json.Marshal(msg)
	require.NoError(t, err)
	return Event{
		Type:   evType,
		Table:  TableMessages,
		Filter: FilterConversation(msg.ConversationID.String()),
		Record: record,
	}
}

func TestBridgeFeedsDecodedEventsToSink(t *testing.T) {
	channel := &scriptedChannel{}
	sink := newRecordingSink()
	bridge := NewBridge(channel, sink, time.Second, zerolog.Nop())

	convID := uuid.New()
	bridge.WatchConversation(convID)
	defer bridge.Reset()

	require.Eventually(t, func() bool { return channel.subCount() == 1 }, time.Second, 5*time.Millisecond)

	msg := models.Message{ID: uuid.NewString(), ConversationID: convID, Content: "hi", CreatedAt: time.Now()}
	channel.latest().events <- messageEvent(t, EventInserted, msg)
	channel.latest().events <- messageEvent(t, EventUpdated, msg)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.inserted) == 1 && len(sink.updated) == 1
	}, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	require.Equal(t, msg.ID, sink.inserted[0].ID)
	require.Equal(t, "hi", sink.inserted[0].Content)
	sink.mu.Unlock()
}

func TestBridgeResubscribesAfterLoss(t *testing.T) {
	channel := &scriptedChannel{}
	sink := newRecordingSink()
	bridge := NewBridge(channel, sink, time.Second, zerolog.Nop())

	convID := uuid.New()
	bridge.WatchConversation(convID)
	defer bridge.Reset()

	require.Eventually(t, func() bool { return channel.subCount() == 1 }, time.Second, 5*time.Millisecond)
	first := channel.latest()

	// Drop the stream: the bridge must flag polling fallback, resubscribe,
	// then clear the flag.
	close(first.events)

	require.Eventually(t, func() bool { return channel.subCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !sink.isDegraded(convID) }, 5*time.Second, 5*time.Millisecond)

	// Events on the replacement stream flow again.
	msg := models.Message{ID: uuid.NewString(), ConversationID: convID, CreatedAt: time.Now()}
	channel.latest().events <- messageEvent(t, EventInserted, msg)
	require.Eventually(t, func() bool { return sink.insertedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBridgeWatchIsIdempotent(t *testing.T) {
	channel := &scriptedChannel{}
	sink := newRecordingSink()
	bridge := NewBridge(channel, sink, time.Second, zerolog.Nop())
	defer bridge.Reset()

	convID := uuid.New()
	bridge.WatchConversation(convID)
	bridge.WatchConversation(convID)

	require.Eventually(t, func() bool { return channel.subCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return channel.subCount() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestBridgeUnwatchStopsDelivery(t *testing.T) {
	channel := &scriptedChannel{}
	sink := newRecordingSink()
	bridge := NewBridge(channel, sink, time.Second, zerolog.Nop())

	convID := uuid.New()
	bridge.WatchConversation(convID)
	require.Eventually(t, func() bool { return channel.subCount() == 1 }, time.Second, 5*time.Millisecond)

	bridge.UnwatchConversation(convID)
	// After teardown no replacement subscription is created.
	require.Never(t, func() bool { return channel.subCount() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestBridgeConversationListEvents(t *testing.T) {
	channel := &scriptedChannel{}
	bridge := NewBridge(channel, newRecordingSink(), time.Second, zerolog.Nop())
	defer bridge.Reset()

	userID := uuid.New()
	var mu sync.Mutex
	var seen []models.Conversation
	bridge.WatchConversationList(userID, func(conv models.Conversation) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, conv)
	})

	require.Eventually(t, func() bool { return channel.subCount() == 1 }, time.Second, 5*time.Millisecond)

	conv := models.Conversation{ID: uuid.New(), RelationshipID: uuid.New(), UpdatedAt: time.Now()}
	record, err := json.Marshal(conv)
	require.NoError(t, err)
	channel.latest().events <- Event{
		Type:   EventUpdated,
		Table:  TableConversations,
		Filter: FilterUser(userID.String()),
		Record: record,
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0].ID == conv.ID
	}, time.Second, 5*time.Millisecond)
}
