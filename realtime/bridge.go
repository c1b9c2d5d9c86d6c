package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kindredhq/kindred/models"
)

// MessageSink receives decoded change events for open conversations. The
// message store implements it; every push mutation funnels through its merge
// logic so duplicate deliveries collapse.
type MessageSink interface {
	ApplyInserted(msg models.Message)
	ApplyUpdated(msg models.Message)
	SetFallbackPolling(conversationID uuid.UUID, degraded bool)
}

// Bridge owns the push subscriptions for open views. When a subscription is
// lost it resubscribes with exponential backoff and flags the affected
// conversation for cooldown-gated polling until the stream is restored.
type Bridge struct {
	channel    PushChannel
	sink       MessageSink
	log        zerolog.Logger
	maxBackoff time.Duration

	mu      sync.Mutex
	watches map[string]context.CancelFunc
}

func NewBridge(channel PushChannel, sink MessageSink, maxBackoff time.Duration, log zerolog.Logger) *Bridge {
	if maxBackoff <= 0 {
		maxBackoff = time.Minute
	}
	return &Bridge{
		channel:    channel,
		sink:       sink,
		log:        log.With().Str("component", "event_bridge").Logger(),
		maxBackoff: maxBackoff,
		watches:    make(map[string]context.CancelFunc),
	}
}

// WatchConversation opens the message stream for one conversation. Idempotent;
// a second call for the same conversation is a no-op.
func (b *Bridge) WatchConversation(conversationID uuid.UUID) {
	filter := FilterConversation(conversationID.String())
	b.watch(TableMessages, filter, func(ev Event) {
		var msg models.Message
		if err := json.Unmarshal(ev.Record, &msg); err != nil {
			b.log.Debug().Err(err).Msg("undecodable message record")
			return
		}
		switch ev.Type {
		case EventInserted:
			b.sink.ApplyInserted(msg)
		case EventUpdated:
			b.sink.ApplyUpdated(msg)
		}
	}, func(degraded bool) {
		b.sink.SetFallbackPolling(conversationID, degraded)
	})
}

// UnwatchConversation tears the conversation's stream down, e.g. when its view
// closes. Events already in flight are dropped with the subscription.
func (b *Bridge) UnwatchConversation(conversationID uuid.UUID) {
	b.unwatch(TableMessages, FilterConversation(conversationID.String()))
}

// WatchConversationList feeds conversation-row changes for one user's
// relationships into onChange, for the conversation list view.
func (b *Bridge) WatchConversationList(userID uuid.UUID, onChange func(models.Conversation)) {
	b.watch(TableConversations, FilterUser(userID.String()), func(ev Event) {
		var conv models.Conversation
		if err := json.Unmarshal(ev.Record, &conv); err != nil {
			b.log.Debug().Err(err).Msg("undecodable conversation record")
			return
		}
		onChange(conv)
	}, nil)
}

// UnwatchConversationList stops the user's conversation list stream.
func (b *Bridge) UnwatchConversationList(userID uuid.UUID) {
	b.unwatch(TableConversations, FilterUser(userID.String()))
}

// Reset drops every open watch, for sign-out.
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, cancel := range b.watches {
		cancel()
		delete(b.watches, key)
	}
}

func (b *Bridge) watch(table, filter string, handle func(Event), onDegraded func(bool)) {
	key := topicKey(table, filter)
	b.mu.Lock()
	if _, ok := b.watches[key]; ok {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.watches[key] = cancel
	b.mu.Unlock()

	go b.run(ctx, table, filter, handle, onDegraded)
}

func (b *Bridge) unwatch(table, filter string) {
	key := topicKey(table, filter)
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.watches[key]; ok {
		cancel()
		delete(b.watches, key)
	}
}

func (b *Bridge) run(ctx context.Context, table, filter string, handle func(Event), onDegraded func(bool)) {
	degraded := false
	for {
		sub, err := b.subscribeWithBackoff(ctx, table, filter)
		if err != nil {
			// Only when ctx was cancelled; backoff otherwise retries forever.
			return
		}
		if degraded {
			degraded = false
			if onDegraded != nil {
				onDegraded(false)
			}
		}

		b.consume(ctx, sub, handle)
		select {
		case <-ctx.Done():
			sub.Close()
			return
		default:
		}

		// The stream closed under us: subscription lost. Poll until the
		// resubscribe lands.
		b.log.Warn().Str("table", table).Str("filter", filter).Msg("subscription lost, resubscribing")
		degraded = true
		if onDegraded != nil {
			onDegraded(true)
		}
	}
}

func (b *Bridge) subscribeWithBackoff(ctx context.Context, table, filter string) (*Subscription, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = b.maxBackoff
	policy.MaxElapsedTime = 0

	var sub *Subscription
	err := backoff.Retry(func() error {
		var err error
		sub, err = b.channel.Subscribe(table, filter)
		return err
	}, backoff.WithContext(policy, ctx))
	return sub, err
}

func (b *Bridge) consume(ctx context.Context, sub *Subscription, handle func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			handle(ev)
		}
	}
}
