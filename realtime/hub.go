package realtime

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const subscriptionBuffer = 16

// Hub is the in-process push channel: writers publish change events and every
// live subscription whose topic matches receives a copy. Remote clients attach
// over a websocket and get the same fan-out.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
	log  zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[*Subscription]struct{}),
		log:  log.With().Str("component", "realtime_hub").Logger(),
	}
}

func (h *Hub) Subscribe(table, filter string) (*Subscription, error) {
	sub := &Subscription{
		table:  table,
		filter: filter,
		events: make(chan Event, subscriptionBuffer),
		cancel: h.remove,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	key := topicKey(table, filter)
	if h.subs[key] == nil {
		h.subs[key] = make(map[*Subscription]struct{})
	}
	h.subs[key][sub] = struct{}{}
	return sub, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := topicKey(sub.table, sub.filter)
	if set, ok := h.subs[key]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.events)
		}
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
}

// Publish fans ev out to the exact topic and to the table-wide topic
// (filter ""). A full subscription buffer drops the event for that subscriber;
// cooldown polling catches such consumers up.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.deliver(topicKey(ev.Table, ev.Filter), ev)
	if ev.Filter != "" {
		h.deliver(topicKey(ev.Table, ""), ev)
	}
}

func (h *Hub) deliver(key string, ev Event) {
	for sub := range h.subs[key] {
		select {
		case sub.events <- ev:
		default:
			h.log.Warn().
				Str("table", ev.Table).
				Str("filter", ev.Filter).
				Msg("dropping event for slow subscriber")
		}
	}
}

// wireFrame is what remote websocket clients send to manage their topics.
type wireFrame struct {
	Action string `json:"action"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

// HandleConn serves one attached websocket client: subscribe/unsubscribe
// frames in, matching events out. Returns when the client disconnects; all of
// the connection's subscriptions are torn down on the way out.
func (h *Hub) HandleConn(conn *websocket.Conn) {
	var (
		mu    sync.Mutex
		subs  = make(map[string]*Subscription)
		write = func(ev Event) error {
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, payload)
		}
	)
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.log.Debug().Err(err).Msg("bad frame from websocket client")
			continue
		}

		key := topicKey(frame.Table, frame.Filter)
		switch frame.Action {
		case "subscribe":
			if _, ok := subs[key]; ok {
				continue
			}
			sub, err := h.Subscribe(frame.Table, frame.Filter)
			if err != nil {
				continue
			}
			subs[key] = sub
			go func() {
				for ev := range sub.Events() {
					if err := write(ev); err != nil {
						return
					}
				}
			}()
		case "unsubscribe":
			if sub, ok := subs[key]; ok {
				sub.Close()
				delete(subs, key)
			}
		}
	}
}
