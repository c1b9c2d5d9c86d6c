package realtime

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// WSChannel is a PushChannel backed by a websocket connection to a remote
// hub. One read pump routes incoming events to the local subscriptions by
// topic; a read failure closes every subscription, which signals the bridge
// to reconnect.
type WSChannel struct {
	url  string
	log  zerolog.Logger
	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]*Subscription
	dead bool
}

func DialWSChannel(url string, log zerolog.Logger) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial push channel")
	}
	c := &WSChannel{
		url:  url,
		log:  log.With().Str("component", "ws_channel").Logger(),
		conn: conn,
		subs: make(map[string]*Subscription),
	}
	go c.readPump()
	return c, nil
}

func (c *WSChannel) Subscribe(table, filter string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return nil, errors.New("push channel closed")
	}

	frame := wireFrame{Action: "subscribe", Table: table, Filter: filter}
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, errors.Wrap(err, "subscribe push channel")
	}

	sub := &Subscription{
		table:  table,
		filter: filter,
		events: make(chan Event, subscriptionBuffer),
		cancel: c.remove,
	}
	c.subs[topicKey(table, filter)] = sub
	return sub, nil
}

func (c *WSChannel) remove(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := topicKey(sub.table, sub.filter)
	if existing, ok := c.subs[key]; ok && existing == sub {
		delete(c.subs, key)
		close(sub.events)

		frame := wireFrame{Action: "unsubscribe", Table: sub.table, Filter: sub.filter}
		if payload, err := json.Marshal(frame); err == nil {
			_ = c.conn.WriteMessage(websocket.TextMessage, payload)
		}
	}
}

// Close tears the connection down; every open subscription is closed.
func (c *WSChannel) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *WSChannel) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debug().Err(err).Msg("undecodable push event")
			continue
		}
		c.dispatch(ev)
	}
}

func (c *WSChannel) dispatch(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[topicKey(ev.Table, ev.Filter)]
	if !ok {
		sub, ok = c.subs[topicKey(ev.Table, "")]
	}
	if !ok {
		return
	}
	select {
	case sub.events <- ev:
	default:
		c.log.Warn().Str("table", ev.Table).Msg("dropping event for slow subscriber")
	}
}

func (c *WSChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return
	}
	c.dead = true
	c.log.Warn().Err(err).Msg("push channel lost")
	for key, sub := range c.subs {
		delete(c.subs, key)
		close(sub.events)
	}
	_ = c.conn.Close()
}
