package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func startHubServer(t *testing.T, hub *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hub.HandleConn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSChannelReceivesHubEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	url := startHubServer(t, hub)

	channel, err := DialWSChannel(url, zerolog.Nop())
	require.NoError(t, err)
	defer channel.Close()

	sub, err := channel.Subscribe(TableMessages, FilterConversation("c1"))
	require.NoError(t, err)

	// Give the subscribe frame time to land server-side.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.subs) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Publish(testEvent(TableMessages, FilterConversation("c1"), "m1"))

	ev := receive(t, sub)
	require.Equal(t, EventInserted, ev.Type)
	require.Equal(t, TableMessages, ev.Table)
}

func TestWSChannelSignalsLossByClosingSubscriptions(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	url := startHubServer(t, hub)

	channel, err := DialWSChannel(url, zerolog.Nop())
	require.NoError(t, err)

	sub, err := channel.Subscribe(TableMessages, FilterConversation("c1"))
	require.NoError(t, err)

	channel.Close()

	select {
	case _, ok := <-sub.Events():
		require.False(t, ok, "losing the connection must close the subscription")
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed after connection loss")
	}

	// A dead channel refuses new subscriptions.
	_, err = channel.Subscribe(TableMessages, FilterConversation("c2"))
	require.Error(t, err)
}
