package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nip60-cashu/walletengine/events"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// newFakeRelayServer accepts one websocket connection and always replies OK
// to EVENT and a single EOSE (no stored events) to REQ.
func newFakeRelayServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var msg []interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if len(msg) == 0 {
				continue
			}
			kind, _ := msg[0].(string)
			switch kind {
			case "EVENT":
				event, _ := msg[1].(map[string]interface{})
				id, _ := event["id"].(string)
				conn.WriteJSON([]interface{}{"OK", id, true, ""})
			case "REQ":
				subID, _ := msg[1].(string)
				conn.WriteJSON([]interface{}{"EOSE", subID})
			case "CLOSE":
				// no-op
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestRelayPublishAccepted(t *testing.T) {
	server := newFakeRelayServer(t)
	defer server.Close()

	r := New(wsURL(server))
	defer r.Close()

	event := events.Event{ID: "abc123", Kind: events.KindWallet}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, r.Publish(ctx, event))
}

func TestRelayFetchEmpty(t *testing.T) {
	server := newFakeRelayServer(t)
	defer server.Close()

	r := New(wsURL(server))
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	found, err := r.Fetch(ctx, events.Filter{Author: "deadbeef", Kinds: []int{events.KindWallet}})
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestPoolPublishAndClose(t *testing.T) {
	server := newFakeRelayServer(t)
	defer server.Close()

	pool := NewPool([]string{wsURL(server)})
	defer pool.Close()

	event := events.Event{ID: "pooled-event", Kind: events.KindToken}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, pool.Publish(ctx, event))
	require.Empty(t, pool.PendingProofEvents())
}
