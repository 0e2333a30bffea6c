// Package relay implements a minimal Nostr relay websocket client used to
// publish and fetch the NIP-60 wallet events the events package builds, and
// a pool that fans the same operations out across several relays.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nip60-cashu/walletengine/events"
)

// connectTimeout bounds how long dialing a relay may take.
const connectTimeout = 5 * time.Second

// publishTimeout bounds how long Publish waits for an OK response.
const publishTimeout = 10 * time.Second

// fetchTimeout bounds how long Fetch keeps reading while it waits for EOSE.
// The caller's context is used only for dialing, and the limit is checked
// between received messages.
const fetchTimeout = 5 * time.Second

// nostrFilter is the wire shape of a NIP-01 REQ filter.
type nostrFilter struct {
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
}

// Relay is a single relay websocket connection.
type Relay struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(url string) *Relay {
	return &Relay{url: url}
}

func (r *Relay) URL() string { return r.url }

// Connect dials the relay if not already connected.
func (r *Relay) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, r.url, nil)
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", r.url, err)
	}
	r.conn = conn
	return nil
}

// Close disconnects from the relay.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

func (r *Relay) send(v []any) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay: %s not connected", r.url)
	}
	return conn.WriteJSON(v)
}

func (r *Relay) recv() ([]json.RawMessage, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("relay: %s not connected", r.url)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg []json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("relay: malformed message from %s: %w", r.url, err)
	}
	return msg, nil
}

// Publish sends event and waits for the relay's OK response.
func (r *Relay) Publish(ctx context.Context, event events.Event) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	if err := r.send([]any{"EVENT", event}); err != nil {
		return fmt.Errorf("relay: publish to %s: %w", r.url, err)
	}

	deadline := time.Now().Add(publishTimeout)
	for time.Now().Before(deadline) {
		msg, err := r.recv()
		if err != nil {
			return fmt.Errorf("relay: publish to %s: %w", r.url, err)
		}
		if len(msg) < 3 {
			continue
		}

		var kind string
		if err := json.Unmarshal(msg[0], &kind); err != nil {
			continue
		}

		switch kind {
		case "OK":
			var id string
			var accepted bool
			json.Unmarshal(msg[1], &id)
			json.Unmarshal(msg[2], &accepted)
			if id != event.ID {
				continue
			}
			if !accepted {
				reason := ""
				if len(msg) > 3 {
					json.Unmarshal(msg[3], &reason)
				}
				return fmt.Errorf("relay: %s rejected event %s: %s", r.url, event.ID, reason)
			}
			return nil
		case "NOTICE":
			continue
		}
	}
	return fmt.Errorf("relay: timed out waiting for OK from %s", r.url)
}

// Fetch opens a REQ subscription for filter, collects events until EOSE,
// then closes the subscription.
func (r *Relay) Fetch(ctx context.Context, filter events.Filter) ([]events.Event, error) {
	if err := r.Connect(ctx); err != nil {
		return nil, err
	}

	subID := fmt.Sprintf("sub-%d", time.Now().UnixNano())
	wireFilter := nostrFilter{Kinds: filter.Kinds}
	if filter.Author != "" {
		wireFilter.Authors = []string{filter.Author}
	}

	if err := r.send([]any{"REQ", subID, wireFilter}); err != nil {
		return nil, fmt.Errorf("relay: fetch from %s: %w", r.url, err)
	}

	var matched []events.Event
	deadline := time.Now().Add(fetchTimeout)
	for time.Now().Before(deadline) {
		msg, err := r.recv()
		if err != nil {
			break
		}
		if len(msg) < 2 {
			continue
		}

		var kind string
		if err := json.Unmarshal(msg[0], &kind); err != nil {
			continue
		}

		switch kind {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var event events.Event
			if err := json.Unmarshal(msg[2], &event); err == nil {
				matched = append(matched, event)
			}
		case "EOSE":
			r.send([]any{"CLOSE", subID})
			return matched, nil
		}
	}

	r.send([]any{"CLOSE", subID})
	return matched, nil
}
