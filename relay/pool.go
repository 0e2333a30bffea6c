package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nip60-cashu/walletengine/events"
)

// PendingEventID is the sentinel event id wallet state reconstruction uses
// for Token events still sitting in the publish queue, unconfirmed by any
// relay. Proofs under this id are spendable but not yet durably stored.
const PendingEventID = "__pending__"

// Pool spreads publish and fetch operations over several relays. Fetch
// queries every relay; outbound events go through a priority queue that a
// background processor drains at most batchSize per tick, publishing each
// event (one EVENT/OK roundtrip) to the first relay that accepts it. It
// implements events.Publisher and events.Fetcher.
type Pool struct {
	relays []*Relay
	queue  *publishQueue

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewPool(urls []string) *Pool {
	relays := make([]*Relay, 0, len(urls))
	for _, url := range urls {
		relays = append(relays, New(url))
	}
	return &Pool{
		relays: relays,
		queue:  newPublishQueue(),
	}
}

// Publish enqueues event and returns once one relay has accepted it (the
// processor tries the pool's relays in order and stops at the first that
// accepts), after maxRetries delivery rounds have all failed, or when ctx
// is done.
func (p *Pool) Publish(ctx context.Context, event events.Event) error {
	p.ensureProcessor()

	result := make(chan error, 1)
	p.queue.add(event, 0, func(ok bool, reason string) {
		if ok {
			result <- nil
		} else {
			result <- fmt.Errorf("relay: publish failed: %s", reason)
		}
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishPriority enqueues event ahead of normal-priority events already
// queued, for time-sensitive publishes (e.g. a Token event deletion
// immediately followed by its replacement).
func (p *Pool) PublishPriority(ctx context.Context, event events.Event, priority int) error {
	p.ensureProcessor()
	result := make(chan error, 1)
	p.queue.add(event, priority, func(ok bool, reason string) {
		if ok {
			result <- nil
		} else {
			result <- fmt.Errorf("relay: publish failed: %s", reason)
		}
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch queries every relay in the pool and returns the union of events
// seen, deduplicated by id.
func (p *Pool) Fetch(ctx context.Context, filter events.Filter) ([]events.Event, error) {
	seen := make(map[string]bool)
	var merged []events.Event
	var firstErr error

	for _, r := range p.relays {
		found, err := r.Fetch(ctx, filter)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, e := range found {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			merged = append(merged, e)
		}
	}

	if len(merged) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return merged, nil
}

// PendingProofEvents returns the Token events still in the publish queue,
// unconfirmed by any relay - spendable proofs wallet state reconstruction
// should merge in under PendingEventID.
func (p *Pool) PendingProofEvents() []events.Event {
	return p.queue.pendingTokenEvents()
}

// Connect dials every relay in the pool, tolerating individual failures.
func (p *Pool) Connect(ctx context.Context) error {
	var firstErr error
	for _, r := range p.relays {
		if err := r.Connect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops the queue processor and disconnects every relay.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.running {
		close(p.stop)
		p.running = false
	}
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}

	var firstErr error
	for _, r := range p.relays {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pool) ensureProcessor() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.processQueue(p.stop, p.done)
}

func (p *Pool) processQueue(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-p.queue.signal:
		case <-ticker.C:
		}

		if p.queue.size() == 0 {
			continue
		}

		batch := p.queue.takeBatch(batchSize)
		for _, item := range batch {
			p.publishOne(item)
		}
	}
}

func (p *Pool) publishOne(item *queuedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	var lastErr error
	for _, r := range p.relays {
		if err := r.Publish(ctx, item.event); err != nil {
			lastErr = err
			continue
		}
		p.queue.remove(item.event.ID)
		if item.callback != nil {
			item.callback(true, "")
		}
		return
	}

	reason := "no relays configured"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	if !p.queue.requeue(item) {
		if item.callback != nil {
			item.callback(false, reason)
		}
	}
}
