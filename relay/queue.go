package relay

import (
	"container/heap"
	"sync"
	"time"

	"github.com/nip60-cashu/walletengine/events"
)

// maxRetries bounds how many times a rejected or failed publish is
// resubmitted before it is dropped for good.
const maxRetries = 3

// batchInterval is how often the queue processor wakes to drain pending
// publishes, even if nothing signaled new work.
const batchInterval = time.Second

// batchSize is the most events a single processor tick sends.
const batchSize = 10

type queuedEvent struct {
	event      events.Event
	priority   int
	retryCount int
	callback   func(ok bool, reason string)
	index      int // heap bookkeeping
}

// eventHeap is a max-heap on priority: higher priority pops first.
type eventHeap []*queuedEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].priority > h[j].priority }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *eventHeap) Push(x interface{}) {
	item := x.(*queuedEvent)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// publishQueue holds events awaiting publication, ordered by priority, with
// retry bookkeeping for events a relay rejects or that fail to send.
type publishQueue struct {
	mu      sync.Mutex
	heap    eventHeap
	pending map[string]*queuedEvent
	signal  chan struct{}
}

func newPublishQueue() *publishQueue {
	return &publishQueue{
		pending: make(map[string]*queuedEvent),
		signal:  make(chan struct{}, 1),
	}
}

func (q *publishQueue) add(event events.Event, priority int, callback func(ok bool, reason string)) {
	q.mu.Lock()
	item := &queuedEvent{event: event, priority: priority, callback: callback}
	heap.Push(&q.heap, item)
	q.pending[event.ID] = item
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// takeBatch pops up to n highest-priority events off the queue.
func (q *publishQueue) takeBatch(n int) []*queuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]*queuedEvent, 0, n)
	for len(batch) < n && q.heap.Len() > 0 {
		item := heap.Pop(&q.heap).(*queuedEvent)
		batch = append(batch, item)
	}
	return batch
}

// requeue reschedules item at a lower priority, reporting whether a retry
// was actually scheduled (false once maxRetries is exhausted).
func (q *publishQueue) requeue(item *queuedEvent) bool {
	item.retryCount++
	if item.retryCount >= maxRetries {
		q.mu.Lock()
		delete(q.pending, item.event.ID)
		q.mu.Unlock()
		return false
	}

	q.mu.Lock()
	item.priority--
	heap.Push(&q.heap, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *publishQueue) remove(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

// pendingTokenEvents returns the Token events (kind 7375) still sitting in
// the queue unconfirmed, used to surface spendable-but-unpublished proofs
// to wallet state reconstruction.
func (q *publishQueue) pendingTokenEvents() []events.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []events.Event
	for _, item := range q.pending {
		if item.event.Kind == events.KindToken {
			pending = append(pending, item.event)
		}
	}
	return pending
}

func (q *publishQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
