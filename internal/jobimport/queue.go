package jobimport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Delivery is one hand-out of a queued unit. It stays owned by the consumer
// until it is acknowledged or returned with Nack; a consumer that dies in
// between leaves the unit to be redelivered.
type Delivery struct {
	ID      string
	Payload []byte
	Attempt int
}

type UnitQueue interface {
	TryEnqueue(payload []byte) bool
	Dequeue(ctx context.Context) (Delivery, bool)
	Ack(d Delivery) error
	Nack(d Delivery) error
	Depth() int
	Capacity() int
	Close() error
}

type memoryQueueItem struct {
	id      string
	payload []byte
	attempt int
}

type inMemoryUnitQueue struct {
	ch       chan memoryQueueItem
	mu       sync.Mutex
	inFlight map[string]memoryQueueItem
	closed   chan struct{}
	once     sync.Once
}

func NewInMemoryUnitQueue(capacity int) UnitQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryUnitQueue{
		ch:       make(chan memoryQueueItem, capacity),
		inFlight: map[string]memoryQueueItem{},
		closed:   make(chan struct{}),
	}
}

func (q *inMemoryUnitQueue) TryEnqueue(payload []byte) bool {
	if q == nil || len(payload) == 0 {
		return false
	}
	select {
	case <-q.closed:
		return false
	default:
	}
	item := memoryQueueItem{id: uuid.NewString(), payload: append([]byte(nil), payload...)}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

func (q *inMemoryUnitQueue) Dequeue(ctx context.Context) (Delivery, bool) {
	if q == nil {
		return Delivery{}, false
	}
	select {
	case item := <-q.ch:
		item.attempt++
		q.mu.Lock()
		q.inFlight[item.id] = item
		q.mu.Unlock()
		return Delivery{ID: item.id, Payload: item.payload, Attempt: item.attempt}, true
	case <-ctx.Done():
		return Delivery{}, false
	case <-q.closed:
		return Delivery{}, false
	}
}

func (q *inMemoryUnitQueue) Ack(d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[d.ID]; !ok {
		return ErrNotFound
	}
	delete(q.inFlight, d.ID)
	return nil
}

func (q *inMemoryUnitQueue) Nack(d Delivery) error {
	q.mu.Lock()
	item, ok := q.inFlight[d.ID]
	delete(q.inFlight, d.ID)
	q.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	select {
	case q.ch <- item:
	default:
		go func() {
			select {
			case q.ch <- item:
			case <-q.closed:
			}
		}()
	}
	return nil
}

func (q *inMemoryUnitQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryUnitQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryUnitQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
