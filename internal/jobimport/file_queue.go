package jobimport

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type fileUnitQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	lock         *os.File
	mu           sync.Mutex
	ready        []fileQueueItem
	inFlight     []fileQueueItem
}

type fileQueueItem struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

type fileUnitQueueState struct {
	Ready    []fileQueueItem `json:"ready"`
	InFlight []fileQueueItem `json:"inFlight"`
}

// NewFileUnitQueue opens a JSON-snapshot queue at path. Deliveries that were
// in flight when the previous owner stopped are put back in front of the
// ready list. The file is locked for the lifetime of the queue.
func NewFileUnitQueue(path string, capacity int) (UnitQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock, err := lockQueueFile(path + ".lock")
	if err != nil {
		return nil, err
	}
	q := &fileUnitQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		lock:         lock,
		ready:        []fileQueueItem{},
		inFlight:     []fileQueueItem{},
	}
	if err := q.load(); err != nil {
		_ = unlockQueueFile(lock)
		return nil, err
	}
	return q, nil
}

func (q *fileUnitQueue) TryEnqueue(payload []byte) bool {
	if len(payload) == 0 || !json.Valid(payload) {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready)+len(q.inFlight) >= q.capacity {
		return false
	}
	q.ready = append(q.ready, fileQueueItem{ID: uuid.NewString(), Payload: append(json.RawMessage(nil), payload...)})
	if err := q.saveLocked(); err != nil {
		q.ready = q.ready[:len(q.ready)-1]
		return false
	}
	return true
}

func (q *fileUnitQueue) Dequeue(ctx context.Context) (Delivery, bool) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			item := q.ready[0]
			item.Attempt++
			q.ready = q.ready[1:]
			q.inFlight = append(q.inFlight, item)
			if err := q.saveLocked(); err != nil {
				q.inFlight = q.inFlight[:len(q.inFlight)-1]
				item.Attempt--
				q.ready = append([]fileQueueItem{item}, q.ready...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Delivery{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return Delivery{ID: item.ID, Payload: []byte(item.Payload), Attempt: item.Attempt}, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Delivery{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileUnitQueue) Ack(d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.inFlightIndexLocked(d.ID)
	if idx < 0 {
		return ErrNotFound
	}
	item := q.inFlight[idx]
	q.inFlight = append(q.inFlight[:idx], q.inFlight[idx+1:]...)
	if err := q.saveLocked(); err != nil {
		q.inFlight = append(q.inFlight, item)
		return err
	}
	return nil
}

func (q *fileUnitQueue) Nack(d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.inFlightIndexLocked(d.ID)
	if idx < 0 {
		return ErrNotFound
	}
	item := q.inFlight[idx]
	q.inFlight = append(q.inFlight[:idx], q.inFlight[idx+1:]...)
	q.ready = append(q.ready, item)
	if err := q.saveLocked(); err != nil {
		q.ready = q.ready[:len(q.ready)-1]
		q.inFlight = append(q.inFlight, item)
		return err
	}
	return nil
}

func (q *fileUnitQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *fileUnitQueue) Capacity() int {
	return q.capacity
}

func (q *fileUnitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lock == nil {
		return nil
	}
	err := unlockQueueFile(q.lock)
	q.lock = nil
	return err
}

func (q *fileUnitQueue) inFlightIndexLocked(id string) int {
	for i, item := range q.inFlight {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (q *fileUnitQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileUnitQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	items := make([]fileQueueItem, 0, len(snapshot.InFlight)+len(snapshot.Ready))
	items = append(items, snapshot.InFlight...)
	items = append(items, snapshot.Ready...)
	trimmed := len(items) > q.capacity
	if trimmed {
		// In-flight units sit in front, so the newest ready units are the
		// ones that no longer fit.
		items = items[:q.capacity]
	}
	q.ready = items
	if trimmed || len(snapshot.InFlight) > 0 {
		return q.saveLocked()
	}
	return nil
}

func (q *fileUnitQueue) saveLocked() error {
	snapshot := fileUnitQueueState{
		Ready:    append([]fileQueueItem(nil), q.ready...),
		InFlight: append([]fileQueueItem(nil), q.inFlight...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
