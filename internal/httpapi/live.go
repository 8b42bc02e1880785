package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/jobimport/internal/jobimport"
)

const (
	liveEventNewLog         = "new-log"
	defaultObserverBuffer   = 16
	defaultLiveWriteTimeout = 5 * time.Second
)

type LiveEvent struct {
	Event string            `json:"event"`
	Data  jobimport.Summary `json:"data"`
}

type LiveHubOptions struct {
	Buffer         int
	WriteTimeout   time.Duration
	OriginPatterns []string
	Logger         *log.Logger
	Metrics        *jobimport.Metrics
}

// LiveHub pushes every persisted summary to connected websocket observers.
// Observers joining later get no replay; an observer whose buffer is full
// misses the event.
type LiveHub struct {
	opts LiveHubOptions

	mu        sync.Mutex
	observers map[*liveObserver]struct{}
	dropped   int
	closed    bool
	done      chan struct{}
}

type liveObserver struct {
	ch chan []byte
}

func NewLiveHub(opts LiveHubOptions) *LiveHub {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultObserverBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultLiveWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &LiveHub{
		opts:      opts,
		observers: map[*liveObserver]struct{}{},
		done:      make(chan struct{}),
	}
}

// Notify never blocks on an observer.
func (h *LiveHub) Notify(_ context.Context, summary jobimport.Summary) {
	if summary.Failures == nil {
		summary.Failures = []jobimport.FailureEntry{}
	}
	msg, err := json.Marshal(LiveEvent{Event: liveEventNewLog, Data: summary})
	if err != nil {
		h.opts.Logger.Printf("live: encode summary %s: %v", summary.ID, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for obs := range h.observers {
		select {
		case obs.ch <- msg:
		default:
			h.dropped++
		}
	}
}

func (h *LiveHub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

func (h *LiveHub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects every observer and refuses new ones.
func (h *LiveHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

func (h *LiveHub) subscribe() (*liveObserver, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	obs := &liveObserver{ch: make(chan []byte, h.opts.Buffer)}
	h.observers[obs] = struct{}{}
	h.opts.Metrics.ObserverConnected()
	return obs, true
}

func (h *LiveHub) unsubscribe(obs *liveObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[obs]; !ok {
		return
	}
	delete(h.observers, obs)
	h.opts.Metrics.ObserverDisconnected()
}

func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.opts.Logger.Printf("live: accept: %v", err)
		return
	}
	obs, ok := h.subscribe()
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unsubscribe(obs)

	// Observers never send; CloseRead handles control frames and cancels ctx
	// once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-h.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case msg := <-obs.ch:
			writeCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
