package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/jobimport/internal/feeds"
	"github.com/agentworkforce/jobimport/internal/jobimport"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 200
)

type ServerConfig struct {
	// JWTSecret enables bearer auth on the import trigger when set.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	LogLimit        int
	Logger          *log.Logger
}

// Importer runs one import pass over the feed catalog.
type Importer interface {
	Run(ctx context.Context) []feeds.SourceResult
}

type Server struct {
	importer    Importer
	logs        jobimport.SummaryStore
	hub         *LiveHub
	metrics     *jobimport.Metrics
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type importResponse struct {
	Message    string               `json:"message"`
	Dispatched int                  `json:"dispatched"`
	Results    []feeds.SourceResult `json:"results"`
}

func NewServer(importer Importer, logs jobimport.SummaryStore, hub *LiveHub, metrics *jobimport.Metrics, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = defaultLogLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		importer:    importer,
		logs:        logs,
		hub:         hub,
		metrics:     metrics,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	switch r.URL.Path {
	case "/health":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, correlationID, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/dashboard":
		s.handleDashboard(w, r)
	case "/metrics":
		s.metrics.Handler().ServeHTTP(w, r)
	case "/api/jobs/import":
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			writeMethodNotAllowed(w, correlationID, http.MethodPost, http.MethodGet)
			return
		}
		s.handleImport(w, r, correlationID)
	case "/api/logs":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, correlationID, http.MethodGet)
			return
		}
		s.handleLogs(w, r, correlationID)
	case "/api/logs/live":
		if s.hub == nil {
			writeError(w, http.StatusNotFound, "not_found", "live channel disabled", correlationID)
			return
		}
		s.hub.ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, correlationID string) {
	key := clientKey(r)
	if s.cfg.JWTSecret != "" {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scopeImportTrigger, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		key = claims.Subject
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(key, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	results := s.importer.Run(r.Context())
	resp := importResponse{Results: results}
	for _, res := range results {
		if res.Status == feeds.StatusDispatched {
			resp.Dispatched++
		}
	}
	if feeds.AllFailed(results) {
		resp.Message = "no feed could be dispatched"
		s.cfg.Logger.Printf("httpapi: import %s failed for all %d feeds", correlationID, len(results))
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	resp.Message = "import dispatched"
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), s.cfg.LogLimit, 1, maxLogLimit)
	summaries, err := s.logs.RecentSummaries(r.Context(), limit)
	if err != nil {
		s.cfg.Logger.Printf("httpapi: list import logs: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch import logs", correlationID)
		return
	}
	for i := range summaries {
		if summaries[i].Failures == nil {
			summaries[i].Failures = []jobimport.FailureEntry{}
		}
	}
	writeJSON(w, http.StatusOK, summaries)
}

// getCorrelationID echoes the caller's X-Correlation-Id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func writeMethodNotAllowed(w http.ResponseWriter, correlationID string, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
