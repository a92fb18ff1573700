// Package httpapi bundles the relay's operational HTTP surface: liveness,
// readiness, Prometheus-style metrics, and the admin-guarded journal flush.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cjtronics/relay/internal/journal"
)

// Stats carries the relay counters exposed via /metrics.
type Stats struct {
	Clients      int
	Devices      int
	Broadcasts   uint64
	Relays       uint64
	Terminations uint64
}

// StatsFunc returns cumulative relay statistics.
type StatsFunc func() Stats

// ReadinessProvider exposes relay state required for readiness checks.
type ReadinessProvider interface {
	SnapshotCounts() (clients, devices int)
	StartupError() error
	Uptime() time.Duration
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      zerolog.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Journal     *journal.Journal
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the relay operational handlers.
type HandlerSet struct {
	logger      zerolog.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	journal     *journal.Journal
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      opts.Logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		journal:     opts.Journal,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/journal/flush", h.JournalFlushHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports relay readiness, including connection counts and
// startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
		Devices       int     `json:"devices"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			clients, devices := h.readiness.SnapshotCounts()
			resp.Clients = clients
			resp.Devices = devices
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var stats Stats
		if h.stats != nil {
			stats = h.stats()
		}
		var uptime float64
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP relay_uptime_seconds Relay uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE relay_uptime_seconds gauge\n")
		fmt.Fprintf(w, "relay_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP relay_clients Currently open WebSocket connections.\n")
		fmt.Fprintf(w, "# TYPE relay_clients gauge\n")
		fmt.Fprintf(w, "relay_clients %d\n", stats.Clients)

		fmt.Fprintf(w, "# HELP relay_devices Currently registered device connections.\n")
		fmt.Fprintf(w, "# TYPE relay_devices gauge\n")
		fmt.Fprintf(w, "relay_devices %d\n", stats.Devices)

		fmt.Fprintf(w, "# HELP relay_broadcasts_total Roster broadcasts fanned out to all connections.\n")
		fmt.Fprintf(w, "# TYPE relay_broadcasts_total counter\n")
		fmt.Fprintf(w, "relay_broadcasts_total %d\n", stats.Broadcasts)

		fmt.Fprintf(w, "# HELP relay_forwards_total Controller frames forwarded to devices.\n")
		fmt.Fprintf(w, "# TYPE relay_forwards_total counter\n")
		fmt.Fprintf(w, "relay_forwards_total %d\n", stats.Relays)

		fmt.Fprintf(w, "# HELP relay_heartbeat_terminations_total Connections force-closed after an unanswered ping.\n")
		fmt.Fprintf(w, "# TYPE relay_heartbeat_terminations_total counter\n")
		fmt.Fprintf(w, "relay_heartbeat_terminations_total %d\n", stats.Terminations)

		if h.journal != nil {
			jstats := h.journal.Stats()
			fmt.Fprintf(w, "# HELP relay_journal_messages_total Messages recorded to the traffic journal.\n")
			fmt.Fprintf(w, "# TYPE relay_journal_messages_total counter\n")
			fmt.Fprintf(w, "relay_journal_messages_total %d\n", jstats.Messages)
			fmt.Fprintf(w, "# HELP relay_journal_rosters_total Rosters recorded to the traffic journal.\n")
			fmt.Fprintf(w, "# TYPE relay_journal_rosters_total counter\n")
			fmt.Fprintf(w, "relay_journal_rosters_total %d\n", jstats.Rosters)
		}
	}
}

// JournalFlushHandler authorises and triggers a journal flush to disk.
func (h *HandlerSet) JournalFlushHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With().
			Str("handler", "journal_flush").
			Str("remote_addr", r.RemoteAddr).
			Logger()
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn().Msg("journal flush denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn().Msg("journal flush denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn().Msg("journal flush denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.journal == nil {
			reqLogger.Warn().Msg("journal flush denied: journalling disabled")
			http.Error(w, "journalling is disabled", http.StatusServiceUnavailable)
			return
		}
		if err := h.journal.Flush(); err != nil {
			reqLogger.Error().Err(err).Msg("journal flush failed")
			http.Error(w, "failed to flush journal", http.StatusInternalServerError)
			return
		}
		reqLogger.Info().Str("dir", h.journal.Directory()).Msg("journal flushed")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: h.journal.Directory()})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
