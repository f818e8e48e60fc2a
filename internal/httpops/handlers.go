package httpops

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pathfinder/internal/logging"
)

// DomainStats exposes the counters a single domain contributes to /stats.
type DomainStats struct {
	Name          string
	Clients       int
	Services      int
	Subscriptions int
	Orphans       int
}

// StatsProvider supplies a point-in-time snapshot across every configured
// domain, implemented by *server.Server.
type StatsProvider interface {
	Stats() []DomainStats
	Uptime() time.Duration
	Draining() bool
}

// RateLimiter gates how frequently a handler may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Stats       StatsProvider
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles Pathfinder's admin/ops HTTP handlers.
type HandlerSet struct {
	logger      *logging.Logger
	stats       StatsProvider
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{logger: logger, stats: opts.Stats, rateLimiter: opts.RateLimiter, now: now}
}

// Register attaches every ops handler to mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/healthz", h.HealthHandler())
	mux.HandleFunc("/stats", h.StatsHandler())
}

// HealthHandler reports whether the process is alive and accepting
// connections, its uptime, and how many domains it serves; status flips to
// "draining" once shutdown has begun closing listeners (§13).
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Timestamp     string  `json:"timestamp"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Domains       int     `json:"domains"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{Status: "ok", Timestamp: h.now().UTC().Format(time.RFC3339Nano)}
		if h.stats != nil {
			resp.UptimeSeconds = h.stats.Uptime().Seconds()
			resp.Domains = len(h.stats.Stats())
			if h.stats.Draining() {
				resp.Status = "draining"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// StatsHandler reports per-domain resource counters, rate limited to avoid
// becoming a cheap denial-of-service vector against the domain mutex.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	type domainResponse struct {
		Name          string `json:"name"`
		Clients       int    `json:"clients"`
		Services      int    `json:"services"`
		Subscriptions int    `json:"subscriptions"`
		Orphans       int    `json:"orphans"`
	}
	type response struct {
		UptimeSeconds float64          `json:"uptime_seconds"`
		Domains       []domainResponse `json:"domains"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		resp := response{}
		if h.stats != nil {
			resp.UptimeSeconds = h.stats.Uptime().Seconds()
			for _, d := range h.stats.Stats() {
				resp.Domains = append(resp.Domains, domainResponse{
					Name:          d.Name,
					Clients:       d.Clients,
					Services:      d.Services,
					Subscriptions: d.Subscriptions,
					Orphans:       d.Orphans,
				})
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.L().Warn("httpops: failed to encode response", logging.Error(err))
		fmt.Fprintf(w, `{"error":"encode failed"}`)
	}
}
