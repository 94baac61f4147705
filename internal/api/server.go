// Package api exposes the position aggregation over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/aptos-positions/internal/cache"
	"github.com/yourorg/aptos-positions/internal/circuitbreaker"
	"github.com/yourorg/aptos-positions/internal/metrics"
	"github.com/yourorg/aptos-positions/internal/pipeline"
	"github.com/yourorg/aptos-positions/internal/tokenlist"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// Options holds the server dependencies. Cache, Metrics, Breakers and Tokens may be nil.
type Options struct {
	Registry *pipeline.Registry
	Pipeline *pipeline.Pipeline
	Cache    cache.Cache
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Breakers *circuitbreaker.Set
	Tokens   *tokenlist.List

	CacheMaxAge    time.Duration
	CacheSWR       time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

// Server serves the position, token and operational endpoints.
type Server struct {
	opts      Options
	limiter   *rate.Limiter
	startTime time.Time
}

// New creates a server. A non-positive RateLimitRPS disables inbound rate limiting.
func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &Server{opts: opts, startTime: time.Now()}
	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}
	return s
}

// Handler returns the routed handler with request ids and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/protocols/{protocol}/userPositions", s.limit(s.handleUserPositions))
	// The token list is also the resolver's self-call fallback, so it stays outside the
	// inbound limiter that position requests pass through.
	mux.HandleFunc("GET /api/tokens", s.handleTokens)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /status", s.handleStatus)

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", RequestIDHeader},
	})
	return withRequestID(c.Handler(mux))
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "operational",
		"uptime": time.Since(s.startTime).String(),
	}
	if s.opts.Registry != nil {
		status["protocols"] = s.opts.Registry.Names()
	}
	if s.opts.Breakers != nil {
		status["breakers"] = s.opts.Breakers.States()
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) cacheControl() string {
	return fmt.Sprintf("public, max-age=%d, stale-while-revalidate=%d",
		int(s.opts.CacheMaxAge.Seconds()), int(s.opts.CacheSWR.Seconds()))
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Error("Failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBody(w, status, body)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logrus.WithError(err).Debug("Failed to write response")
	}
}

// errorResponse writes {"error": message}.
func errorResponse(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
