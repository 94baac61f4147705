package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/aptos-positions/internal/aggregate"
	"github.com/yourorg/aptos-positions/internal/cache"
	"github.com/yourorg/aptos-positions/internal/degrade"
	"github.com/yourorg/aptos-positions/internal/model"
	"github.com/yourorg/aptos-positions/internal/pipeline"
	"github.com/yourorg/aptos-positions/internal/validation"
)

// PositionsResponse is the body of a successful position lookup. Partial is set when any
// data source failed and its contribution was replaced with defaults.
type PositionsResponse struct {
	Success bool               `json:"success"`
	Data    []model.Position   `json:"data"`
	Partial bool               `json:"partial,omitempty"`
	Summary *aggregate.Summary `json:"summary,omitempty"`
}

// Collect runs the pipeline for owner and builds the response. Failures are recorded on the
// degrade.Report in ctx; a panic is recovered into an empty partial response.
func Collect(ctx context.Context, p *pipeline.Pipeline, a pipeline.Adapter, owner string) (resp PositionsResponse) {
	defer func() {
		if rec := recover(); rec != nil {
			degrade.Logger(ctx).WithFields(logrus.Fields{
				"protocol": a.Name(),
				"panic":    rec,
			}).Error("Position aggregation failed")
			resp = PositionsResponse{Success: true, Data: []model.Position{}, Partial: true}
		}
	}()

	positions := validation.Sanitize(p.Run(ctx, a, owner), validation.DefaultOptions())
	summary := aggregate.Summarize(positions)
	return PositionsResponse{
		Success: true,
		Data:    positions,
		Partial: degrade.FromContext(ctx).Partial(),
		Summary: &summary,
	}
}

func (s *Server) handleUserPositions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	protocol := r.PathValue("protocol")

	adapter, ok := s.opts.Registry.Get(protocol)
	if !ok {
		s.opts.Metrics.ObserveRequest(protocol, "not_found", time.Since(start))
		errorResponse(w, http.StatusNotFound, "Unknown protocol")
		return
	}
	protocol = adapter.Name()

	owner, err := validation.AccountAddress(r.URL.Query().Get("address"))
	if err != nil {
		s.opts.Metrics.ObserveRequest(protocol, "bad_request", time.Since(start))
		if errors.Is(err, validation.ErrMissingAddress) {
			errorResponse(w, http.StatusBadRequest, "Address parameter is required")
		} else {
			errorResponse(w, http.StatusBadRequest, "Invalid address parameter")
		}
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"request_id": RequestID(r.Context()),
		"protocol":   protocol,
		"owner":      owner,
	})
	w.Header().Set("Cache-Control", s.cacheControl())

	key := cache.Key(protocol, owner)
	if body, ok := s.cached(r.Context(), log, key); ok {
		w.Header().Set("X-Cache", "HIT")
		s.opts.Metrics.ObserveRequest(protocol, "cached", time.Since(start))
		writeBody(w, http.StatusOK, body)
		return
	}

	report := degrade.NewReport(log, s.opts.Metrics.ObserveFailure)
	resp := Collect(degrade.WithReport(r.Context(), report), s.opts.Pipeline, adapter, owner)

	body, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Error("Failed to encode positions")
		body, _ = json.Marshal(PositionsResponse{Success: true, Data: []model.Position{}, Partial: true})
		resp.Partial = true
	}

	status := "ok"
	if resp.Partial {
		status = "partial"
	} else {
		s.store(r.Context(), log, key, body)
	}
	s.observePositions(protocol, resp.Data)
	s.opts.Metrics.ObserveRequest(protocol, status, time.Since(start))
	log.WithFields(logrus.Fields{
		"positions": len(resp.Data),
		"partial":   resp.Partial,
		"failures":  len(report.Failures()),
		"duration":  time.Since(start),
	}).Info("Served positions")

	w.Header().Set("X-Cache", "MISS")
	writeBody(w, http.StatusOK, body)
}

// cached looks up a stored response. Cache errors count as a miss.
func (s *Server) cached(ctx context.Context, log *logrus.Entry, key string) ([]byte, bool) {
	if s.opts.Cache == nil {
		return nil, false
	}
	body, ok, err := s.opts.Cache.Get(ctx, key)
	switch {
	case err != nil:
		log.WithError(err).Warn("Response cache lookup failed")
		s.opts.Metrics.ObserveCache("error")
		return nil, false
	case !ok:
		s.opts.Metrics.ObserveCache("miss")
		return nil, false
	}
	s.opts.Metrics.ObserveCache("hit")
	return body, true
}

func (s *Server) store(ctx context.Context, log *logrus.Entry, key string, body []byte) {
	if s.opts.Cache == nil || s.opts.CacheMaxAge <= 0 {
		return
	}
	if err := s.opts.Cache.Set(ctx, key, body, s.opts.CacheMaxAge); err != nil {
		log.WithError(err).Warn("Response cache write failed")
	}
}

func (s *Server) observePositions(protocol string, positions []model.Position) {
	var staked int
	for _, p := range positions {
		if p.Staked {
			staked++
		}
	}
	s.opts.Metrics.ObservePositions(protocol, true, staked)
	s.opts.Metrics.ObservePositions(protocol, false, len(positions)-staked)
}
