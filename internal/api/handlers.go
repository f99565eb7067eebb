package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/correlation"
	"github.com/lvonguyen/threatlens/internal/enrichment"
	"github.com/lvonguyen/threatlens/internal/events"
	"github.com/lvonguyen/threatlens/internal/feeds"
	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/scheduler"
)

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.deps.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	runCheck := func(name string, check Check) {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	runCheck("store", s.deps.Store.Ping)
	for name, check := range s.deps.ReadyChecks {
		runCheck(name, check)
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// Indicator handlers

func (s *Server) handleListIndicators(w http.ResponseWriter, r *http.Request) {
	empty := []indicator.Indicator{}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), empty)
		return
	}

	var inds []indicator.Indicator
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := indicator.ParseType(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error(), empty)
			return
		}
		inds, err = s.deps.Store.RecentByType(r.Context(), t, limit)
		if err != nil {
			s.storeFailure(w, "list indicators", err, empty)
			return
		}
	} else {
		inds, err = s.deps.Store.Recent(r.Context(), limit)
		if err != nil {
			s.storeFailure(w, "list indicators", err, empty)
			return
		}
	}
	if inds == nil {
		inds = empty
	}
	s.writeList(w, inds, len(inds))
}

func (s *Server) handleGetIndicator(w http.ResponseWriter, r *http.Request) {
	t, err := indicator.ParseType(chi.URLParam(r, "type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	value := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(value); err == nil {
		value = unescaped
	}
	if strings.TrimSpace(value) == "" {
		s.writeError(w, http.StatusBadRequest, "indicator value is required", nil)
		return
	}

	ind, err := s.deps.Store.Get(r.Context(), t, value)
	if err != nil {
		s.storeFailure(w, "get indicator", err, nil)
		return
	}
	s.writeData(w, http.StatusOK, ind)
}

type submitIndicatorRequest struct {
	Type        string            `json:"type" validate:"omitempty,max=32"`
	Value       string            `json:"value" validate:"required,max=2048"`
	Description string            `json:"description" validate:"max=1024"`
	Severity    string            `json:"severity" validate:"omitempty,oneof=low medium high critical"`
	Confidence  float64           `json:"confidence" validate:"gte=0,lte=100"`
	Tags        []string          `json:"tags" validate:"max=32,dive,required,max=64"`
	Source      string            `json:"source" validate:"omitempty,max=64"`
	Metadata    map[string]string `json:"metadata" validate:"max=32"`
}

type submitIndicatorResponse struct {
	Indicator indicator.Indicator `json:"indicator"`
	Created   bool                `json:"created"`
}

func (s *Server) handleSubmitIndicator(w http.ResponseWriter, r *http.Request) {
	var req submitIndicatorRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	cand := indicator.Candidate{
		Value:       req.Value,
		Description: req.Description,
		Confidence:  indicator.ClampConfidence(req.Confidence),
		Tags:        req.Tags,
		Metadata:    req.Metadata,
	}
	if req.Type != "" {
		t, err := indicator.ParseType(req.Type)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		cand.Type = t
	}
	if sev, ok := indicator.ParseSeverity(req.Severity); ok {
		cand.Severity = sev
	}

	res, err := s.deps.Collector.Submit(r.Context(), cand, req.Source)
	if err != nil {
		s.storeFailure(w, "submit indicator", err, nil)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	s.writeData(w, status, submitIndicatorResponse{Indicator: res.Indicator, Created: res.Created})
}

// Alert handlers

type createAlertRequest struct {
	Title           string   `json:"title" validate:"required,max=256"`
	Severity        string   `json:"severity" validate:"required,oneof=low medium high critical"`
	Source          string   `json:"source" validate:"omitempty,max=64"`
	IndicatorValues []string `json:"indicator_values" validate:"max=100,dive,required,max=2048"`
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	sev, _ := indicator.ParseSeverity(req.Severity)
	source := req.Source
	if source == "" {
		source = feeds.ManualSource
	}
	values := req.IndicatorValues
	if values == nil {
		values = []string{}
	}

	alert, err := s.deps.Store.AddAlert(r.Context(), indicator.Alert{
		Title:           req.Title,
		Severity:        sev,
		Source:          source,
		IndicatorValues: values,
	})
	if err != nil {
		s.storeFailure(w, "create alert", err, nil)
		return
	}
	if err := s.deps.Publisher.Publish(r.Context(), events.AlertEvent(alert)); err != nil {
		s.logger.Warn("Failed to publish alert event", zap.String("alert_id", alert.ID), zap.Error(err))
	}
	s.writeData(w, http.StatusCreated, alert)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	empty := []indicator.Alert{}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), empty)
		return
	}
	alerts, err := s.deps.Store.RecentAlerts(r.Context(), limit)
	if err != nil {
		s.storeFailure(w, "list alerts", err, empty)
		return
	}
	if alerts == nil {
		alerts = empty
	}
	s.writeList(w, alerts, len(alerts))
}

// Feed handlers

type feedHealthResponse struct {
	Feeds        []feeds.FeedHealth `json:"feeds"`
	HealthyRatio float64            `json:"healthy_ratio"`
}

func (s *Server) handleFeedHealth(w http.ResponseWriter, r *http.Request) {
	health := s.deps.Collector.Health()
	if health == nil {
		health = []feeds.FeedHealth{}
	}
	s.writeData(w, http.StatusOK, feedHealthResponse{Feeds: health, HealthyRatio: s.deps.Collector.HealthyRatio()})
}

// handleFeedSync syncs one feed with ?feed=name, or all feeds through the
// scheduler. A feed that is already syncing answers 409.
func (s *Server) handleFeedSync(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("feed"); name != "" {
		fr, err := s.deps.Collector.SyncFeed(r.Context(), name)
		switch {
		case errors.Is(err, feeds.ErrSyncInProgress):
			s.writeError(w, http.StatusConflict, err.Error(), fr)
		case errors.Is(err, feeds.ErrUnknownFeed):
			s.writeError(w, http.StatusNotFound, err.Error(), fr)
		case err != nil:
			s.writeError(w, storeStatus(err), err.Error(), fr)
		default:
			s.writeData(w, http.StatusOK, fr)
		}
		return
	}

	var err error
	if s.deps.Scheduler != nil {
		err = s.deps.Scheduler.Trigger(r.Context(), scheduler.JobFeedSync)
	} else {
		_, err = s.deps.Collector.SyncAll(r.Context())
	}
	report, _ := s.deps.Collector.LastReport()
	if report.Feeds == nil {
		report.Feeds = []feeds.FeedReport{}
	}
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		s.writeError(w, http.StatusConflict, "feed sync already running", report)
	case err != nil:
		s.writeError(w, storeStatus(err), err.Error(), report)
	default:
		s.writeData(w, http.StatusOK, report)
	}
}

// Enrichment handlers

func (s *Server) handleGeo(w http.ResponseWriter, r *http.Request) {
	loc, err := s.deps.Geo.Locate(r.Context(), chi.URLParam(r, "ip"))
	switch {
	case errors.Is(err, enrichment.ErrInvalidIP):
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
	case err != nil:
		s.writeError(w, http.StatusGatewayTimeout, err.Error(), loc)
	default:
		s.writeData(w, http.StatusOK, loc)
	}
}

type threatMapResponse struct {
	Success  bool                         `json:"success"`
	Error    string                       `json:"error,omitempty"`
	Threats  []enrichment.Threat          `json:"threats"`
	Metadata enrichment.ThreatMapMetadata `json:"metadata"`
}

func (s *Server) handleThreatMap(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.ThreatMap.Build(r.Context())
	resp := threatMapResponse{Success: err == nil, Threats: m.Threats, Metadata: m.Metadata}
	if resp.Threats == nil {
		resp.Threats = []enrichment.Threat{}
	}
	if err != nil {
		s.logger.Warn("Threat map failed", zap.Error(err))
		resp.Error = err.Error()
		s.writeJSON(w, storeStatus(err), resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type correlationResponse struct {
	Success  bool                 `json:"success"`
	Error    string               `json:"error,omitempty"`
	Nodes    []correlation.Node   `json:"nodes"`
	Links    []correlation.Link   `json:"links"`
	Metadata correlation.Metadata `json:"metadata"`
}

// handleCorrelation serves the latest refreshed graph, or builds one when
// ?fresh=true or nothing has been refreshed yet.
func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	g, ok := s.deps.Correlation.Latest()
	var err error
	if r.URL.Query().Get("fresh") == "true" || !ok {
		g, err = s.deps.Correlation.Build(r.Context())
	}
	if g == nil {
		g = correlation.Empty(time.Now().UTC())
	}
	resp := correlationResponse{Success: err == nil, Nodes: g.Nodes, Links: g.Links, Metadata: g.Metadata}
	if err != nil {
		s.logger.Warn("Correlation build failed", zap.Error(err))
		resp.Error = err.Error()
		s.writeJSON(w, storeStatus(err), resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// Job handlers

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeList(w, []scheduler.Status{}, 0)
		return
	}
	st := s.deps.Scheduler.Statuses()
	s.writeList(w, st, len(st))
}

func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, http.StatusNotFound, "scheduler disabled", nil)
		return
	}
	err := s.deps.Scheduler.Trigger(r.Context(), chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		s.writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, scheduler.ErrBusy):
		s.writeError(w, http.StatusConflict, err.Error(), nil)
	case err != nil:
		s.writeError(w, storeStatus(err), err.Error(), nil)
	default:
		s.writeData(w, http.StatusOK, map[string]string{"job": chi.URLParam(r, "name"), "status": "completed"})
	}
}

func (s *Server) storeFailure(w http.ResponseWriter, op string, err error, empty any) {
	status := storeStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", zap.String("op", op), zap.Error(err))
	}
	s.writeError(w, status, err.Error(), empty)
}
