// Package server exposes the read-side HTTP API of patternd.
//
// The API serves queries over the pattern repository plus two operator
// actions (evaluate, disable). Writes to pattern state otherwise flow
// exclusively through the event bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/fyrsmithlabs/patternd/internal/evaluator"
	"github.com/fyrsmithlabs/patternd/internal/feedback"
	"github.com/fyrsmithlabs/patternd/internal/forecast"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// Deps are the server's collaborators.
type Deps struct {
	Config   *config.Config
	Store    store.PatternStore
	Feedback feedback.Service
	Promoter *evaluator.Promoter
	Demoter  *evaluator.Demoter

	// Forecast is optional; without it the forecast route reports 404.
	Forecast *forecast.Estimator

	// Gatherer backs /metrics. Defaults to the global prometheus gatherer.
	Gatherer prometheus.Gatherer

	Logger *zap.Logger
}

// Server is the patternd HTTP server.
type Server struct {
	deps   Deps
	echo   *echo.Echo
	tracer trace.Tracer
}

// HealthResponse is the JSON response for the /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates the HTTP server and registers all routes.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("pattern store cannot be nil")
	}
	if deps.Feedback == nil {
		return nil, fmt.Errorf("feedback service cannot be nil")
	}
	if deps.Promoter == nil || deps.Demoter == nil {
		return nil, fmt.Errorf("evaluators cannot be nil")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{deps: deps, echo: e, tracer: otel.Tracer("patternd/server")}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/patterns", s.handleListPatterns)
	v1.GET("/patterns/:id", s.handleGetPattern)
	v1.GET("/patterns/:id/audit", s.handleAuditTrail)
	v1.GET("/patterns/:id/forecast", s.handleForecast)
	v1.GET("/recommendations", s.handleRecommendations)
	v1.POST("/patterns/:id/evaluate", s.handleEvaluate)
	v1.POST("/patterns/:id/disable", s.handleDisable)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.deps.Config.Server.ServiceName,
	})
}

// listResponse wraps a page of patterns.
type listResponse struct {
	Patterns []pattern.PatternRecord `json:"patterns"`
	Count    int                     `json:"count"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
}

func (s *Server) handleListPatterns(c echo.Context) error {
	filter := store.ListFilter{
		DomainID:    c.QueryParam("domain"),
		CurrentOnly: true,
	}

	if raw := c.QueryParam("status"); raw != "" {
		status := pattern.Status(raw)
		if !status.Valid() {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown status: " + raw})
		}
		filter.Status = status
	}
	if raw := c.QueryParam("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "min_confidence must be a number in [0, 1]"})
		}
		filter.MinConfidence = v
	}
	var err error
	if filter.Limit, err = intParam(c, "limit"); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if filter.Offset, err = intParam(c, "offset"); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	filter = filter.Clamp()

	// An unknown domain yields an empty page, not an error: the caller
	// cannot distinguish "no such domain" from "no patterns yet".
	page, err := s.deps.Store.List(c.Request().Context(), filter)
	if err != nil {
		return s.storeError(c, err)
	}
	if page == nil {
		page = []pattern.PatternRecord{}
	}

	return c.JSON(http.StatusOK, listResponse{
		Patterns: page,
		Count:    len(page),
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	})
}

func (s *Server) handleGetPattern(c echo.Context) error {
	rec, err := s.deps.Store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleAuditTrail(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := s.deps.Store.Get(ctx, id); err != nil {
		return s.storeError(c, err)
	}
	trail, err := s.deps.Store.AuditTrail(ctx, id)
	if err != nil {
		return s.storeError(c, err)
	}
	if trail == nil {
		trail = []pattern.AuditEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"pattern_id": id, "audit": trail})
}

// forecastResponse reports the latency/cost baselines for one pattern.
type forecastResponse struct {
	PatternID string                   `json:"pattern_id"`
	Metrics   map[string]metricSummary `json:"metrics"`
}

type metricSummary struct {
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	Mean    float64 `json:"mean"`
	Samples int     `json:"samples"`
}

func (s *Server) handleForecast(c echo.Context) error {
	if s.deps.Forecast == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "forecasting not enabled"})
	}

	id := c.Param("id")
	if _, err := s.deps.Store.Get(c.Request().Context(), id); err != nil {
		return s.storeError(c, err)
	}

	resp := forecastResponse{PatternID: id, Metrics: map[string]metricSummary{}}
	for _, metric := range []forecast.Metric{forecast.MetricLatency, forecast.MetricCost} {
		p50, p95, ok := s.deps.Forecast.Baseline(id, metric)
		if !ok {
			continue
		}
		resp.Metrics[string(metric)] = metricSummary{
			P50:     p50,
			P95:     p95,
			Mean:    s.deps.Forecast.Mean(id, metric),
			Samples: s.deps.Forecast.SampleCount(id, metric),
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRecommendations(c echo.Context) error {
	minConfidence := 0.0
	if raw := c.QueryParam("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "min_confidence must be a number in [0, 1]"})
		}
		minConfidence = v
	}

	recs, err := s.deps.Feedback.Recommended(c.Request().Context(), minConfidence, c.QueryParam("node_type"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "recommendation query failed"})
	}
	if recs == nil {
		recs = []feedback.Recommendation{}
	}
	return c.JSON(http.StatusOK, map[string]any{"recommendations": recs})
}

func (s *Server) handleEvaluate(c echo.Context) error {
	dryRun := false
	if raw := c.QueryParam("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "dry_run must be a boolean"})
		}
		dryRun = v
	}

	id := c.Param("id")
	ctx, span := s.tracer.Start(c.Request().Context(), "server.evaluate",
		trace.WithAttributes(
			attribute.String("pattern.id", id),
			attribute.Bool("dry_run", dryRun)))
	defer span.End()

	// Degradation outranks promotion, same as the background pool.
	decision, err := s.deps.Demoter.Evaluate(ctx, id, dryRun)
	if err != nil {
		return s.evaluateError(c, err)
	}
	if !decision.Eligible {
		decision, err = s.deps.Promoter.Evaluate(ctx, id, dryRun)
		if err != nil {
			return s.evaluateError(c, err)
		}
	}
	return c.JSON(http.StatusOK, decision)
}

// disableRequest is the body of POST /patterns/:id/disable.
type disableRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *Server) handleDisable(c echo.Context) error {
	var req disableRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if req.Reason == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "reason is required"})
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	id := c.Param("id")
	ctx, span := s.tracer.Start(c.Request().Context(), "server.disable",
		trace.WithAttributes(attribute.String("pattern.id", id)))
	defer span.End()

	if err := s.deps.Demoter.Disable(ctx, id, req.Reason, req.Actor); err != nil {
		if errors.Is(err, pattern.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "pattern not found"})
		}
		s.deps.Logger.Error("disable failed", zap.String("pattern_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "disable failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"pattern_id": id, "status": string(pattern.StatusDeprecated)})
}

// storeError maps repository errors onto HTTP statuses. Rows that fail
// invariant checks on read are a gateway-style failure: the store is
// reachable but its content is not trustworthy.
func (s *Server) storeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, pattern.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "pattern not found"})
	case errors.Is(err, pattern.ErrSchemaViolation):
		s.deps.Logger.Error("schema violation on read", zap.Error(err))
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "unexpected schema"})
	default:
		s.deps.Logger.Error("store query failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) evaluateError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, pattern.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "pattern not found"})
	case errors.Is(err, pattern.ErrPatternDisabled):
		return c.JSON(http.StatusConflict, errorResponse{Error: "pattern is deprecated"})
	case errors.Is(err, pattern.ErrStatusConflict):
		return c.JSON(http.StatusConflict, errorResponse{Error: "pattern already transitioned"})
	default:
		s.deps.Logger.Error("evaluation failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "evaluation failed"})
	}
}

// Start runs the server and blocks until ctx is cancelled, then performs
// a graceful shutdown bounded by the configured timeout. Returns
// http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.deps.Config.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.deps.Config.Server.ShutdownTimeout.Duration(),
		)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// intParam parses a non-negative integer query parameter, 0 when absent.
func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}
