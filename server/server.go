// Package server exposes a Solver over HTTP.
//
// Routes:
//
//	POST /v1               solve, command taken from the "cmd" field
//	POST /:command         solve, command taken from the path
//	GET  /health           liveness
//	GET  /metrics          Prometheus metrics, when a gatherer is set
//	GET  /v1/history       recent solves, when a history store is set
//
// Solve failures are answered with HTTP 200 and status "error"; only bodies
// that are not valid JSON get a 400.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cloudflyer-project/flarebypass"
	"github.com/cloudflyer-project/flarebypass/internal/history"
	"github.com/cloudflyer-project/flarebypass/internal/metrics"
)

// Solver runs one solve request.
type Solver interface {
	Solve(ctx context.Context, req *flarebypass.Request) (*flarebypass.Response, error)
}

// History stores finished solves.
type History interface {
	Record(ctx context.Context, rec *history.SolveRecord) error
	List(ctx context.Context, limit int) ([]history.SolveRecord, error)
}

// Option configures a Server.
type Option func(*Server)

// WithHistory records every solve into h and serves GET /v1/history.
func WithHistory(h History) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithMetrics records HTTP metrics into m and serves g on GET /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server wraps the HTTP router and its dependencies.
type Server struct {
	solver   Solver
	history  History
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   zerolog.Logger

	router     *gin.Engine
	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a server for solver.
func New(solver Solver, opts ...Option) *Server {
	s := &Server{
		solver: solver,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.observe())

	router.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/v1/history", s.handleHistory)
	router.POST("/v1", s.handleSolve)
	router.POST("/:command", s.handleSolve)

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server")

	err := httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for running solves.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down HTTP server")
	return httpServer.Shutdown(ctx)
}

// observe logs and measures every request.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.metrics.RecordRequest(c.Request.Method, path, status, elapsed)
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("HTTP request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  flarebypass.StatusOK,
		"version": flarebypass.Version,
	})
}

func (s *Server) handleSolve(c *gin.Context) {
	var body flarebypass.APIRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  flarebypass.StatusError,
			"message": "Error: invalid request body: " + err.Error(),
		})
		return
	}
	if command := c.Param("command"); command != "" {
		body.Command = command
	}

	req := body.ToRequest()
	start := time.Now()
	res, err := s.solver.Solve(c.Request.Context(), req)
	end := time.Now()

	s.record(c.Request.Context(), req, res, err, start, end)
	c.JSON(http.StatusOK, flarebypass.NewAPIResponse(start, end, res, err))
}

func (s *Server) record(ctx context.Context, req *flarebypass.Request, res *flarebypass.Response, err error, start, end time.Time) {
	if s.history == nil {
		return
	}

	command := req.Command
	if command == "" {
		command = flarebypass.DefaultCommand
	}
	rec := &history.SolveRecord{
		URL:        req.URL,
		Command:    command,
		Proxy:      flarebypass.RedactProxy(req.Proxy),
		StartedAt:  start,
		DurationMS: end.Sub(start).Milliseconds(),
	}
	if err != nil {
		rec.Status = flarebypass.StatusError
		rec.Message = err.Error()
		var solveErr *flarebypass.SolverError
		if errors.As(err, &solveErr) {
			rec.FailedStep = solveErr.Step
		}
	} else {
		rec.Status = flarebypass.StatusOK
		rec.Message = res.Message
		rec.CookieCount = len(res.Cookies)
		rec.UserAgent = res.UserAgent
	}

	// The client may be gone already; the record is still wanted.
	if err := s.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record solve")
	}
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"status":  flarebypass.StatusError,
			"message": "Error: history is disabled",
		})
		return
	}

	limit := history.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  flarebypass.StatusError,
				"message": "Error: limit should be a positive integer",
			})
			return
		}
		limit = n
	}

	records, err := s.history.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  flarebypass.StatusError,
			"message": "Error: " + err.Error(),
		})
		return
	}
	if records == nil {
		records = []history.SolveRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  flarebypass.StatusOK,
		"records": records,
	})
}
