package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"election_results/pkg/config"
	"election_results/pkg/data"
	"election_results/pkg/ingest"
)

// Store is the read side of the repository the API serves from, plus the
// upload history.
type Store interface {
	GetUpload(ctx context.Context, id int64) (*data.Upload, error)
	ListUploads(ctx context.Context, filter data.UploadFilter) ([]*data.Upload, int64, error)
	UploadStats(ctx context.Context) (*data.UploadStats, error)
	GetTotals(ctx context.Context) (*data.Totals, error)
	ListConstituencies(ctx context.Context, filter data.ConstituencyFilter) ([]*data.ConstituencySummary, int64, error)
	GetConstituencyDetail(ctx context.Context, id int64) (*data.ConstituencyDetail, error)
	ListRegions(ctx context.Context) ([]*data.Region, error)
}

// Ingestor runs ingestion jobs.
type Ingestor interface {
	Run(ctx context.Context, r io.Reader, filename string) <-chan ingest.Event
}

// RollbackRunner runs rollback jobs.
type RollbackRunner interface {
	Run(ctx context.Context, uploadID int64) <-chan ingest.Event
}

// Server is the HTTP API.
type Server struct {
	store    Store
	pipeline Ingestor
	rollback RollbackRunner
	healthy  func() bool
	logger   *zap.Logger
	cfg      *config.ServerConfig

	httpServer *http.Server
}

// NewServer wires the API over the given components. healthy reports backend
// liveness for the health endpoint; nil means always healthy.
func NewServer(cfg *config.ServerConfig, store Store, pipeline Ingestor, rollback RollbackRunner, healthy func() bool, logger *zap.Logger) *Server {
	if healthy == nil {
		healthy = func() bool { return true }
	}
	s := &Server{
		store:    store,
		pipeline: pipeline,
		rollback: rollback,
		healthy:  healthy,
		logger:   logger,
		cfg:      cfg,
	}

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	})

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     corsMiddleware.Handler(s.routes()),
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/upload/stream", s.handleUploadStream)

	mux.HandleFunc("GET /api/uploads", s.handleListUploads)
	mux.HandleFunc("GET /api/uploads/stats", s.handleUploadStats)
	mux.HandleFunc("GET /api/uploads/{id}", s.handleGetUpload)
	mux.HandleFunc("DELETE /api/uploads/{id}", s.handleRollback)
	mux.HandleFunc("DELETE /api/uploads/{id}/stream", s.handleRollbackStream)

	mux.HandleFunc("GET /api/totals", s.handleTotals)
	mux.HandleFunc("GET /api/constituencies", s.handleListConstituencies)
	mux.HandleFunc("GET /api/constituencies/{id}", s.handleConstituencyDetail)
	mux.HandleFunc("GET /api/regions", s.handleListRegions)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withLogging(mux)
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
		s.logger.Debug("Request handled",
			zap.String("requestID", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Encoding response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, data.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, data.ErrAlreadyDeleted), errors.Is(err, ingest.ErrUploadInFlight):
		return http.StatusConflict
	case errors.Is(err, data.ErrInvalidFilter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
