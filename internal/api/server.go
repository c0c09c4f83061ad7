/**
 * HTTP API for the voter-roll import worker
 *
 * Upload rolls, follow and manage import jobs, parse text on demand and
 * query near-duplicate voters.
 */

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voteraction/rollimport-worker/internal/config"
	"github.com/voteraction/rollimport-worker/internal/logging"
	"github.com/voteraction/rollimport-worker/internal/queue"
	"github.com/voteraction/rollimport-worker/internal/storage"
)

// Store is the storage the API reads and manages jobs through.
type Store interface {
	CreateJob(ctx context.Context, job *storage.Job) error
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	GetJob(ctx context.Context, jobID string) (*storage.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*storage.Job, error)
	DeleteJob(ctx context.Context, jobID string) (*storage.Job, int, error)
	UpdateJobLocation(ctx context.Context, jobID string, loc storage.JobLocation) (*storage.Job, int, error)
	GetVoter(ctx context.Context, epic string) (*storage.VoterRecord, error)
	SimilarityEnabled() bool
	FindSimilarVoters(ctx context.Context, epic string, limit int) ([]storage.SimilarVoter, error)
	Ping(ctx context.Context) error
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// ServerConfig holds API dependencies
type ServerConfig struct {
	Store       Store
	Queue       queue.Producer
	Profile     *config.Profile
	UploadDir   string
	MaxFileSize int64
}

// Server serves the HTTP API
type Server struct {
	config *ServerConfig
	router *chi.Mux
	logger *logging.Logger
}

// NewServer builds the router
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue producer is required")
	}
	if cfg.UploadDir == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if cfg.Profile == nil {
		cfg.Profile = config.DefaultProfile()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 100 << 20
	}

	s := &Server{
		config: cfg,
		logger: logging.NewLogger("API"),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/parse", s.handleParse)
		r.Get("/stats", s.handleStats)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJobs)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Patch("/{id}", s.handleUpdateJobLocation)
			r.Delete("/{id}", s.handleDeleteJob)
		})

		r.Get("/voters/{epic}", s.handleGetVoter)
		r.Get("/voters/{epic}/similar", s.handleSimilarVoters)
	})

	return r
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
