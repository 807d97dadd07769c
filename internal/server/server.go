// Package server exposes the extraction pipeline and review workflow over
// HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/mov-extract/internal/config"
	"github.com/sells-group/mov-extract/internal/document"
	"github.com/sells-group/mov-extract/internal/monitoring"
	"github.com/sells-group/mov-extract/internal/pipeline"
	"github.com/sells-group/mov-extract/internal/review"
	"github.com/sells-group/mov-extract/internal/store"
)

// ActorHeader carries the reviewer identity on review and correction
// requests.
const ActorHeader = "X-Actor"

const defaultMaxUpload = 50 << 20

// Extractor runs the pipeline on one uploaded document.
type Extractor interface {
	Extract(ctx context.Context, data []byte, format document.Format, sourceID, filename string) (*pipeline.Result, error)
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	extractor Extractor
	store     store.Store
	corrector *review.Corrector
	monitor   *monitoring.Collector
	maxUpload int64
	origins   []string
	now       func() time.Time
}

// New creates a Server.
func New(cfg config.ServerConfig, ex Extractor, st store.Store, corr *review.Corrector) *Server {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &Server{
		extractor: ex,
		store:     st,
		corrector: corr,
		monitor:   monitoring.NewCollector(st),
		maxUpload: maxUpload,
		origins:   cfg.CORSOrigins,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", ActorHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/reports", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Get("/log", s.handleLog)
			r.Post("/review", s.handleReview)
			r.Post("/corrections", s.handleCorrection)
		})
	})
	r.Get("/review-queue", s.handleReviewQueue)
	r.Get("/failures", s.handleFailures)
	r.Get("/status", s.handleStatus)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
