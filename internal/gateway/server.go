// Package gateway exposes the turn engine over HTTP with SSE streaming.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arcfield/parley/internal/logging"
	"github.com/arcfield/parley/internal/metrics"
	"github.com/arcfield/parley/internal/orchestrator"
)

// Options wires a Server.
type Options struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Store        orchestrator.ConversationStore
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry // serves /metrics; nil disables the endpoint
	Log          *logging.Logger
	Version      string
}

// Server is the parley HTTP gateway.
type Server struct {
	addr     string
	orch     *orchestrator.Orchestrator
	store    orchestrator.ConversationStore
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	log      *logging.Logger
	version  string

	httpServer *http.Server
}

// New creates a gateway server.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		addr:     opts.Addr,
		orch:     opts.Orchestrator,
		store:    opts.Store,
		metrics:  opts.Metrics,
		registry: opts.Registry,
		log:      log.Sub("gateway"),
		version:  opts.Version,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", handleNotFound)
	return s.withObservability(mux)
}

// Start begins listening. It blocks until the context is cancelled or an
// error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE responses stay open for the whole turn.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.log.Info().Str("addr", ln.Addr().String()).Str("version", s.version).Msg("gateway starting")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// withObservability logs each request and feeds the HTTP counter.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			s.metrics.HTTPRequestCounter.
				WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		}
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so SSE streaming works behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
