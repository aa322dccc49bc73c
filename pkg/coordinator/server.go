package coordinator

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/distbuild/pkg/config"
	"github.com/cuemby/distbuild/pkg/log"
	"github.com/cuemby/distbuild/pkg/metrics"
	"github.com/cuemby/distbuild/pkg/storage"
)

// Server is the coordinator's HTTP+WebSocket API: the system's external
// surface and the enforcement point for authentication, authorization,
// and quotas. It holds no cross-request state beyond its Store handle and
// static configuration.
type Server struct {
	store  storage.Store
	cfg    config.Config
	logger zerolog.Logger

	upgrader websocket.Upgrader
}

// NewServer constructs a Server bound to store and configured by cfg.
func NewServer(cfg config.Config, store storage.Store) *Server {
	return &Server{
		store:  store,
		cfg:    cfg,
		logger: log.Logger.With().Str("component", "coordinator").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the routed, instrumented http.Handler for the coordinator
// API. Go's net/http.ServeMux method+pattern syntax (since Go 1.22) does
// the job a third-party router would otherwise do.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/{id}/logs", s.handleGetLogs)
	mux.HandleFunc("GET /v1/jobs/{id}/logs/ws", s.handleLogsWS)

	mux.HandleFunc("POST /v1/worker/claim", s.handleClaim)
	mux.HandleFunc("POST /v1/worker/jobs/{id}/logs", s.handleAppendLogs)
	mux.HandleFunc("POST /v1/worker/jobs/{id}/finish", s.handleFinish)

	return instrument(mux)
}

// instrument wraps handler with the api_requests_total / duration metrics
// the teacher's own gRPC layer applies per-method, reapplied here per HTTP
// route.
func instrument(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)

		// ServeMux records the matched pattern (e.g. "POST /v1/jobs") on r;
		// requests that matched no route fall back to the bare method.
		route := r.Pattern
		if route == "" {
			route = r.Method
		}
		status := statusBucket(rec.status)
		metrics.APIRequestsTotal.WithLabelValues(route, status).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes connection takeover through to the underlying writer so the
// WebSocket upgrade in handleLogsWS works behind this recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func statusBucket(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// NewHTTPServer wraps Handler in an http.Server with the teacher's
// Read/Write/Idle timeout convention for production listeners.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
