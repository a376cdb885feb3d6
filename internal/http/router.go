package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/balloon-tracker-service/internal/observability"
)

// RouterConfig holds the transport settings for NewRouter.
type RouterConfig struct {
	// Limiter guards the API routes; nil disables rate limiting.
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// NewRouter mounts every route. /health and /metrics skip rate limiting and the request
// timeout so probes keep answering under load. CORS wraps the router so preflight requests
// are answered before route method matching.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.Use(SecurityHeadersMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	api.HandleFunc("/", h.GetRoot).Methods(http.MethodGet)
	api.HandleFunc("/", h.PostSubmission).Methods(http.MethodPost)
	api.HandleFunc("/trpc/{procedure}", h.GetProcedure).Methods(http.MethodGet)

	return CORSMiddleware(cfg.AllowedOrigins)(router)
}
