package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/balloon-tracker-service/internal/degraded"
	"github.com/kjstillabower/balloon-tracker-service/internal/lifecycle"
	"github.com/kjstillabower/balloon-tracker-service/internal/models"
	"github.com/kjstillabower/balloon-tracker-service/internal/observability"
	"github.com/kjstillabower/balloon-tracker-service/internal/overload"
	"github.com/kjstillabower/balloon-tracker-service/internal/submission"
)

const (
	maxSubmissionBytes = 64 << 10
	healthPingTimeout  = 2 * time.Second
)

// Queries is the read side served under /trpc.
type Queries interface {
	GetLocation(ctx context.Context) (*models.LocationReport, error)
	GetWeather(ctx context.Context) (*models.WeatherReport, error)
	GetLocations(ctx context.Context, limit int) ([]models.LocationReport, error)
	GetWeathers(ctx context.Context, limit int) ([]models.WeatherReport, error)
	Ping(ctx context.Context) error
}

// Submitter accepts raw sensor payloads.
type Submitter interface {
	Submit(ctx context.Context, body []byte, transport string) (submission.Result, error)
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	RateLimitBurst       int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// SyncEnabled reports the ingest check as disabled rather than healthy when false.
	SyncEnabled bool
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	queries          Queries
	submitter        Submitter
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(queries Queries, submitter Submitter, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		queries:      queries,
		submitter:    submitter,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetRoot handles GET /.
func (h *Handler) GetRoot(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "Hello from api-server")
}

// PostSubmission handles POST /, the sensor logger upload.
func (h *Handler) PostSubmission(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFrom(r.Context(), h.logger)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	if err != nil {
		logger.Debug("read submission body failed", zap.Error(err))
		writeText(w, http.StatusBadRequest, "Invalid data")
		return
	}

	if _, err := h.submitter.Submit(r.Context(), body, "http"); err != nil {
		if errors.Is(err, submission.ErrInvalid) {
			writeText(w, http.StatusBadRequest, "Invalid data")
			return
		}
		writeText(w, http.StatusInternalServerError, "Failed to store data")
		return
	}
	writeText(w, http.StatusOK, "Data received")
}

// trpcResponse is the success envelope tRPC clients unwrap.
type trpcResponse struct {
	Result struct {
		Data interface{} `json:"data"`
	} `json:"result"`
}

// GetProcedure handles GET /trpc/{procedure}.
func (h *Handler) GetProcedure(w http.ResponseWriter, r *http.Request) {
	procedure := mux.Vars(r)["procedure"]
	ctx := r.Context()

	var (
		data interface{}
		err  error
	)
	switch procedure {
	case "hello":
		data = "Hello world!"
	case "getLocation":
		data, err = nilIfEmpty(h.queries.GetLocation(ctx))
	case "getWeather":
		data, err = nilIfEmpty(h.queries.GetWeather(ctx))
	case "getLocations", "getWeathers":
		limit, perr := parseLimit(r)
		if perr != nil {
			writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", perr.Error())
			return
		}
		if procedure == "getLocations" {
			data, err = emptyIfNil(h.queries.GetLocations(ctx, limit))
		} else {
			data, err = emptyIfNil(h.queries.GetWeathers(ctx, limit))
		}
	default:
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no procedure on path \""+procedure+"\"")
		return
	}
	if err != nil {
		writeQueryError(w, r, err)
		return
	}

	var resp trpcResponse
	resp.Result.Data = data
	writeJSON(w, http.StatusOK, resp)
}

// nilIfEmpty keeps a nil record pointer as JSON null instead of a typed nil.
func nilIfEmpty[T any](v *T, err error) (interface{}, error) {
	if err != nil || v == nil {
		return nil, err
	}
	return v, nil
}

func emptyIfNil[T any](list []T, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []T{}
	}
	return list, nil
}

// parseLimit reads an optional limit from ?limit=N or the tRPC input {"limit":N}.
// Absent means all records.
func parseLimit(r *http.Request) (int, error) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return 0, errors.New("limit must be a non-negative integer")
		}
		return n, nil
	}
	if s := q.Get("input"); s != "" {
		var input struct {
			Limit *int `json:"limit"`
		}
		if err := json.Unmarshal([]byte(s), &input); err != nil {
			return 0, errors.New("input must be a JSON object")
		}
		if input.Limit == nil {
			return 0, nil
		}
		if *input.Limit < 0 {
			return 0, errors.New("limit must be a non-negative integer")
		}
		return *input.Limit, nil
	}
	return 0, nil
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()
	storageErr := h.queries.Ping(ctx)
	result := h.computeHealthStatus(storageErr)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"storage": "healthy", "ingest": "healthy"}
	if storageErr != nil {
		checks["storage"] = "unhealthy"
	}
	if h.healthConfig != nil {
		if !h.healthConfig.SyncEnabled {
			checks["ingest"] = "disabled"
		} else if degraded.IsDegraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
			checks["ingest"] = "unhealthy"
		}
		if h.healthConfig.CachePing != nil {
			if h.healthConfig.CachePing() == nil {
				checks["cache"] = "healthy"
			} else {
				checks["cache"] = "unhealthy"
			}
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > storage unreachable > overloaded > ingest degraded > healthy.
// A degraded ingest path still answers reads, so it stays 200.
func (h *Handler) computeHealthStatus(storageErr error) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !lifecycle.IsReady() {
		return healthResult{"starting", http.StatusServiceUnavailable, "ready_delay"}
	}
	if storageErr != nil {
		return healthResult{"unhealthy", http.StatusServiceUnavailable, "storage_unreachable"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if overload.IsOverloaded(h.healthConfig.OverloadWindow, h.healthConfig.RateLimitRPS, h.healthConfig.OverloadThresholdPct) {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	if h.healthConfig.SyncEnabled && degraded.IsDegraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		return healthResult{"degraded", http.StatusOK, "ingest_error_rate"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeQueryError maps a failed read to 504 on deadline and 503 otherwise.
func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	observability.LoggerFrom(r.Context(), nil).Warn("query failed", zap.Error(err))
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Query timed out")
		return
	}
	writeError(w, r, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Unable to read tracking data")
}
