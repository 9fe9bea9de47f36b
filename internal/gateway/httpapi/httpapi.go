// Package httpapi implements the HTTP gateway for Hesabu.
//
// Security:
//   - Upload body size limits (default 50 MB)
//   - Scripts are screened and executed in a closed sandbox downstream
//   - Optional per-session rate limiting on the expensive endpoints
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/okapi"

	"github.com/jbarasa/hesabu/internal/artifact"
	"github.com/jbarasa/hesabu/internal/domain"
	"github.com/jbarasa/hesabu/internal/excel"
	"github.com/jbarasa/hesabu/internal/observability"
	"github.com/jbarasa/hesabu/internal/ratelimit"
	"github.com/jbarasa/hesabu/internal/service"
	"github.com/jbarasa/hesabu/internal/session"
)

const defaultMaxUploadSize = 50 << 20 // 50 MB

// ErrorBody is the standard error response. Code is a stable
// machine-readable identifier; Error is human-readable detail.
type ErrorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxUploadBytes int64 // Maximum upload body in bytes. 0 = 50 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config  Config
	svc     *service.Service
	limiter *ratelimit.Limiter // nil = unlimited.
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP gateway over the copilot service.
func NewGateway(cfg Config, svc *service.Service, logger *slog.Logger) *Gateway {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config: cfg,
		svc:    svc,
		logger: logger.With(slog.String("component", "httpapi")),
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxUploadBytes)),
	}
}

// WithRateLimiter attaches per-session rate limiting to the analyze and
// execute endpoints.
func (g *Gateway) WithRateLimiter(rl *ratelimit.Limiter) *Gateway {
	g.limiter = rl
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Hesabu",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, next)
		})
	}

	g.group = g.okapi.Group("/api")

	// Session endpoints.
	g.group.Post("/sessions", g.handleSessionCreate,
		okapi.DocSummary("Create a new session"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(SessionRequest{}),
		okapi.DocResponse(http.StatusCreated, domain.Session{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionGet,
		okapi.DocSummary("Fetch a session and refresh its last-access time"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(domain.Session{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionDelete,
		okapi.DocSummary("Delete a session and its stored artifacts"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(DeleteResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/files", g.handleSessionFiles,
		okapi.DocSummary("List attached files and their stored versions"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(FilesResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/history", g.handleSessionHistory,
		okapi.DocSummary("List the session's operation history"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(HistoryResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Copilot endpoints.
	g.group.Post("/analyze", g.handleAnalyze,
		okapi.DocSummary("Generate a transformation script from a prompt"),
		okapi.DocTags("Copilot"),
		okapi.DocRequestBody(AnalyzeRequest{}),
		okapi.DocResponse(service.AnalyzeResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Run a script against the file and persist the result"),
		okapi.DocTags("Copilot"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(domain.ExecutionOutcome{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/execute/preview", g.handlePreview,
		okapi.DocSummary("Run a script without persisting anything"),
		okapi.DocTags("Copilot"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(domain.ExecutionOutcome{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/files/{file_id}/revert", g.handleRevert,
		okapi.DocSummary("Discard the file's transform state"),
		okapi.DocTags("Copilot"),
		okapi.DocPathParam("file_id", "string", "File ID"),
		okapi.DocRequestBody(RevertRequest{}),
		okapi.DocResponse(RevertResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Multipart upload and binary download bypass the JSON layer.
	g.okapi.HandleStd("POST", "/api/upload", g.handleUpload())
	g.okapi.HandleStd("GET", "/api/download/{file_id}", g.handleDownload())

	// Observability endpoints.
	g.okapi.Get("/healthz", g.handleLiveness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// --- Error mapping ---

// classifyError maps an error to an HTTP status and a stable code.
func classifyError(err error) (int, string) {
	var coded *service.CodedError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, string(domain.CodeSessionNotFound)
	case errors.Is(err, session.ErrFileNotAttached):
		return http.StatusNotFound, string(domain.CodeFileNotAttached)
	case errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound, string(domain.CodeStorageNotFound)
	case errors.Is(err, service.ErrGeneratorDisabled):
		return http.StatusServiceUnavailable, "generator_unavailable"
	case errors.Is(err, excel.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "invalid_request"
	case errors.Is(err, service.ErrBadVersion),
		errors.Is(err, service.ErrNoScript),
		errors.Is(err, service.ErrUnsupportedFile),
		errors.Is(err, excel.ErrTooManyRows),
		errors.Is(err, excel.ErrTooManyColumns),
		errors.Is(err, excel.ErrNoSheets):
		return http.StatusBadRequest, "invalid_request"
	case errors.As(err, &coded):
		return http.StatusInternalServerError, string(coded.Code)
	default:
		return http.StatusInternalServerError, string(domain.CodeUnclassified)
	}
}

// fail writes the mapped error response for an okapi handler.
func (g *Gateway) fail(c *okapi.Context, err error) error {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
	return c.JSON(status, ErrorBody{Code: code, Error: err.Error()})
}
