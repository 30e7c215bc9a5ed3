package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"maintline/internal/domain"
	"maintline/internal/engine"
	"maintline/internal/engine/auth"
	"maintline/internal/logging"
	"maintline/internal/metrics"
	"maintline/internal/schedule"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Auth     auth.Service
	BasePath string
	AuthCfg  AuthConfig
}

type apiErrorBody struct {
	Code      string         `json:"code" example:"part_requests_outstanding"`
	Message   string         `json:"message" example:"work order wo-1 has outstanding part requests"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"blocking\":[\"pr-1\"]}"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the maintline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Config == nil {
		cfg.Auth.Config = cfg.Engine.Config
	}
	if cfg.Auth.Repo.DB == nil {
		cfg.Auth.Repo = cfg.Engine.Repo
	}
	if cfg.Auth.Config == nil {
		return nil, errors.New("server: rbac config required")
	}
	log := cfg.AuthCfg.Log
	if log == nil {
		log = logging.Discard()
		cfg.AuthCfg.Log = log
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		code := ""
		if status == http.StatusUnprocessableEntity {
			// Schema violations share the engine's validation code.
			status = http.StatusBadRequest
			code = domain.CodeValidationFailed
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		e := newAPIError(status, code, msg, details)
		if code != "" {
			e.(*apiError).Body.Retryable = true
		}
		return e
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer, requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.AuthCfg, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("maintline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerMachines(group, cfg.Engine)
	registerParts(group, cfg.Engine)
	registerWorkOrders(group, cfg.Engine)
	registerPartRequests(group, cfg.Engine)
	registerSchedules(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDashboard(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerRBAC(group, cfg.Auth)
	registerMe(group)
	if cfg.AuthCfg.AllowActorHeader {
		registerDevAuth(group, cfg.AuthCfg)
	}
	registerOpenAPI(router, api, basePath, cfg.AuthCfg)

	return router, nil
}

func requestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
			log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     status,
				"bytes":      ww.BytesWritten(),
				"duration":   elapsed.String(),
			}).Info("http request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine errors onto HTTP statuses and the error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	retryable := domain.Retryable(err)
	var (
		fe  auth.ForbiddenError
		ve  domain.ValidationError
		nf  domain.NotFoundError
		te  domain.TransitionError
		fce domain.FulfillmentConflictError
		ise domain.InsufficientStockError
		ce  domain.ConcurrencyError
	)
	var out huma.StatusError
	switch {
	case errors.As(err, &fe):
		out = newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	case errors.As(err, &ve):
		out = newAPIError(http.StatusBadRequest, domain.CodeValidationFailed, err.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &nf):
		out = newAPIError(http.StatusNotFound, domain.CodeNotFound, err.Error(), map[string]any{"entity": nf.Entity, "id": nf.ID})
	case errors.Is(err, domain.ErrNotFound):
		out = newAPIError(http.StatusNotFound, domain.CodeNotFound, err.Error(), nil)
	case errors.As(err, &te):
		details := map[string]any{"entity": te.Entity, "id": te.ID, "from": te.From, "action": te.Action}
		if len(te.Blocking) > 0 {
			details["blocking"] = te.Blocking
		}
		out = newAPIError(http.StatusConflict, te.Code, err.Error(), details)
	case errors.As(err, &fce):
		out = newAPIError(http.StatusConflict, domain.CodeFulfillmentConflict, err.Error(), map[string]any{"shortages": fce.Shortages})
	case errors.As(err, &ise):
		out = newAPIError(http.StatusConflict, domain.CodeInsufficientStock, err.Error(), map[string]any{
			"part_id": ise.PartID, "requested": ise.Requested, "available": ise.Available,
		})
	case errors.As(err, &ce):
		out = newAPIError(http.StatusConflict, domain.CodeConcurrencyConflict, err.Error(), map[string]any{"entity": ce.Entity, "id": ce.ID})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		out = newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
		retryable = true
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
	out.(*apiError).Body.Retryable = retryable
	return out
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return domain.CodeValidationFailed
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

// parseDate reads an optional calendar date from a request field.
func parseDate(field string, raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	t, err := schedule.ParseDate(*raw)
	if err != nil {
		return nil, domain.ValidationError{Field: field, Reason: "must be a date (YYYY-MM-DD)"}
	}
	return &t, nil
}
