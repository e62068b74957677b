package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jurisai/flaggate/internal/core"
	"github.com/jurisai/flaggate/internal/engine"
	"github.com/jurisai/flaggate/internal/metrics"
	"github.com/jurisai/flaggate/internal/middleware"
)

const (
	defaultMaxJSONBodyBytes = 1 << 20
	defaultAuditPageSize    = 50
	maxAuditPageSize        = 500
	anonymousActor          = "anonymous"
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer exposes the flag evaluation and administration API.
type HTTPServer struct {
	service      FlagService
	groups       GroupResolver
	audit        AuditReader
	keys         KeyAdmin
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

// HTTPOption configures optional HTTP server collaborators.
type HTTPOption func(*HTTPServer)

// WithGroupResolver resolves group memberships for subjects that omit them.
func WithGroupResolver(resolver GroupResolver) HTTPOption {
	return func(s *HTTPServer) { s.groups = resolver }
}

// WithAuditReader exposes the audit trail on GET /v1/audit.
func WithAuditReader(reader AuditReader) HTTPOption {
	return func(s *HTTPServer) { s.audit = reader }
}

// WithKeyAdmin exposes API key management under /v1/api-keys.
func WithKeyAdmin(admin KeyAdmin) HTTPOption {
	return func(s *HTTPServer) { s.keys = admin }
}

// WithMetrics instruments every route and mounts the Prometheus handler on
// GET /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithMaxJSONBodySize caps the size of accepted JSON request bodies.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// NewHTTPHandler builds the full route tree and wraps it with OpenTelemetry
// HTTP instrumentation.
func NewHTTPHandler(svc FlagService, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("flag service is nil")
	}

	server := &HTTPServer{
		service:      svc,
		maxBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, o := range opts {
		o(server)
	}

	mux := http.NewServeMux()
	server.route(mux, "POST /v1/evaluate", server.handleEvaluate)
	server.route(mux, "POST /v1/evaluate/batch", server.handleEvaluateBatch)
	server.route(mux, "POST /v1/flags", server.handleCreateFlag)
	server.route(mux, "GET /v1/flags", server.handleListFlags)
	server.route(mux, "GET /v1/flags/{key}", server.handleGetFlag)
	server.route(mux, "PUT /v1/flags/{key}", server.handleUpdateFlag)
	server.route(mux, "DELETE /v1/flags/{key}", server.handleDeleteFlag)
	server.route(mux, "POST /v1/flags/{key}/toggle", server.handleToggleFlag)
	server.route(mux, "GET /v1/audit", server.handleListAudit)
	server.route(mux, "POST /v1/api-keys", server.handleCreateAPIKey)
	server.route(mux, "GET /v1/api-keys", server.handleListAPIKeys)
	server.route(mux, "DELETE /v1/api-keys/{id}", server.handleRevokeAPIKey)
	server.route(mux, "GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return otelhttp.NewHandler(mux, "flaggate.http")
}

// route registers a handler, instrumenting it with per-route request count
// and latency metrics when a registry is attached.
func (s *HTTPServer) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	if s.metrics == nil {
		mux.HandleFunc(pattern, handler)
		return
	}

	method, _, _ := strings.Cut(pattern, " ")
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		elapsed := time.Since(start).Seconds()

		status := strconv.Itoa(recorder.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(method, pattern, status).Observe(elapsed)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.status = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

type evaluateJSONRequest struct {
	FlagKey   string         `json:"flag_key"`
	SubjectID string         `json:"subject_id"`
	Groups    []string       `json:"groups,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

type evaluateJSONResponse struct {
	FlagKey   string `json:"flag_key"`
	SubjectID string `json:"subject_id"`
	Enabled   bool   `json:"enabled"`
}

type evaluateBatchJSONRequest struct {
	SubjectID string         `json:"subject_id"`
	Groups    []string       `json:"groups,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

type evaluateBatchJSONResponse struct {
	SubjectID string          `json:"subject_id"`
	Flags     map[string]bool `json:"flags"`
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.FlagKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "flag_key is required")
		return
	}
	if strings.TrimSpace(request.SubjectID) == "" {
		writeJSONError(w, http.StatusBadRequest, "subject_id is required")
		return
	}

	subject := s.resolveSubject(r.Context(), request.SubjectID, request.Groups, request.Context)
	enabled := s.service.IsEnabled(r.Context(), request.FlagKey, subject)

	writeJSON(w, http.StatusOK, evaluateJSONResponse{
		FlagKey:   request.FlagKey,
		SubjectID: request.SubjectID,
		Enabled:   enabled,
	})
}

func (s *HTTPServer) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var request evaluateBatchJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.SubjectID) == "" {
		writeJSONError(w, http.StatusBadRequest, "subject_id is required")
		return
	}

	subject := s.resolveSubject(r.Context(), request.SubjectID, request.Groups, request.Context)
	flags := s.service.GetAllFlagsForSubject(r.Context(), subject)

	writeJSON(w, http.StatusOK, evaluateBatchJSONResponse{
		SubjectID: request.SubjectID,
		Flags:     flags,
	})
}

// resolveSubject fills in group memberships from the resolver when the
// request does not carry its own. Resolution failures degrade to an empty
// group list; evaluation stays fail-closed on targeting rather than erroring.
func (s *HTTPServer) resolveSubject(ctx context.Context, subjectID string, groups []string, attrs map[string]any) core.Subject {
	if groups == nil && s.groups != nil {
		resolved, err := s.groups.GetGroupsForSubject(ctx, subjectID)
		if err == nil {
			groups = resolved
		} else {
			middleware.LoggerFromContext(ctx).Warn("group resolution failed", "subject", subjectID, "error", err)
		}
	}

	return core.Subject{ID: subjectID, Groups: groups, Context: attrs}
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var flag core.FlagRecord
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}
	if flag.CreatedBy == "" {
		flag.CreatedBy = actorFromContext(r.Context())
	}

	created, err := s.service.CreateFlag(r.Context(), flag)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	flag, err := s.service.GetFlag(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var flag core.FlagRecord
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) != "" && flag.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	flag.Key = key
	if flag.CreatedBy == "" {
		flag.CreatedBy = actorFromContext(r.Context())
	}

	updated, err := s.service.UpdateFlag(r.Context(), flag)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := s.service.DeleteFlag(r.Context(), key, actorFromContext(r.Context())); err != nil {
		writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleToggleFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	toggled, err := s.service.ToggleFlag(r.Context(), key, actorFromContext(r.Context()))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toggled)
}

func (s *HTTPServer) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSONError(w, http.StatusNotFound, "audit log not configured")
		return
	}

	limit := defaultAuditPageSize
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxAuditPageSize {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("limit must be within [1,%d]", maxAuditPageSize))
			return
		}
		limit = parsed
	}

	offset := 0
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSONError(w, http.StatusBadRequest, "offset must be >= 0")
			return
		}
		offset = parsed
	}

	entries, err := s.audit.ListEntries(r.Context(), strings.TrimSpace(r.URL.Query().Get("flag")), limit, offset)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

type createAPIKeyJSONRequest struct {
	Name string `json:"name"`
}

type createAPIKeyJSONResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func (s *HTTPServer) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeJSONError(w, http.StatusNotFound, "api key management not configured")
		return
	}

	var request createAPIKeyJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil && !errors.Is(err, io.EOF) {
		writeJSONDecodeError(w, err)
		return
	}

	keyID, secret, err := s.keys.CreateAPIKey(r.Context(), strings.TrimSpace(request.Name))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	// The token embeds the key ID so validation can look up the hash
	// without scanning every key.
	writeJSON(w, http.StatusCreated, createAPIKeyJSONResponse{
		ID:    keyID,
		Token: keyID + "." + secret,
	})
}

func (s *HTTPServer) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeJSONError(w, http.StatusNotFound, "api key management not configured")
		return
	}

	keys, err := s.keys.ListAPIKeys(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, keys)
}

func (s *HTTPServer) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeJSONError(w, http.StatusNotFound, "api key management not configured")
		return
	}

	keyID := strings.TrimSpace(r.PathValue("id"))
	if keyID == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.keys.RevokeAPIKey(r.Context(), keyID); err != nil {
		writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actorFromContext(ctx context.Context) string {
	if keyID, ok := middleware.APIKeyIDFromContext(ctx); ok {
		return keyID
	}
	return anonymousActor
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidFlag):
		writeJSONError(w, http.StatusBadRequest, engineErrorMessage(err))
	case errors.Is(err, engine.ErrFlagNotFound):
		writeJSONError(w, http.StatusNotFound, engineErrorMessage(err))
	case errors.Is(err, engine.ErrStoreUnavailable), errors.Is(err, engine.ErrCacheUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, engineErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, engineErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, engineErrorMessage(err))
	}
}

func engineErrorMessage(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidFlag):
		return err.Error()
	case errors.Is(err, engine.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, engine.ErrStoreUnavailable):
		return "flag store unavailable"
	case errors.Is(err, engine.ErrCacheUnavailable):
		return "cache unavailable"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
