package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/canvasd/internal/canvas"
	"github.com/agentworkforce/canvasd/internal/observability"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	JWTSecret    string
	JWTAudience  string
	MaxBodyBytes int64
	Logger       zerolog.Logger
}

type Server struct {
	engine  *canvas.Engine
	cfg     ServerConfig
	log     zerolog.Logger
	schemas *requestSchemas
	metrics http.Handler
	now     func() time.Time
}

func NewServer(engine *canvas.Engine) (*Server, error) {
	return NewServerWithConfig(engine, ServerConfig{Logger: zerolog.Nop()})
}

func NewServerWithConfig(engine *canvas.Engine, cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	schemas, err := compileRequestSchemas()
	if err != nil {
		return nil, err
	}
	observability.RegisterMetrics()
	return &Server{
		engine:  engine,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "httpapi").Logger(),
		schemas: schemas,
		metrics: promhttp.Handler(),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	route := s.dispatch(rec, r, correlationID)

	elapsed := time.Since(started)
	observability.RecordHTTPRequest(r.Method, route, rec.status, elapsed)
	var event *zerolog.Event
	switch {
	case rec.status >= 500:
		event = s.log.Error()
	case rec.status >= 400:
		event = s.log.Warn()
	default:
		event = s.log.Info()
	}
	event.
		Str("method", r.Method).
		Str("route", route).
		Int("status", rec.status).
		Dur("duration", elapsed).
		Str("correlation_id", correlationID).
		Msg("http_request")
}

// dispatch routes the request and returns the route label used for logs
// and metrics.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, correlationID string) string {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return "health"
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return "metrics"
	}
	if r.URL.Path == "/v1/admin/repair" && r.Method == http.MethodPost {
		s.handleRepair(w, r, correlationID)
		return "admin_repair"
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "workspaces" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return "not_found"
	}
	workspaceID := parts[2]

	var route string
	switch {
	case len(parts) == 4 && parts[3] == "graph" && r.Method == http.MethodGet:
		route = "graph"
	case len(parts) == 4 && parts[3] == "lock" && r.Method == http.MethodPost:
		route = "lock_acquire"
	case len(parts) == 4 && parts[3] == "lock" && r.Method == http.MethodDelete:
		route = "lock_release"
	case len(parts) == 5 && parts[3] == "plan" && parts[4] == "rollback" && r.Method == http.MethodPost:
		route = "plan_rollback"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return "not_found"
	}

	caller, authErr := authenticateBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.JWTAudience, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return route
	}

	switch route {
	case "graph":
		s.handleGraph(w, r, workspaceID, caller, correlationID)
	case "lock_acquire":
		s.handleAcquireLock(w, r, workspaceID, caller, correlationID)
	case "lock_release":
		s.handleReleaseLock(w, r, workspaceID, caller, correlationID)
	case "plan_rollback":
		s.handleRollback(w, r, workspaceID, caller, correlationID)
	}
	return route
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request, workspaceID string, caller canvas.Caller, correlationID string) {
	snapshot, err := s.engine.FetchGraph(r.Context(), workspaceID, caller)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request, workspaceID string, caller canvas.Caller, correlationID string) {
	var req struct {
		TTLSeconds int `json:"ttlSeconds"`
	}
	if !s.decodeValidatedBody(w, r, s.schemas.lock, correlationID, &req) {
		return
	}
	lock, err := s.engine.AcquireLock(r.Context(), workspaceID, caller, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request, workspaceID string, caller canvas.Caller, correlationID string) {
	if err := s.engine.ReleaseLock(r.Context(), workspaceID, caller); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request, workspaceID string, caller canvas.Caller, correlationID string) {
	result, err := s.engine.RollbackLastPlan(r.Context(), workspaceID, caller, correlationID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(result.Body)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request, correlationID string) {
	caller, authErr := authenticateBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.JWTAudience, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !caller.HasScope(canvas.ScopeRepair) {
		s.writeEngineError(w, canvas.ErrForbidden, correlationID)
		return
	}
	var req struct {
		DryRun      *bool  `json:"dryRun"`
		WorkspaceID string `json:"workspaceId"`
	}
	if !s.decodeValidatedBody(w, r, s.schemas.repair, correlationID, &req) {
		return
	}
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	result, err := s.engine.Repair(r.Context(), caller, canvas.RepairRequest{
		DryRun:      dryRun,
		WorkspaceID: req.WorkspaceID,
	})
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeEngineError maps engine errors onto the response envelope. Integrity
// and batch failures carry their diagnostics alongside the usual fields.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	var integrityErr *canvas.DataIntegrityError
	if errors.As(err, &integrityErr) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":          "data_integrity_violation",
			"message":       "duplicate containers detected; run the repair job",
			"correlationId": correlationID,
			"duplicates":    integrityErr.Duplicates,
		})
		return
	}
	var transientErr *canvas.TransientStoreError
	if errors.As(err, &transientErr) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":          "transient_store_error",
			"message":       "batched query failed; retry the request",
			"correlationId": correlationID,
			"batch": map[string]any{
				"operation":  transientErr.Operation,
				"chunkSize":  transientErr.ChunkSize,
				"totalIds":   transientErr.TotalIDs,
				"batchIndex": transientErr.BatchIndex,
			},
		})
		return
	}

	switch {
	case errors.Is(err, canvas.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required", correlationID)
	case errors.Is(err, canvas.ErrLockRequired):
		writeError(w, http.StatusForbidden, "lock_required", canvas.ErrLockRequired.Error(), correlationID)
	case errors.Is(err, canvas.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "caller does not own this workspace", correlationID)
	case errors.Is(err, canvas.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, canvas.ErrLockHeld):
		writeError(w, http.StatusConflict, "lock_held", canvas.ErrLockHeld.Error(), correlationID)
	case errors.Is(err, canvas.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, canvas.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("unhandled engine error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

// getCorrelationID returns the caller's correlation id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := validateBody(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
