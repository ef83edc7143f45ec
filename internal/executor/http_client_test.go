package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/agentworkforce/canvasd/internal/canvas"
)

func TestHTTPPlanExecutorSendsExpectedRequest(t *testing.T) {
	var capturedAuth string
	var capturedCorrelation string
	var capturedPath string
	var capturedBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedCorrelation = r.Header.Get("X-Correlation-Id")
		capturedPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"rolledBack":true}`))
	}))
	defer server.Close()

	client, err := NewHTTPPlanExecutor(HTTPClientOptions{
		BaseURL:       server.URL,
		TokenProvider: StaticToken("token_123"),
		HTTPClient:    server.Client(),
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	result, err := client.RollbackLastPlan(context.Background(), canvas.RollbackRequest{
		WorkspaceID:   "ws_1",
		CallerID:      "alice",
		CorrelationID: "corr_exec_1",
	})
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if capturedPath != "/v1/workspaces/ws_1/plans/rollback" {
		t.Fatalf("unexpected path %s", capturedPath)
	}
	if capturedAuth != "Bearer token_123" {
		t.Fatalf("expected bearer auth, got %q", capturedAuth)
	}
	if capturedCorrelation != "corr_exec_1" {
		t.Fatalf("expected correlation header, got %q", capturedCorrelation)
	}
	if capturedBody["callerId"] != "alice" || capturedBody["workspaceId"] != "ws_1" {
		t.Fatalf("unexpected body %+v", capturedBody)
	}
	if result.Status != http.StatusOK || string(result.Body) != `{"rolledBack":true}` || result.ContentType != "application/json" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestHTTPPlanExecutorPassesFailuresThroughWithoutRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"unavailable"}`))
	}))
	defer server.Close()

	client, err := NewHTTPPlanExecutor(HTTPClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	result, err := client.RollbackLastPlan(context.Background(), canvas.RollbackRequest{WorkspaceID: "ws_1", CallerID: "alice"})
	if err != nil {
		t.Fatalf("expected upstream failure as a result, got error %v", err)
	}
	if result.Status != http.StatusServiceUnavailable || string(result.Body) != `{"code":"unavailable"}` {
		t.Fatalf("unexpected result %+v", result)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestNewHTTPPlanExecutorRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPPlanExecutor(HTTPClientOptions{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
