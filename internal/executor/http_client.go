package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/canvasd/internal/canvas"
)

// TokenProvider supplies the bearer token sent to the plan executor.
type TokenProvider func(ctx context.Context) (string, error)

type HTTPClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxBodyBytes  int64
}

// HTTPPlanExecutor forwards rollback requests to the plan execution service.
// Each call is a single attempt; whatever the service answers is returned
// as-is, including non-2xx responses.
type HTTPPlanExecutor struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxBodyBytes  int64
}

func NewHTTPPlanExecutor(opts HTTPClientOptions) (*HTTPPlanExecutor, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("plan executor base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 4 << 20
	}
	return &HTTPPlanExecutor{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxBodyBytes:  maxBodyBytes,
	}, nil
}

func (c *HTTPPlanExecutor) RollbackLastPlan(ctx context.Context, req canvas.RollbackRequest) (canvas.ExecutionResult, error) {
	if c == nil {
		return canvas.ExecutionResult{}, fmt.Errorf("plan executor client is nil")
	}
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return canvas.ExecutionResult{}, err
	}
	endpoint := c.baseURL + "/v1/workspaces/" + url.PathEscape(req.WorkspaceID) + "/plans/rollback"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return canvas.ExecutionResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-Id", req.CorrelationID)
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return canvas.ExecutionResult{}, err
		}
		if token = strings.TrimSpace(token); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return canvas.ExecutionResult{}, fmt.Errorf("plan executor request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return canvas.ExecutionResult{}, err
	}
	return canvas.ExecutionResult{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// StaticToken returns a provider for a fixed token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}
