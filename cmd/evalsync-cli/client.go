package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NikhilSetiya/evalsync/internal/api"
	"github.com/NikhilSetiya/evalsync/pkg/errors"
)

// apiClient talks to the daemon's admin API
type apiClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func newAPIClient(baseURL, secret string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// envelope mirrors api.APIResponse with a raw payload
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *api.APIError   `json:"error"`
	Meta    *api.Meta       `json:"meta"`
}

// do sends a request and decodes the data of a successful response into
// out. Error responses come back as classified AppErrors.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, out interface{}) (*api.Meta, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.secret != "" && method != http.MethodGet {
		token, err := api.IssueAdminToken(c.secret, "evalsync-cli", 5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("failed to sign admin token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewExternalError("evalsync", "failed to reach the evalsync API").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.FromHTTPStatus("evalsync", resp.StatusCode, fmt.Sprintf("unexpected response (status %d)", resp.StatusCode))
	}

	if resp.StatusCode >= 400 || !env.Success {
		msg := fmt.Sprintf("request failed with status %d", resp.StatusCode)
		if env.Error != nil {
			msg = fmt.Sprintf("%s: %s", env.Error.Code, env.Error.Message)
		}
		if resp.StatusCode == http.StatusConflict {
			return nil, errors.NewConflictError(msg)
		}
		return nil, errors.FromHTTPStatus("evalsync", resp.StatusCode, msg)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return env.Meta, nil
}
