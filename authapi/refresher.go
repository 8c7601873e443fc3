// Package authapi holds the narrow contract with the remote authentication
// API. The engine consumes exactly one operation: exchanging a refresh token
// for fresh credentials.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RefreshResult carries the credentials minted by a successful refresh. An
// empty RefreshToken means the server did not rotate it and the current one
// stays valid.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Refresher mints new credentials from a refresh token. Transport errors and
// rejections are equivalent for the engine: both are just a failed refresh.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// HTTPRefresher calls a JSON-over-HTTP refresh endpoint.
type HTTPRefresher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRefresher creates a refresher against endpoint. A nil client falls
// back to a default with a 15 second timeout.
func NewHTTPRefresher(endpoint string, client *http.Client) *HTTPRefresher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPRefresher{endpoint: endpoint, client: client}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh implements Refresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little for connection reuse; the body content is not part
		// of the contract.
		io.CopyN(io.Discard, resp.Body, 512)
		return nil, fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}

	var payload refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("refresh response missing access token")
	}

	return &RefreshResult{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    time.Duration(payload.ExpiresIn) * time.Second,
	}, nil
}
