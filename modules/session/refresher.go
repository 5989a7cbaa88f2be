package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/guarzo/civictrack/common"
	"github.com/guarzo/civictrack/common/model"
)

// DefaultRefreshPath is appended to the base URL for token refresh.
const DefaultRefreshPath = "/token/refresh/"

var _ common.TokenRefresher = (*HTTPRefresher)(nil)

// HTTPRefresher calls the backend's refresh endpoint.
type HTTPRefresher struct {
	baseURL     string
	refreshPath string
	httpClient  common.HttpClient
}

// NewHTTPRefresher posts {"refresh": ...} to baseURL+refreshPath.
func NewHTTPRefresher(baseURL, refreshPath string, httpClient common.HttpClient) *HTTPRefresher {
	if refreshPath == "" {
		refreshPath = DefaultRefreshPath
	}
	return &HTTPRefresher{
		baseURL:     baseURL,
		refreshPath: refreshPath,
		httpClient:  httpClient,
	}
}

func (r *HTTPRefresher) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	urlStr, err := buildURL(r.baseURL, r.refreshPath, nil)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(model.TokenRefreshRequest{Refresh: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerCT, contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &common.NetworkError{Method: http.MethodPost, URL: urlStr, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &common.NetworkError{Method: http.MethodPost, URL: urlStr, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newRequestError(resp.StatusCode, resp.Header, data)
	}

	var out model.TokenRefreshResponse
	if err = model.JSONUnmarshal(data, &out); err != nil {
		return nil, err
	}
	if out.Access == "" {
		return nil, fmt.Errorf("refresh response carried no access token")
	}

	token := &oauth2.Token{
		AccessToken:  out.Access,
		RefreshToken: out.Refresh,
		TokenType:    "Bearer",
	}
	if exp, err := ExpiresAt(out.Access); err == nil {
		token.Expiry = exp
	}
	return token, nil
}
