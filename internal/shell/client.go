package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"miniportal.org/internal/auth"
	"miniportal.org/internal/registry"
)

// Client talks to a portal API over HTTP. It is used when the host shell
// runs in a separate process from the API; ServiceIssuer covers the
// single-binary case.
type Client struct {
	baseURL string
	http    *http.Client
	token   func() string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a portal API client. token supplies the bearer token for
// authenticated calls and may return "" for anonymous ones.
func NewClient(baseURL string, token func() string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		token:   token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type appLoginRequest struct {
	AppName         string   `json:"appName"`
	Origin          string   `json:"origin"`
	RequestedScopes []string `json:"requestedScopes"`
}

type appTokenResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresAt   int64    `json:"expires_at"`
	Scopes      []string `json:"scopes"`
	App         string   `json:"app"`
}

// IssueAppToken requests an app-scoped token from the portal API. It makes
// *Client satisfy TokenIssuer.
func (c *Client) IssueAppToken(ctx context.Context, appName, origin string, scopes []string) (AppToken, error) {
	var resp appTokenResponse
	err := c.do(ctx, http.MethodPost, "/v1/auth/app/login", appLoginRequest{
		AppName:         appName,
		Origin:          origin,
		RequestedScopes: scopes,
	}, &resp)
	if err != nil {
		return AppToken{}, err
	}
	return AppToken{
		Token:     resp.AccessToken,
		ExpiresAt: time.Unix(resp.ExpiresAt, 0),
		Scopes:    resp.Scopes,
	}, nil
}

// Profile fetches the signed-in user's profile.
func (c *Client) Profile(ctx context.Context) (auth.UserInfo, error) {
	var info auth.UserInfo
	if err := c.do(ctx, http.MethodGet, "/v1/auth/profile", nil, &info); err != nil {
		return auth.UserInfo{}, err
	}
	return info, nil
}

// Apps lists the registered applications visible to the caller.
func (c *Client) Apps(ctx context.Context) ([]registry.App, error) {
	var resp struct {
		Items []registry.App `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/apps", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Logout revokes the current session on the server.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/logout", nil, nil)
}

// APIError is a non-2xx portal API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portal api: %d %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error == "" {
			errBody.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errBody.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
