// Package client provides the PrivacyChain Go SDK for the tracking API
// served by cmd/privacychain.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Sentinel errors matched by *APIError through errors.Is.
var (
	ErrInvalid              = errors.New("invalid request")
	ErrNotFound             = errors.New("not found")
	ErrNothingToUnindex     = errors.New("nothing to unindex")
	ErrDuplicateTransaction = errors.New("transaction already indexed")
	ErrLedgerUnavailable    = errors.New("ledger unavailable")
	ErrPartialRectification = errors.New("partial rectification")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrRateLimited          = errors.New("rate limited")
)

var codeErrors = map[string]error{
	"invalid":               ErrInvalid,
	"not_found":             ErrNotFound,
	"nothing_to_unindex":    ErrNothingToUnindex,
	"duplicate_transaction": ErrDuplicateTransaction,
	"ledger_unavailable":    ErrLedgerUnavailable,
	"partial_rectification": ErrPartialRectification,
	"unauthorized":          ErrUnauthorized,
	"rate_limited":          ErrRateLimited,
}

// APIError is a non-2xx response from the tracking API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`

	// Set on partial rectification only.
	Locator string `json:"locator,omitempty"`
	Removed int    `json:"removed,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("privacychain: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("privacychain: %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Is reports whether target is the sentinel for e's code.
func (e *APIError) Is(target error) bool {
	if sentinel, ok := codeErrors[e.Code]; ok && sentinel == target {
		return true
	}
	return e.Code == "" && e.Status == http.StatusUnauthorized && target == ErrUnauthorized
}

// Client is the PrivacyChain SDK entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	credentials *clientcredentials.Config
	timeout     time.Duration
	userAgent   string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client. It is also used for the token
// exchange when WithClientCredentials is set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout bounds each HTTP round trip. Defaults to 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.timeout = d
		return nil
	}
}

// WithBearerToken attaches a pre-obtained access token to every request.
// The token is never refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithClientCredentials fetches and refreshes access tokens from the
// server's /oauth/token endpoint using the OAuth2 client credentials grant.
func WithClientCredentials(clientID, clientSecret string) Option {
	return func(c *Client) error {
		if clientID == "" {
			return errors.New("client id is required")
		}
		c.credentials = &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed server.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		}
		return nil
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
// The /v1 prefix is added by the client.
//
//	c, err := client.New("https://privacychain.example.com",
//	    client.WithClientCredentials("billing", secret),
//	)
func New(base string, opts ...Option) (*Client, error) {
	base = strings.TrimRight(base, "/")
	if u, err := url.ParseRequestURI(base); err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", base)
	}
	c := &Client{
		base:       base,
		httpClient: &http.Client{},
		timeout:    10 * time.Second,
		userAgent:  "privacychain-go",
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}

	hc := *c.httpClient
	hc.Timeout = c.timeout
	c.httpClient = &hc
	if c.credentials != nil {
		c.credentials.TokenURL = c.base + "/oauth/token"
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &hc)
		oc := oauth2.NewClient(ctx, c.credentials.TokenSource(ctx))
		oc.Timeout = c.timeout
		c.httpClient = oc
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Token returns the current access token, fetching one when client
// credentials are configured. It returns "" when the client is
// unauthenticated.
func (c *Client) Token(ctx context.Context) (string, error) {
	if c.credentials == nil {
		return c.bearerToken, nil
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: c.timeout})
	tok, err := c.credentials.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	return tok.AccessToken, nil
}

// call sends a JSON request to /v1+path and decodes the response into out.
// Pass nil body for requests without one and nil out to discard the response.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.base + "/v1" + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// do executes an HTTP request, attaching the bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" && c.credentials == nil {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}
	return body, nil
}
