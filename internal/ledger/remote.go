package ledger

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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// RemoteConfig holds the connection settings for a ledgerd node.
type RemoteConfig struct {
	// BaseURL is the node's HTTP address, e.g. "http://localhost:9091".
	BaseURL string

	// ClientID and ClientSecret authenticate against the node's
	// /oauth/token endpoint. Leave both empty for an unauthenticated node.
	ClientID     string
	ClientSecret string

	// Timeout bounds each HTTP round trip. Defaults to 10s.
	Timeout time.Duration
}

// RemoteLedger is a Ledger backed by a ledgerd node reached over HTTP.
// It also implements EntryReader.
type RemoteLedger struct {
	base       string
	httpClient *http.Client
}

// transactionJSON is the wire form of an Entry served by ledgerd.
type transactionJSON struct {
	TransactionID string    `json:"transaction_id"`
	Index         int       `json:"index"`
	Timestamp     time.Time `json:"timestamp"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Data          []byte    `json:"data"`
	DataHash      string    `json:"data_hash"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash"`
}

// NewRemote returns a RemoteLedger for cfg. When credentials are configured
// the client fetches and refreshes bearer tokens with the OAuth2 client
// credentials grant.
func NewRemote(cfg RemoteConfig) (*RemoteLedger, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid ledger base URL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	hc := &http.Client{Timeout: timeout}
	if cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     base + "/oauth/token",
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		// The token source uses the plain client for the token exchange itself.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
		hc = oauth2.NewClient(ctx, cc.TokenSource(ctx))
		hc.Timeout = timeout
	}
	return &RemoteLedger{base: base, httpClient: hc}, nil
}

// Register implements Ledger.
func (l *RemoteLedger) Register(ctx context.Context, payload []byte) (string, error) {
	body, err := json.Marshal(map[string][]byte{"data": payload})
	if err != nil {
		return "", fmt.Errorf("marshal register request: %w", err)
	}

	var out struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := l.do(ctx, http.MethodPost, "/v1/transactions", body, &out); err != nil {
		return "", err
	}
	if out.TransactionID == "" {
		return "", fmt.Errorf("%w: node returned an empty transaction id", ErrUnavailable)
	}
	return out.TransactionID, nil
}

// Retrieve implements Ledger.
func (l *RemoteLedger) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	e, err := l.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.Data, nil
}

// Lookup implements EntryReader.
func (l *RemoteLedger) Lookup(ctx context.Context, ref string) (*Entry, error) {
	if _, err := ParseRef(ref); err != nil {
		return nil, err
	}
	var tx transactionJSON
	if err := l.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(ref), nil, &tx); err != nil {
		return nil, err
	}
	return &Entry{
		Index:     tx.Index,
		Timestamp: tx.Timestamp.UTC(),
		From:      tx.From,
		To:        tx.To,
		Data:      tx.Data,
		DataHash:  tx.DataHash,
		PrevHash:  tx.PrevHash,
		Hash:      tx.Hash,
	}, nil
}

func (l *RemoteLedger) do(ctx context.Context, method, path string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, l.base+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: node returned HTTP %d: %s", ErrUnavailable, resp.StatusCode, errorMessage(respBytes))
	}

	if err := json.Unmarshal(respBytes, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
