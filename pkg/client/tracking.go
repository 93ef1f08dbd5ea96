package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// Record is an index row as returned by the tracking API.
type Record struct {
	ID                int64  `json:"tracking_id"        yaml:"tracking_id"`
	CanonicalData     string `json:"canonical_data"     yaml:"canonical_data"`
	AnonymizedData    string `json:"anonymized_data"    yaml:"anonymized_data"`
	LedgerID          string `json:"ledger_id"          yaml:"ledger_id"`
	TransactionRef    string `json:"transaction_ref"    yaml:"transaction_ref"`
	Salt              string `json:"salt"               yaml:"salt"`
	HashMethod        string `json:"hash_method"        yaml:"hash_method"`
	TrackingTimestamp string `json:"tracking_timestamp" yaml:"tracking_timestamp"`
	Locator           string `json:"locator"            yaml:"locator"`
}

// IndexRequest is the payload for Index and IndexSecure. Salt is only
// honoured by IndexSecure; leave it empty to have the server generate one.
type IndexRequest struct {
	Content    string `json:"content"`
	Locator    string `json:"locator"`
	Timestamp  string `json:"datetime,omitempty"`
	Salt       string `json:"salt,omitempty"`
	HashMethod string `json:"hash_method,omitempty"`
	LedgerID   string `json:"ledger_id,omitempty"`
}

// UnindexResult reports how many index rows were dropped.
type UnindexResult struct {
	Locator   string `json:"locator"             yaml:"locator"`
	Timestamp string `json:"datetime,omitempty"  yaml:"datetime,omitempty"`
	Removed   int    `json:"removed"             yaml:"removed"`
}

// RectifyRequest is the payload for Rectify.
type RectifyRequest struct {
	Locator    string `json:"locator"`
	Timestamp  string `json:"datetime,omitempty"`
	Content    string `json:"content"`
	Salt       string `json:"salt,omitempty"`
	HashMethod string `json:"hash_method,omitempty"`
	LedgerID   string `json:"ledger_id,omitempty"`
}

// RectifyResult holds the superseding record and the number of rows it replaced.
type RectifyResult struct {
	Removed int     `json:"removed" yaml:"removed"`
	Record  *Record `json:"record"  yaml:"record"`
}

// VerifyRequest is the payload for Verify.
type VerifyRequest struct {
	TransactionRef string `json:"transaction_ref"`
	Content        string `json:"content"`
	Salt           string `json:"salt"`
	HashMethod     string `json:"hash_method,omitempty"`
	LedgerID       string `json:"ledger_id,omitempty"`
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Valid          bool   `json:"valid"           yaml:"valid"`
	TransactionRef string `json:"transaction_ref" yaml:"transaction_ref"`
	LedgerID       string `json:"ledger_id"       yaml:"ledger_id"`
	HashMethod     string `json:"hash_method"     yaml:"hash_method"`
}

// AnonymizeResult is a digest and, for secure anonymization, its salt.
type AnonymizeResult struct {
	Anonymized string `json:"anonymized"     yaml:"anonymized"`
	Salt       string `json:"salt,omitempty" yaml:"salt,omitempty"`
	HashMethod string `json:"hash_method"    yaml:"hash_method"`
}

// Transaction is a ledger entry read back through the tracking API.
type Transaction struct {
	LedgerID       string `json:"ledger_id"           yaml:"ledger_id"`
	TransactionRef string `json:"transaction_ref"     yaml:"transaction_ref"`
	Payload        string `json:"payload"             yaml:"payload"`
	Index          *int   `json:"index,omitempty"     yaml:"index,omitempty"`
	Timestamp      string `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	From           string `json:"from,omitempty"      yaml:"from,omitempty"`
	To             string `json:"to,omitempty"        yaml:"to,omitempty"`
	DataHash       string `json:"data_hash,omitempty" yaml:"data_hash,omitempty"`
	PrevHash       string `json:"prev_hash,omitempty" yaml:"prev_hash,omitempty"`
	Hash           string `json:"hash,omitempty"      yaml:"hash,omitempty"`
}

// LedgerInfo lists the server's configured ledgers and defaults.
type LedgerInfo struct {
	Ledgers           []string `json:"ledgers"             yaml:"ledgers"`
	DefaultLedger     string   `json:"default_ledger"      yaml:"default_ledger"`
	DefaultHashMethod string   `json:"default_hash_method" yaml:"default_hash_method"`
}

type recordList struct {
	Records []Record `json:"records"`
}

// Ledgers returns the server's configured ledgers. It needs no token.
func (c *Client) Ledgers(ctx context.Context) (*LedgerInfo, error) {
	var info LedgerInfo
	if err := c.call(ctx, http.MethodGet, "/ledgers", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Index anonymizes req.Content with the plain digest, registers it and
// records the association with req.Locator.
func (c *Client) Index(ctx context.Context, req IndexRequest) (*Record, error) {
	return c.index(ctx, "/tracking/index", req)
}

// IndexSecure is Index with a salted digest. The returned record carries the
// salt needed to verify the registration later.
func (c *Client) IndexSecure(ctx context.Context, req IndexRequest) (*Record, error) {
	return c.index(ctx, "/tracking/index-secure", req)
}

func (c *Client) index(ctx context.Context, path string, req IndexRequest) (*Record, error) {
	var rec Record
	if err := c.call(ctx, http.MethodPost, path, nil, req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Unindex drops the records of locator, restricted to timestamp when it is
// non-empty. Ledger entries are untouched.
func (c *Client) Unindex(ctx context.Context, locator, timestamp string) (*UnindexResult, error) {
	return c.unindex(ctx, "/tracking/unindex", locator, timestamp)
}

// Remove is Unindex recorded as an erasure request.
func (c *Client) Remove(ctx context.Context, locator, timestamp string) (*UnindexResult, error) {
	return c.unindex(ctx, "/tracking/remove", locator, timestamp)
}

func (c *Client) unindex(ctx context.Context, path, locator, timestamp string) (*UnindexResult, error) {
	body := map[string]string{"locator": locator}
	if timestamp != "" {
		body["datetime"] = timestamp
	}
	var res UnindexResult
	if err := c.call(ctx, http.MethodPost, path, nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Rectify supersedes the live records of req.Locator with req.Content.
// A failure after rows were dropped returns an *APIError matching
// ErrPartialRectification whose Removed field says how many.
func (c *Client) Rectify(ctx context.Context, req RectifyRequest) (*RectifyResult, error) {
	var res RectifyResult
	if err := c.call(ctx, http.MethodPost, "/tracking/rectify", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Verify checks that req.Content with req.Salt matches the payload
// registered under req.TransactionRef.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	var res VerifyResult
	if err := c.call(ctx, http.MethodPost, "/tracking/verify", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetTracking fetches one index row by id.
func (c *Client) GetTracking(ctx context.Context, id int64) (*Record, error) {
	var rec Record
	if err := c.call(ctx, http.MethodGet, "/tracking/"+strconv.FormatInt(id, 10), nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListTrackings pages through every index row. A zero limit uses the
// server default.
func (c *Client) ListTrackings(ctx context.Context, skip, limit int) ([]Record, error) {
	q := url.Values{}
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var list recordList
	if err := c.call(ctx, http.MethodGet, "/tracking", q, nil, &list); err != nil {
		return nil, err
	}
	return list.Records, nil
}

// ListForLocator returns the live records of locator, optionally restricted
// to one tracking timestamp.
func (c *Client) ListForLocator(ctx context.Context, locator, timestamp string) ([]Record, error) {
	q := url.Values{}
	if timestamp != "" {
		q.Set("datetime", timestamp)
	}
	var list recordList
	if err := c.call(ctx, http.MethodGet, "/locators/"+url.PathEscape(locator), q, nil, &list); err != nil {
		return nil, err
	}
	return list.Records, nil
}

// SimpleAnonymize returns the plain digest of content.
func (c *Client) SimpleAnonymize(ctx context.Context, content, hashMethod string) (*AnonymizeResult, error) {
	return c.anonymize(ctx, "/anonymize/simple", map[string]string{"content": content, "hash_method": hashMethod})
}

// SecureAnonymize returns the salted digest of content. An empty salt asks
// the server to generate one.
func (c *Client) SecureAnonymize(ctx context.Context, content, salt, hashMethod string) (*AnonymizeResult, error) {
	return c.anonymize(ctx, "/anonymize/secure", map[string]string{"content": content, "salt": salt, "hash_method": hashMethod})
}

func (c *Client) anonymize(ctx context.Context, path string, body map[string]string) (*AnonymizeResult, error) {
	var res AnonymizeResult
	if err := c.call(ctx, http.MethodPost, path, nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyAnonymize checks a digest without touching any ledger.
func (c *Client) VerifyAnonymize(ctx context.Context, content, salt, anonymized, hashMethod string) (bool, error) {
	var res struct {
		Valid bool `json:"valid"`
	}
	body := map[string]string{
		"content":     content,
		"salt":        salt,
		"anonymized":  anonymized,
		"hash_method": hashMethod,
	}
	if err := c.call(ctx, http.MethodPost, "/anonymize/verify", nil, body, &res); err != nil {
		return false, err
	}
	return res.Valid, nil
}

// RegisterOnChain appends payload to a ledger without indexing it.
func (c *Client) RegisterOnChain(ctx context.Context, payload, ledgerID string) (*Transaction, error) {
	var tx Transaction
	body := map[string]string{"payload": payload, "ledger_id": ledgerID}
	if err := c.call(ctx, http.MethodPost, "/onchain", nil, body, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetOnChain reads back the ledger entry for ref. An empty ledgerID uses
// the server's default ledger.
func (c *Client) GetOnChain(ctx context.Context, ref, ledgerID string) (*Transaction, error) {
	q := url.Values{}
	if ledgerID != "" {
		q.Set("ledger_id", ledgerID)
	}
	var tx Transaction
	if err := c.call(ctx, http.MethodGet, "/onchain/"+url.PathEscape(ref), q, nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}
