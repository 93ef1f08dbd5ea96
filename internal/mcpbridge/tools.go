package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/privacychain/pkg/client"
)

// ToolDefinition is the MCP tool descriptor sent in tools/list responses.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func ok(text string) (string, bool)   { return text, false }
func fail(text string) (string, bool) { return text, true }
func failf(format string, a ...any) (string, bool) {
	return fmt.Sprintf(format, a...), true
}

// Tracker is the subset of the PrivacyChain SDK the tools call.
// *client.Client satisfies it.
type Tracker interface {
	Ledgers(ctx context.Context) (*client.LedgerInfo, error)
	ListForLocator(ctx context.Context, locator, timestamp string) ([]client.Record, error)
	Verify(ctx context.Context, req client.VerifyRequest) (*client.VerifyResult, error)
	GetOnChain(ctx context.Context, ref, ledgerID string) (*client.Transaction, error)
	SimpleAnonymize(ctx context.Context, content, hashMethod string) (*client.AnonymizeResult, error)
	SecureAnonymize(ctx context.Context, content, salt, hashMethod string) (*client.AnonymizeResult, error)
	VerifyAnonymize(ctx context.Context, content, salt, anonymized, hashMethod string) (bool, error)
}

// ToolRegistry holds the tracker and the definitions/handlers for all tools.
// Only lookups and verifications are exposed; nothing here mutates the index.
type ToolRegistry struct {
	t    Tracker
	defs []ToolDefinition
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var hashMethodProp = prop("string", "Digest algorithm: MD5, SHA1, SHA256 or SHA512. Server default when empty.")

// NewToolRegistry creates a ToolRegistry backed by t.
func NewToolRegistry(t Tracker) *ToolRegistry {
	r := &ToolRegistry{t: t}
	r.defs = []ToolDefinition{
		{
			Name:        "list_ledgers",
			Description: "List the ledgers the PrivacyChain server can register on, with its default ledger and digest.",
			InputSchema: object(nil, map[string]any{}),
		},
		{
			Name: "find_records",
			Description: "List the live index records of a data subject's locator. " +
				"Unindexed or removed records are not returned.",
			InputSchema: object([]string{"locator"}, map[string]any{
				"locator":  prop("string", "Locator the records were indexed under, e.g. a customer id."),
				"datetime": prop("string", "Only return the record with this tracking timestamp."),
			}),
		},
		{
			Name: "verify_registration",
			Description: "Check that content and salt hash to the payload registered on a ledger " +
				"under transaction_ref. Works after the record was unindexed.",
			InputSchema: object([]string{"transaction_ref", "content"}, map[string]any{
				"transaction_ref": prop("string", "Ledger transaction reference, e.g. 0x3fa9..."),
				"content":         prop("string", "Canonical data that was indexed."),
				"salt":            prop("string", "Salt returned when the data was indexed. Empty for plain digests."),
				"hash_method":     hashMethodProp,
				"ledger_id":       prop("string", "Ledger to check. Taken from the index when empty."),
			}),
		},
		{
			Name:        "get_transaction",
			Description: "Read the ledger entry registered under a transaction reference.",
			InputSchema: object([]string{"transaction_ref"}, map[string]any{
				"transaction_ref": prop("string", "Ledger transaction reference."),
				"ledger_id":       prop("string", "Ledger to read. Server default when empty."),
			}),
		},
		{
			Name:        "anonymize",
			Description: "Compute the digest PrivacyChain would register for content, without touching any ledger.",
			InputSchema: object([]string{"content"}, map[string]any{
				"content":     prop("string", "Canonical data to anonymize."),
				"secure":      prop("boolean", "Use a salted digest. A salt is generated when none is given."),
				"salt":        prop("string", "Salt for the secure digest."),
				"hash_method": hashMethodProp,
			}),
		},
		{
			Name:        "verify_anonymized",
			Description: "Check whether content and salt produce a given digest.",
			InputSchema: object([]string{"content", "anonymized"}, map[string]any{
				"content":     prop("string", "Canonical data."),
				"salt":        prop("string", "Salt used for the digest. Empty for plain digests."),
				"anonymized":  prop("string", "Hex digest to check against."),
				"hash_method": hashMethodProp,
			}),
		},
	}
	return r
}

// Definitions returns the list of tool definitions for tools/list responses.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	return r.defs
}

// Call dispatches a tool call by name and returns (output text, isError).
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	switch name {
	case "list_ledgers":
		return r.listLedgers(ctx)
	case "find_records":
		return r.findRecords(ctx, args)
	case "verify_registration":
		return r.verifyRegistration(ctx, args)
	case "get_transaction":
		return r.getTransaction(ctx, args)
	case "anonymize":
		return r.anonymize(ctx, args)
	case "verify_anonymized":
		return r.verifyAnonymized(ctx, args)
	default:
		return failf("unknown tool: %q", name)
	}
}

// ── tool handlers ────────────────────────────────────────────────────────────

func (r *ToolRegistry) listLedgers(ctx context.Context) (string, bool) {
	info, err := r.t.Ledgers(ctx)
	if err != nil {
		return failf("list ledgers failed: %v", err)
	}
	return render(info)
}

func (r *ToolRegistry) findRecords(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Locator  string `json:"locator"`
		Datetime string `json:"datetime"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.Locator == "" {
		return fail("locator is required")
	}

	recs, err := r.t.ListForLocator(ctx, in.Locator, in.Datetime)
	if err != nil {
		return failf("find records failed: %v", err)
	}
	if len(recs) == 0 {
		return ok("No live records for this locator.")
	}
	return render(recs)
}

func (r *ToolRegistry) verifyRegistration(ctx context.Context, args json.RawMessage) (string, bool) {
	var in client.VerifyRequest
	if err := json.Unmarshal(args, &in); err != nil || in.TransactionRef == "" {
		return fail("transaction_ref is required")
	}

	res, err := r.t.Verify(ctx, in)
	if errors.Is(err, client.ErrNotFound) {
		return ok("No registration exists under this transaction reference.")
	}
	if err != nil {
		return failf("verify failed: %v", err)
	}
	return render(res)
}

func (r *ToolRegistry) getTransaction(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		TransactionRef string `json:"transaction_ref"`
		LedgerID       string `json:"ledger_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.TransactionRef == "" {
		return fail("transaction_ref is required")
	}

	tx, err := r.t.GetOnChain(ctx, in.TransactionRef, in.LedgerID)
	if err != nil {
		return failf("get transaction failed: %v", err)
	}
	return render(tx)
}

func (r *ToolRegistry) anonymize(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Content    string `json:"content"`
		Secure     bool   `json:"secure"`
		Salt       string `json:"salt"`
		HashMethod string `json:"hash_method"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.Content == "" {
		return fail("content is required")
	}

	var (
		res *client.AnonymizeResult
		err error
	)
	if in.Secure || in.Salt != "" {
		res, err = r.t.SecureAnonymize(ctx, in.Content, in.Salt, in.HashMethod)
	} else {
		res, err = r.t.SimpleAnonymize(ctx, in.Content, in.HashMethod)
	}
	if err != nil {
		return failf("anonymize failed: %v", err)
	}
	return render(res)
}

func (r *ToolRegistry) verifyAnonymized(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Content    string `json:"content"`
		Salt       string `json:"salt"`
		Anonymized string `json:"anonymized"`
		HashMethod string `json:"hash_method"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.Content == "" || in.Anonymized == "" {
		return fail("content and anonymized are required")
	}

	valid, err := r.t.VerifyAnonymize(ctx, in.Content, in.Salt, in.Anonymized, in.HashMethod)
	if err != nil {
		return failf("verify failed: %v", err)
	}
	return render(map[string]bool{"valid": valid})
}

func render(v any) (string, bool) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return failf("encode result: %v", err)
	}
	return ok(string(out))
}
