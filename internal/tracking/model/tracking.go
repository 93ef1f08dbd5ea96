package model

import (
	"fmt"
	"strings"

	"github.com/jmerrifield20/privacychain/internal/anonymizer"
)

// LedgerID names one of the ledgers a record can be registered on.
type LedgerID string

const (
	LedgerHyperledger LedgerID = "hyperledger"
	LedgerEthereum    LedgerID = "ethereum"
	LedgerBitcoin     LedgerID = "bitcoin"
)

// DefaultLedgerID is used when neither the request nor the configuration names one.
const DefaultLedgerID = LedgerEthereum

// LedgerIDs lists every known ledger.
var LedgerIDs = []LedgerID{LedgerHyperledger, LedgerEthereum, LedgerBitcoin}

// legacyLedgerIDs maps the numeric identifiers older clients send.
var legacyLedgerIDs = map[string]LedgerID{
	"1": LedgerHyperledger,
	"2": LedgerEthereum,
	"3": LedgerBitcoin,
}

// ParseLedgerID resolves a ledger name or its legacy numeric id.
// Empty input returns "" so callers can apply their own default.
func ParseLedgerID(s string) (LedgerID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	if id, ok := legacyLedgerIDs[s]; ok {
		return id, nil
	}
	id := LedgerID(s)
	if !id.Valid() {
		return "", &ErrValidation{Msg: fmt.Sprintf("unknown ledger_id %q", s)}
	}
	return id, nil
}

// Valid reports whether id is a known ledger.
func (id LedgerID) Valid() bool {
	for _, known := range LedgerIDs {
		if id == known {
			return true
		}
	}
	return false
}

// TrackingRecord associates a subject locator with one ledger-registered
// anonymized payload. Records are never updated in place.
type TrackingRecord struct {
	ID                int64                 `json:"tracking_id"        db:"tracking_id"`
	CanonicalData     string                `json:"canonical_data"     db:"canonical_data"`
	AnonymizedData    string                `json:"anonymized_data"    db:"anonymized_data"`
	LedgerID          LedgerID              `json:"ledger_id"          db:"ledger_id"`
	TransactionRef    string                `json:"transaction_ref"    db:"transaction_ref"`
	Salt              string                `json:"salt"               db:"salt"`
	HashMethod        anonymizer.HashMethod `json:"hash_method"        db:"hash_method"`
	TrackingTimestamp string                `json:"tracking_timestamp" db:"tracking_timestamp"`
	Locator           string                `json:"locator"            db:"locator"`
}

// IndexRequest is the input to index and indexSecure. Salt is ignored by index.
type IndexRequest struct {
	Content    string `json:"content"`
	Locator    string `json:"locator"`
	Timestamp  string `json:"datetime,omitempty"`
	Salt       string `json:"salt,omitempty"`
	HashMethod string `json:"hash_method,omitempty"`
	LedgerID   string `json:"ledger_id,omitempty"`
}

// UnindexRequest selects the records to drop for a locator. An empty
// Timestamp selects every record of the locator.
type UnindexRequest struct {
	Locator   string `json:"locator"`
	Timestamp string `json:"datetime,omitempty"`
}

// UnindexResult reports how many index rows an unindex or remove dropped.
type UnindexResult struct {
	Locator   string `json:"locator"`
	Timestamp string `json:"datetime,omitempty"`
	Removed   int    `json:"removed"`
}

// RectifyRequest supersedes every live record of Locator with Content.
type RectifyRequest struct {
	Locator    string `json:"locator"`
	Timestamp  string `json:"datetime,omitempty"`
	Content    string `json:"content"`
	Salt       string `json:"salt,omitempty"`
	HashMethod string `json:"hash_method,omitempty"`
	LedgerID   string `json:"ledger_id,omitempty"`
}

// RectifyResult is the outcome of a successful rectification.
type RectifyResult struct {
	Removed int             `json:"removed"`
	Record  *TrackingRecord `json:"record"`
}

// VerifyRequest asks whether Content with Salt hashes to the payload
// registered under TransactionRef.
type VerifyRequest struct {
	TransactionRef string `json:"transaction_ref"`
	Content        string `json:"content"`
	Salt           string `json:"salt"`
	HashMethod     string `json:"hash_method,omitempty"`
	LedgerID       string `json:"ledger_id,omitempty"`
}

// VerifyResult is the outcome of verify.
type VerifyResult struct {
	Valid          bool                  `json:"valid"`
	TransactionRef string                `json:"transaction_ref"`
	LedgerID       LedgerID              `json:"ledger_id"`
	HashMethod     anonymizer.HashMethod `json:"hash_method"`
}

// AnonymizeRequest is the input to the pure anonymization operations.
type AnonymizeRequest struct {
	Content    string `json:"content"`
	Salt       string `json:"salt,omitempty"`
	HashMethod string `json:"hash_method,omitempty"`
}

// AnonymizeResult is a digest and, for secure anonymization, the salt used.
type AnonymizeResult struct {
	Anonymized string                `json:"anonymized"`
	Salt       string                `json:"salt,omitempty"`
	HashMethod anonymizer.HashMethod `json:"hash_method"`
}

// VerifyAnonymizeRequest checks a digest without touching any ledger.
type VerifyAnonymizeRequest struct {
	Content    string `json:"content"`
	Salt       string `json:"salt"`
	Anonymized string `json:"anonymized"`
	HashMethod string `json:"hash_method,omitempty"`
}

// RegisterRequest appends a raw payload to a ledger without indexing it.
type RegisterRequest struct {
	Payload  string `json:"payload"`
	LedgerID string `json:"ledger_id,omitempty"`
}

// RegisterResult is the reference a direct registration produced.
type RegisterResult struct {
	TransactionRef string   `json:"transaction_ref"`
	LedgerID       LedgerID `json:"ledger_id"`
}

// OnChainTransaction is a ledger entry as read back through the coordinator.
type OnChainTransaction struct {
	LedgerID       LedgerID `json:"ledger_id"`
	TransactionRef string   `json:"transaction_ref"`
	Payload        string   `json:"payload"`
	Index          *int     `json:"index,omitempty"`
	Timestamp      string   `json:"timestamp,omitempty"`
	From           string   `json:"from,omitempty"`
	To             string   `json:"to,omitempty"`
	DataHash       string   `json:"data_hash,omitempty"`
	PrevHash       string   `json:"prev_hash,omitempty"`
	Hash           string   `json:"hash,omitempty"`
}
