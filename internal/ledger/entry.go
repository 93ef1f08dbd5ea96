package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// GenesisHash is the canonical well-known hash of the genesis entry.
// All subsequent entry hashes chain from this constant.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// SystemAccount is used as both sides of an append when no accounts are configured.
const SystemAccount = "privacychain-system"

// refPrefix marks transaction references the way Ethereum-style ledgers do.
const refPrefix = "0x"

// Entry is a single transaction in the chain.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Data      []byte    `json:"data"`
	DataHash  string    `json:"data_hash"` // SHA-256 of Data
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// TransactionRef returns the reference callers use to retrieve this entry.
func (e *Entry) TransactionRef() string {
	return refPrefix + e.Hash
}

// ParseRef normalises a transaction reference to the bare entry hash.
// The "0x" prefix is optional; hex digits are case-insensitive.
func ParseRef(ref string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(ref))
	h = strings.TrimPrefix(h, refPrefix)
	if len(h) != sha256.Size*2 {
		return "", fmt.Errorf("%w: malformed reference %q", ErrNotFound, ref)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("%w: malformed reference %q", ErrNotFound, ref)
	}
	return h, nil
}

// NormalizeRef returns the canonical "0x"-prefixed lowercase form of a
// hash-chain reference. References in any other format are only trimmed.
func NormalizeRef(ref string) string {
	if h, err := ParseRef(ref); err == nil {
		return refPrefix + h
	}
	return strings.TrimSpace(ref)
}

// hashEntry computes a deterministic SHA-256 hash over an entry's fields.
// This function must never be called on the genesis entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.From, e.To, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// now returns the current time at the microsecond precision PostgreSQL stores.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// pickAccounts chooses pseudo-random source and destination identities.
func pickAccounts(accounts []string) (from, to string) {
	if len(accounts) == 0 {
		return SystemAccount, SystemAccount
	}
	return accounts[rand.IntN(len(accounts))], accounts[rand.IntN(len(accounts))]
}

// verifyLink checks curr against its predecessor.
func verifyLink(prev, curr *Entry) error {
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.DataHash != sha256Sum(curr.Data) {
		return fmt.Errorf("entry %d has invalid data hash", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
