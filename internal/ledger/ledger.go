// Package ledger implements the append-only store that PrivacyChain registers
// anonymized payloads on.
//
// The Ledger interface is the adapter boundary the tracking coordinator
// depends on: append an opaque payload and get back a unique transaction
// reference, or read a payload back by reference. Nothing in this package
// updates or deletes a registered payload.
//
// Implementations:
//   - MemoryLedger: in-process hash chain, for tests and single-node setups.
//   - PostgresLedger: durable hash chain.
//   - RemoteLedger: HTTP client for a ledgerd node.
//   - CachedLedger: read-through cache in front of any Ledger.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a transaction reference is unknown to the ledger.
	ErrNotFound = errors.New("ledger: transaction not found")

	// ErrUnavailable is returned on transport, storage or timeout failures.
	ErrUnavailable = errors.New("ledger: unavailable")

	// ErrNoEntries is returned by wrappers whose underlying ledger only
	// stores payloads and cannot serve Lookup.
	ErrNoEntries = errors.New("ledger: entries not exposed")
)

// Ledger is the append/read contract for an immutable payload store.
type Ledger interface {
	// Register appends payload and returns its transaction reference. The
	// write is durable once Register returns without error.
	Register(ctx context.Context, payload []byte) (string, error)

	// Retrieve returns the payload registered under ref, or ErrNotFound.
	Retrieve(ctx context.Context, ref string) ([]byte, error)
}

// EntryReader is implemented by ledgers that can return the full entry
// recorded for a transaction reference.
type EntryReader interface {
	Lookup(ctx context.Context, ref string) (*Entry, error)
}

// Chain is a hash-chained Ledger that can be inspected and verified.
// Both MemoryLedger and PostgresLedger implement this interface.
type Chain interface {
	Ledger
	EntryReader

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the total number of entries (including the genesis entry).
	Len(ctx context.Context) (int, error)

	// Verify walks the entire chain and checks hash consistency.
	// Returns nil if the chain is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry (the chain tip).
	Root(ctx context.Context) (string, error)
}
