package ledger

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// MemoryLedger is an in-memory, thread-safe Chain implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryLedger struct {
	mu       sync.RWMutex
	entries  []*Entry
	byHash   map[string]int
	accounts []string
}

// New creates a MemoryLedger initialised with the canonical genesis entry.
// Appends pick their from/to identities from accounts at random.
func New(accounts ...string) *MemoryLedger {
	l := &MemoryLedger{
		byHash:   make(map[string]int),
		accounts: accounts,
	}
	genesis := &Entry{
		Index:     0,
		Timestamp: now(),
		From:      SystemAccount,
		To:        SystemAccount,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash, // genesis hash is the well-known constant, not computed
	}
	l.entries = append(l.entries, genesis)
	return l
}

// Register implements Ledger.
func (l *MemoryLedger) Register(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.entries[len(l.entries)-1]
	from, to := pickAccounts(l.accounts)

	entry := &Entry{
		Index:     len(l.entries),
		Timestamp: now(),
		From:      from,
		To:        to,
		Data:      bytes.Clone(payload),
		DataHash:  sha256Sum(payload),
		PrevHash:  prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)
	l.byHash[entry.Hash] = entry.Index
	return entry.TransactionRef(), nil
}

// Retrieve implements Ledger.
func (l *MemoryLedger) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	e, err := l.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.Data, nil
}

// Lookup implements EntryReader. The genesis entry is not addressable.
func (l *MemoryLedger) Lookup(_ context.Context, ref string) (*Entry, error) {
	h, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byHash[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return copyEntry(l.entries[idx]), nil
}

// Get implements Chain.
func (l *MemoryLedger) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("%w: index %d out of range", ErrNotFound, index)
	}
	return copyEntry(l.entries[index]), nil
}

// Len implements Chain.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Chain. It walks the chain and checks that all hashes
// are consistent. The genesis entry (index 0) is validated against GenesisHash.
func (l *MemoryLedger) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, curr := range l.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		if err := verifyLink(l.entries[i-1], curr); err != nil {
			return err
		}
	}
	return nil
}

// Root implements Chain.
func (l *MemoryLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return "", nil
	}
	return l.entries[len(l.entries)-1].Hash, nil
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.Data = bytes.Clone(e.Data)
	return &cp
}
