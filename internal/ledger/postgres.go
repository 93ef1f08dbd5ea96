package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Register calls. The value is arbitrary but must be consistent
// across all ledger nodes sharing a database.
const advisoryLockKey = int64(1_159_876_544)

const entryColumns = `idx, timestamp, from_account, to_account, data, data_hash, prev_hash, hash`

// PostgresLedger persists the hash chain to a PostgreSQL database.
// It implements the Chain interface. The ledger_entries table and its genesis
// row are created by migrations/002_ledger.up.sql.
type PostgresLedger struct {
	pool     *pgxpool.Pool
	accounts []string
	logger   *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, accounts []string, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, accounts: accounts, logger: logger}
}

// Register implements Ledger.
// It acquires a PostgreSQL advisory lock, reads the chain tail, computes the
// new entry hash, and inserts it, all within a single transaction.
func (l *PostgresLedger) Register(ctx context.Context, payload []byte) (string, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return "", unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return "", unavailable("acquire advisory lock", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM ledger_entries ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return "", unavailable("read ledger tail", err)
	}

	from, to := pickAccounts(l.accounts)
	entry := &Entry{
		Index:     prevIdx + 1,
		Timestamp: now(),
		From:      from,
		To:        to,
		Data:      payload,
		DataHash:  sha256Sum(payload),
		PrevHash:  prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Index, entry.Timestamp, entry.From, entry.To,
		entry.Data, entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return "", unavailable("insert ledger entry", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", unavailable("commit ledger tx", err)
	}

	l.logger.Debug("ledger entry appended",
		zap.Int("idx", entry.Index),
		zap.String("transaction_ref", entry.TransactionRef()),
	)
	return entry.TransactionRef(), nil
}

// Retrieve implements Ledger.
func (l *PostgresLedger) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	e, err := l.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.Data, nil
}

// Lookup implements EntryReader.
func (l *PostgresLedger) Lookup(ctx context.Context, ref string) (*Entry, error) {
	h, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	e, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE hash = $1 AND idx > 0`, h,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, unavailable("lookup ledger entry", err)
	}
	return e, nil
}

// Get implements Chain.
func (l *PostgresLedger) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idx = $1`, index,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
		}
		return nil, unavailable(fmt.Sprintf("get ledger entry %d", index), err)
	}
	return e, nil
}

// Len implements Chain.
func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, unavailable("count ledger entries", err)
	}
	return n, nil
}

// Verify implements Chain. It streams all rows ordered by idx and validates
// the hash chain. O(n) in ledger length; may be slow for very large ledgers.
func (l *PostgresLedger) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries ORDER BY idx ASC`,
	)
	if err != nil {
		return unavailable("query ledger", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return unavailable("scan ledger row", err)
		}

		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}

		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Chain.
func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM ledger_entries ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", unavailable("get ledger root", err)
	}
	return hash, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	if err := row.Scan(
		&e.Index, &e.Timestamp, &e.From, &e.To,
		&e.Data, &e.DataHash, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
