package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/jmerrifield20/privacychain/internal/anonymizer"
	"github.com/jmerrifield20/privacychain/internal/tracking/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteRepository stores tracking records in a single SQLite file. It suits
// single-node deployments that want durability without a database server.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at path and applies the
// tracking schema. Use ":memory:" for a throwaway store.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - 5-second busy timeout for lock contention
func OpenSQLite(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// ":memory:" databases alive for the life of the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Insert stores rec and assigns its ID.
func (r *SQLiteRepository) Insert(ctx context.Context, rec *model.TrackingRecord) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO tracking (canonical_data, anonymized_data, ledger_id, transaction_ref,
		                       salt, hash_method, tracking_timestamp, locator)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CanonicalData, rec.AnonymizedData, string(rec.LedgerID), rec.TransactionRef,
		rec.Salt, string(rec.HashMethod), rec.TrackingTimestamp, rec.Locator,
	)
	if err != nil {
		var sqErr sqlite3.Error
		if errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("insert tracking record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read tracking id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByID returns the record with the given tracking id.
func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*model.TrackingRecord, error) {
	rec, err := scanSQLiteRecord(r.db.QueryRowContext(ctx,
		`SELECT `+trackingColumns+` FROM tracking WHERE tracking_id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tracking record: %w", err)
	}
	return rec, nil
}

// FindByTransactionRef returns the record indexing ref.
func (r *SQLiteRepository) FindByTransactionRef(ctx context.Context, ref string) (*model.TrackingRecord, error) {
	rec, err := scanSQLiteRecord(r.db.QueryRowContext(ctx,
		`SELECT `+trackingColumns+` FROM tracking WHERE transaction_ref = ?`, ref,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find tracking record by transaction ref: %w", err)
	}
	return rec, nil
}

// FindForLocator returns the records of locator, restricted to an exact
// timestamp when one is given, ordered by timestamp then id.
func (r *SQLiteRepository) FindForLocator(ctx context.Context, locator, timestamp string) ([]*model.TrackingRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+trackingColumns+` FROM tracking
		 WHERE locator = ?1 AND (?2 = '' OR tracking_timestamp = ?2)
		 ORDER BY tracking_timestamp, tracking_id`,
		locator, timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("find tracking records for locator: %w", err)
	}
	return collectSQLiteRecords(rows)
}

// DeleteForLocator removes the records FindForLocator would return in a
// single statement and returns the removed rows.
func (r *SQLiteRepository) DeleteForLocator(ctx context.Context, locator, timestamp string) ([]*model.TrackingRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`DELETE FROM tracking WHERE locator = ?1 AND (?2 = '' OR tracking_timestamp = ?2)
		 RETURNING `+trackingColumns,
		locator, timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("delete tracking records for locator: %w", err)
	}
	out, err := collectSQLiteRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("delete tracking records for locator: %w", err)
	}
	sortForLocator(out)
	return out, nil
}

// List returns records ordered by id, skipping the first skip.
func (r *SQLiteRepository) List(ctx context.Context, skip, limit int) ([]*model.TrackingRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if skip < 0 {
		skip = 0
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+trackingColumns+` FROM tracking ORDER BY tracking_id LIMIT ? OFFSET ?`,
		limit, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("list tracking records: %w", err)
	}
	return collectSQLiteRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*model.TrackingRecord, error) {
	rec := &model.TrackingRecord{}
	var ledgerID, hashMethod string
	if err := row.Scan(
		&rec.ID, &rec.CanonicalData, &rec.AnonymizedData, &ledgerID, &rec.TransactionRef,
		&rec.Salt, &hashMethod, &rec.TrackingTimestamp, &rec.Locator,
	); err != nil {
		return nil, err
	}
	rec.LedgerID = model.LedgerID(ledgerID)
	rec.HashMethod = anonymizer.HashMethod(hashMethod)
	return rec, nil
}

func collectSQLiteRecords(rows *sql.Rows) ([]*model.TrackingRecord, error) {
	defer rows.Close()
	out := []*model.TrackingRecord{}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracking record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracking records: %w", err)
	}
	return out, nil
}
