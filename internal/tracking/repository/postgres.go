package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/privacychain/internal/tracking/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const trackingColumns = `tracking_id, canonical_data, anonymized_data, ledger_id, transaction_ref,
	salt, hash_method, tracking_timestamp, locator`

// PostgresRepository provides persistence for tracking records in the
// tracking table created by migrations/001_tracking.up.sql.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert stores rec and assigns its ID.
func (r *PostgresRepository) Insert(ctx context.Context, rec *model.TrackingRecord) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO tracking (canonical_data, anonymized_data, ledger_id, transaction_ref,
		                       salt, hash_method, tracking_timestamp, locator)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING tracking_id`,
		rec.CanonicalData, rec.AnonymizedData, rec.LedgerID, rec.TransactionRef,
		rec.Salt, rec.HashMethod, rec.TrackingTimestamp, rec.Locator,
	).Scan(&rec.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("insert tracking record: %w", err)
	}
	return nil
}

// GetByID returns the record with the given tracking id.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*model.TrackingRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx,
		`SELECT `+trackingColumns+` FROM tracking WHERE tracking_id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tracking record: %w", err)
	}
	return rec, nil
}

// FindByTransactionRef returns the record indexing ref.
func (r *PostgresRepository) FindByTransactionRef(ctx context.Context, ref string) (*model.TrackingRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx,
		`SELECT `+trackingColumns+` FROM tracking WHERE transaction_ref = $1`, ref,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find tracking record by transaction ref: %w", err)
	}
	return rec, nil
}

// FindForLocator returns the records of locator, restricted to an exact
// timestamp when one is given, ordered by timestamp then id.
func (r *PostgresRepository) FindForLocator(ctx context.Context, locator, timestamp string) ([]*model.TrackingRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+trackingColumns+` FROM tracking
		 WHERE locator = $1 AND ($2 = '' OR tracking_timestamp = $2)
		 ORDER BY tracking_timestamp, tracking_id`,
		locator, timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("find tracking records for locator: %w", err)
	}
	return collectRecords(rows)
}

// DeleteForLocator removes the records FindForLocator would return in a
// single statement and returns the removed rows.
func (r *PostgresRepository) DeleteForLocator(ctx context.Context, locator, timestamp string) ([]*model.TrackingRecord, error) {
	rows, err := r.db.Query(ctx,
		`DELETE FROM tracking WHERE locator = $1 AND ($2 = '' OR tracking_timestamp = $2)
		 RETURNING `+trackingColumns,
		locator, timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("delete tracking records for locator: %w", err)
	}
	out, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("delete tracking records for locator: %w", err)
	}
	sortForLocator(out)
	return out, nil
}

// List returns records ordered by id, skipping the first skip.
func (r *PostgresRepository) List(ctx context.Context, skip, limit int) ([]*model.TrackingRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if skip < 0 {
		skip = 0
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+trackingColumns+` FROM tracking ORDER BY tracking_id LIMIT $1 OFFSET $2`,
		limit, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("list tracking records: %w", err)
	}
	return collectRecords(rows)
}

func scanRecord(row pgx.Row) (*model.TrackingRecord, error) {
	rec := &model.TrackingRecord{}
	if err := row.Scan(
		&rec.ID, &rec.CanonicalData, &rec.AnonymizedData, &rec.LedgerID, &rec.TransactionRef,
		&rec.Salt, &rec.HashMethod, &rec.TrackingTimestamp, &rec.Locator,
	); err != nil {
		return nil, err
	}
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]*model.TrackingRecord, error) {
	defer rows.Close()
	out := []*model.TrackingRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
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
