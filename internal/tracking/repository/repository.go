// Package repository persists tracking records: the off-chain index that says
// which ledger entries are currently live for a locator.
//
// Three stores share one contract: MemoryRepository, PostgresRepository and
// SQLiteRepository. Records are inserted and deleted, never updated.
package repository

import (
	"errors"
	"sort"

	"github.com/jmerrifield20/privacychain/internal/tracking/model"
)

var (
	// ErrNotFound is returned when no record matches the lookup key.
	ErrNotFound = errors.New("tracking record not found")

	// ErrDuplicateTransaction is returned when a record with the same
	// transaction reference already exists.
	ErrDuplicateTransaction = errors.New("transaction already registered")
)

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 100

// sortForLocator orders records by timestamp then id, the order
// FindForLocator and DeleteForLocator report them in.
func sortForLocator(recs []*model.TrackingRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].TrackingTimestamp != recs[j].TrackingTimestamp {
			return recs[i].TrackingTimestamp < recs[j].TrackingTimestamp
		}
		return recs[i].ID < recs[j].ID
	})
}
