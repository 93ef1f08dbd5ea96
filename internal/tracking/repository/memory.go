package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/jmerrifield20/privacychain/internal/tracking/model"
)

// MemoryRepository is an in-memory, thread-safe tracking store for tests and
// single-process deployments.
type MemoryRepository struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]*model.TrackingRecord
	byRef   map[string]int64
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[int64]*model.TrackingRecord),
		byRef:   make(map[string]int64),
	}
}

// Insert stores rec and assigns its ID.
func (r *MemoryRepository) Insert(_ context.Context, rec *model.TrackingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byRef[rec.TransactionRef]; exists {
		return ErrDuplicateTransaction
	}
	r.nextID++
	rec.ID = r.nextID
	cp := *rec
	r.records[cp.ID] = &cp
	r.byRef[cp.TransactionRef] = cp.ID
	return nil
}

// GetByID returns the record with the given tracking id.
func (r *MemoryRepository) GetByID(_ context.Context, id int64) (*model.TrackingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// FindByTransactionRef returns the record indexing ref.
func (r *MemoryRepository) FindByTransactionRef(_ context.Context, ref string) (*model.TrackingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.records[id]
	return &cp, nil
}

// FindForLocator returns the records of locator, restricted to an exact
// timestamp when one is given, ordered by timestamp then id.
func (r *MemoryRepository) FindForLocator(_ context.Context, locator, timestamp string) ([]*model.TrackingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*model.TrackingRecord{}
	for _, rec := range r.records {
		if matches(rec, locator, timestamp) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sortForLocator(out)
	return out, nil
}

// DeleteForLocator removes the records FindForLocator would return and
// returns the removed records.
func (r *MemoryRepository) DeleteForLocator(_ context.Context, locator, timestamp string) ([]*model.TrackingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*model.TrackingRecord{}
	for id, rec := range r.records {
		if matches(rec, locator, timestamp) {
			delete(r.byRef, rec.TransactionRef)
			delete(r.records, id)
			out = append(out, rec)
		}
	}
	sortForLocator(out)
	return out, nil
}

// List returns records ordered by id, skipping the first skip.
func (r *MemoryRepository) List(_ context.Context, skip, limit int) ([]*model.TrackingRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if skip < 0 {
		skip = 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*model.TrackingRecord, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if skip >= len(all) {
		return []*model.TrackingRecord{}, nil
	}
	all = all[skip:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func matches(rec *model.TrackingRecord, locator, timestamp string) bool {
	if rec.Locator != locator {
		return false
	}
	return timestamp == "" || rec.TrackingTimestamp == timestamp
}
