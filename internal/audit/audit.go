// Package audit publishes compliance events (index, unindex, rectify, remove,
// chain integrity) to an external sink. Publishing never blocks a compliance
// operation from succeeding: callers log and drop publish failures.
package audit

import (
	"context"
	"sync"
	"time"
)

// Event types emitted by the tracking coordinator and the chain checker.
const (
	EventIndexed        = "tracking.indexed"
	EventUnindexed      = "tracking.unindexed"
	EventRemoved        = "tracking.removed"
	EventRectified      = "tracking.rectified"
	EventRectifyPartial = "tracking.rectify_partial"
	EventChainBroken    = "chain.integrity_broken"
	EventChainRestored  = "chain.integrity_restored"
)

// Event is one compliance fact. It never carries canonical data or salts.
type Event struct {
	Type            string            `json:"type"`
	Locator         string            `json:"locator,omitempty"`
	LedgerID        string            `json:"ledger_id,omitempty"`
	TransactionRefs []string          `json:"transaction_refs,omitempty"`
	Count           int               `json:"count,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	OccurredAt      time.Time         `json:"occurred_at"`
}

// Publisher emits audit events.
type Publisher interface {
	Emit(ctx context.Context, e Event) error
}

// Noop discards every event.
type Noop struct{}

// Emit implements Publisher.
func (Noop) Emit(context.Context, Event) error { return nil }

// Memory keeps events in process, for tests and local inspection.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty Memory publisher.
func NewMemory() *Memory { return &Memory{} }

// Emit implements Publisher.
func (m *Memory) Emit(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything emitted so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the type of every emitted event, in order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}
