package health

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/privacychain/internal/ledger"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubVerifier struct {
	mu  sync.Mutex
	err error
}

func (s *stubVerifier) Verify(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stubVerifier) set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type alertRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *alertRecorder) record(_ context.Context, eventType string, _ map[string]string) {
	a.mu.Lock()
	a.events = append(a.events, eventType)
	a.mu.Unlock()
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheckAll_intactChain(t *testing.T) {
	chain := ledger.New()
	_, _ = chain.Register(context.Background(), []byte("a"))

	checker := New([]Target{{Name: "ethereum", Chain: chain}}, Config{}, zap.NewNop())
	var results []bool
	checker.SetMetricsRecord(func(valid bool) { results = append(results, valid) })

	checker.CheckAll(context.Background())

	if !checker.Intact("ethereum") {
		t.Error("expected chain to be intact")
	}
	if len(results) != 1 || !results[0] {
		t.Errorf("metrics: got %v", results)
	}
}

func TestCheckAll_brokenThenRestored(t *testing.T) {
	v := &stubVerifier{}
	alerts := &alertRecorder{}
	checker := New([]Target{{Name: "bitcoin", Chain: v}}, Config{}, zap.NewNop())
	checker.SetAlert(alerts.record)

	v.set(fmt.Errorf("hash chain broken at index 3"))
	checker.CheckAll(context.Background())
	checker.CheckAll(context.Background()) // still broken: no second alert

	if checker.Intact("bitcoin") {
		t.Error("expected chain to be reported broken")
	}

	v.set(nil)
	checker.CheckAll(context.Background())
	if !checker.Intact("bitcoin") {
		t.Error("expected chain to be reported intact again")
	}

	want := []string{"chain.integrity_broken", "chain.integrity_restored"}
	if fmt.Sprint(alerts.events) != fmt.Sprint(want) {
		t.Errorf("alerts: got %v, want %v", alerts.events, want)
	}
}

func TestCheckAll_unavailableIsNotBroken(t *testing.T) {
	v := &stubVerifier{err: fmt.Errorf("%w: connection refused", ledger.ErrUnavailable)}
	alerts := &alertRecorder{}
	checker := New([]Target{{Name: "hyperledger", Chain: v}}, Config{}, zap.NewNop())
	checker.SetAlert(alerts.record)
	metricsCalled := false
	checker.SetMetricsRecord(func(bool) { metricsCalled = true })

	checker.CheckAll(context.Background())

	if !checker.Intact("hyperledger") {
		t.Error("unavailable store must not mark the chain broken")
	}
	if len(alerts.events) != 0 || metricsCalled {
		t.Error("unavailable store must not alert or record a result")
	}
}

func TestIntact_unknownName(t *testing.T) {
	checker := New(nil, Config{}, zap.NewNop())
	if checker.Intact("nope") {
		t.Error("unknown chain must not report intact")
	}
}

func TestStart_stopsOnCancel(t *testing.T) {
	checker := New(nil, Config{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()
	cancel()
	<-done
}
