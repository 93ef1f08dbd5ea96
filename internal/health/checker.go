// Package health runs periodic integrity checks over hash-chain ledgers.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/privacychain/internal/ledger"
)

// Config holds chain check configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// Verifier walks a chain and reports the first inconsistency.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Target is a named chain to check.
type Target struct {
	Name  string
	Chain Verifier
}

// AlertFunc is an optional callback for dispatching integrity events.
type AlertFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording check results.
type MetricsRecordFunc func(valid bool)

// ChainChecker runs periodic Verify passes over a set of chains.
type ChainChecker struct {
	targets   []Target
	intact    map[string]bool
	mu        sync.Mutex
	cfg       Config
	onAlert   AlertFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new ChainChecker. Every target starts out as intact.
func New(targets []Target, cfg Config, logger *zap.Logger) *ChainChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = time.Minute
	}

	intact := make(map[string]bool, len(targets))
	for _, t := range targets {
		intact[t.Name] = true
	}
	return &ChainChecker{
		targets: targets,
		intact:  intact,
		cfg:     cfg,
		logger:  logger,
	}
}

// SetAlert configures the integrity event callback.
func (h *ChainChecker) SetAlert(fn AlertFunc) {
	h.onAlert = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *ChainChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is cancelled.
func (h *ChainChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, h.cfg.CheckTimeout)
			h.CheckAll(checkCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll verifies every target concurrently.
func (h *ChainChecker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range h.targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			h.check(ctx, target)
		}(t)
	}
	wg.Wait()
}

func (h *ChainChecker) check(ctx context.Context, target Target) {
	err := target.Chain.Verify(ctx)
	if errors.Is(err, ledger.ErrUnavailable) {
		// An unreachable store says nothing about chain integrity.
		h.logger.Warn("health: chain unavailable", zap.String("chain", target.Name), zap.Error(err))
		return
	}
	valid := err == nil

	if h.onMetrics != nil {
		h.onMetrics(valid)
	}

	h.mu.Lock()
	wasIntact := h.intact[target.Name]
	h.intact[target.Name] = valid
	h.mu.Unlock()

	switch {
	case !valid && wasIntact:
		h.logger.Error("health: chain integrity broken",
			zap.String("chain", target.Name),
			zap.Error(err),
		)
		if h.onAlert != nil {
			h.onAlert(ctx, "chain.integrity_broken", map[string]string{
				"chain": target.Name,
				"error": err.Error(),
			})
		}
	case valid && !wasIntact:
		h.logger.Info("health: chain integrity restored", zap.String("chain", target.Name))
		if h.onAlert != nil {
			h.onAlert(ctx, "chain.integrity_restored", map[string]string{"chain": target.Name})
		}
	}
}

// Intact reports whether the named chain passed its most recent check.
// Unknown names report false.
func (h *ChainChecker) Intact(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.intact[name]
}
