package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jmerrifield20/privacychain/internal/anonymizer"
	"github.com/jmerrifield20/privacychain/internal/ledger"
	"github.com/jmerrifield20/privacychain/internal/tracking/model"
	"github.com/jmerrifield20/privacychain/internal/tracking/repository"
)

// GetTracking returns the index row with the given tracking id.
func (c *Coordinator) GetTracking(ctx context.Context, id int64) (*model.TrackingRecord, error) {
	rec, err := c.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrTrackingNotFound, id)
		}
		return nil, fmt.Errorf("get tracking record: %w", err)
	}
	return rec, nil
}

// ListTrackings returns index rows ordered by tracking id.
// limit <= 0 uses repository.DefaultListLimit; larger pages are capped.
func (c *Coordinator) ListTrackings(ctx context.Context, skip, limit int) ([]*model.TrackingRecord, error) {
	if skip < 0 {
		return nil, &model.ErrValidation{Msg: "skip must not be negative"}
	}
	if limit <= 0 {
		limit = repository.DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	recs, err := c.store.List(ctx, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list tracking records: %w", err)
	}
	return recs, nil
}

// ListForLocator returns the live records of locator, optionally restricted
// to one tracking timestamp. The result is empty, never nil, when nothing matches.
func (c *Coordinator) ListForLocator(ctx context.Context, locator, timestamp string) ([]*model.TrackingRecord, error) {
	locator, err := requireLocator(locator)
	if err != nil {
		return nil, err
	}
	ts := ""
	if strings.TrimSpace(timestamp) != "" {
		if ts, err = model.ParseTimestamp(timestamp); err != nil {
			return nil, err
		}
	}
	recs, err := c.store.FindForLocator(ctx, locator, ts)
	if err != nil {
		return nil, fmt.Errorf("find records for locator: %w", err)
	}
	return recs, nil
}

// RegisterOnChain appends req.Payload to a ledger without indexing it.
func (c *Coordinator) RegisterOnChain(ctx context.Context, req model.RegisterRequest) (res *model.RegisterResult, err error) {
	ctx, span := c.start(ctx, OpRegisterOnChain)
	defer func() { c.finish(span, OpRegisterOnChain, err) }()

	if req.Payload == "" {
		return nil, &model.ErrValidation{Msg: "payload is required"}
	}
	id, l, err := c.resolveLedger(req.LedgerID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("ledger.id", string(id)))

	ref, err := c.register(ctx, l, []byte(req.Payload))
	if err != nil {
		return nil, err
	}
	c.logger.Info("payload registered", zap.String("ledger_id", string(id)), zap.String("transaction_ref", ref))
	return &model.RegisterResult{TransactionRef: ref, LedgerID: id}, nil
}

// GetOnChain reads a transaction back from a ledger. Ledgers that keep full
// entries return the chain metadata too; others return the payload alone.
func (c *Coordinator) GetOnChain(ctx context.Context, ref, ledgerID string) (res *model.OnChainTransaction, err error) {
	ctx, span := c.start(ctx, OpGetOnChain)
	defer func() { c.finish(span, OpGetOnChain, err) }()

	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &model.ErrValidation{Msg: "transaction_ref is required"}
	}
	id, l, err := c.resolveLedger(ledgerID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("ledger.id", string(id)))

	if r, ok := l.(ledger.EntryReader); ok {
		e, err := c.lookup(ctx, r, ref)
		switch {
		case err == nil:
			idx := e.Index
			return &model.OnChainTransaction{
				LedgerID:       id,
				TransactionRef: e.TransactionRef(),
				Payload:        string(e.Data),
				Index:          &idx,
				Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
				From:           e.From,
				To:             e.To,
				DataHash:       e.DataHash,
				PrevHash:       e.PrevHash,
				Hash:           e.Hash,
			}, nil
		case !errors.Is(err, ledger.ErrNoEntries):
			return nil, err
		}
	}

	payload, err := c.retrieve(ctx, l, ref)
	if err != nil {
		return nil, err
	}
	return &model.OnChainTransaction{LedgerID: id, TransactionRef: ref, Payload: string(payload)}, nil
}

func (c *Coordinator) lookup(ctx context.Context, r ledger.EntryReader, ref string) (*ledger.Entry, error) {
	ctx, cancel := c.ledgerContext(ctx)
	defer cancel()
	e, err := r.Lookup(ctx, ref)
	if err != nil {
		if errors.Is(err, ledger.ErrNoEntries) {
			return nil, err
		}
		return nil, ledgerError("lookup", err)
	}
	return e, nil
}

// ── Pure anonymization ───────────────────────────────────────────────────────

// SimpleAnonymize returns the unsalted digest of req.Content.
func (c *Coordinator) SimpleAnonymize(req model.AnonymizeRequest) (*model.AnonymizeResult, error) {
	method, err := c.hashMethod(req.HashMethod)
	if err != nil {
		return nil, err
	}
	digest, err := anonymizer.Simple(req.Content, method)
	if err != nil {
		return nil, err
	}
	return &model.AnonymizeResult{Anonymized: digest, HashMethod: method}, nil
}

// SecureAnonymize returns the salted digest of req.Content and the salt used.
func (c *Coordinator) SecureAnonymize(req model.AnonymizeRequest) (*model.AnonymizeResult, error) {
	method, err := c.hashMethod(req.HashMethod)
	if err != nil {
		return nil, err
	}
	digest, salt, err := anonymizer.Secure(req.Content, req.Salt, method)
	if err != nil {
		return nil, err
	}
	return &model.AnonymizeResult{Anonymized: digest, Salt: salt, HashMethod: method}, nil
}

// VerifyAnonymize reports whether req.Anonymized is the salted digest of
// req.Content with req.Salt.
func (c *Coordinator) VerifyAnonymize(req model.VerifyAnonymizeRequest) (bool, error) {
	if strings.TrimSpace(req.Anonymized) == "" {
		return false, &model.ErrValidation{Msg: "anonymized is required"}
	}
	method, err := c.hashMethod(req.HashMethod)
	if err != nil {
		return false, err
	}
	return anonymizer.Verify(req.Content, req.Salt, req.Anonymized, method)
}
