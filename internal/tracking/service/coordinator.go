// Package service implements the tracking coordinator: the only component
// that talks to both the ledgers and the tracking index, and therefore the one
// that keeps them consistent.
//
// Compliance operations never alter a ledger. Index and IndexSecure append an
// anonymized payload and record it as live for a locator; Unindex and Remove
// drop live rows; Rectify replaces every live row of a locator with a new
// registration; Verify checks content against a registered payload.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jmerrifield20/privacychain/internal/anonymizer"
	"github.com/jmerrifield20/privacychain/internal/audit"
	"github.com/jmerrifield20/privacychain/internal/ledger"
	"github.com/jmerrifield20/privacychain/internal/tracking/model"
	"github.com/jmerrifield20/privacychain/internal/tracking/repository"
)

const tracerName = "github.com/jmerrifield20/privacychain/internal/tracking/service"

// Operation names used for spans, metrics and logs.
const (
	OpIndex           = "index"
	OpIndexSecure     = "index_secure"
	OpUnindex         = "unindex"
	OpRemove          = "remove"
	OpRectify         = "rectify"
	OpVerify          = "verify"
	OpRegisterOnChain = "register_on_chain"
	OpGetOnChain      = "get_on_chain"
)

// maxListLimit caps a single page of ListTrackings.
const maxListLimit = 1000

// IndexStore is the persistence interface for tracking records.
// *repository.MemoryRepository, *repository.PostgresRepository and
// *repository.SQLiteRepository satisfy this interface.
type IndexStore interface {
	Insert(ctx context.Context, rec *model.TrackingRecord) error
	GetByID(ctx context.Context, id int64) (*model.TrackingRecord, error)
	FindByTransactionRef(ctx context.Context, ref string) (*model.TrackingRecord, error)
	FindForLocator(ctx context.Context, locator, timestamp string) ([]*model.TrackingRecord, error)
	DeleteForLocator(ctx context.Context, locator, timestamp string) ([]*model.TrackingRecord, error)
	List(ctx context.Context, skip, limit int) ([]*model.TrackingRecord, error)
}

// Config holds the coordinator defaults. Requests may override DefaultLedger
// and DefaultHashMethod per call.
type Config struct {
	DefaultLedger     model.LedgerID
	DefaultHashMethod anonymizer.HashMethod

	// LedgerTimeout bounds every ledger call. 0 = no bound beyond the caller's context.
	LedgerTimeout time.Duration

	// Now returns the clock used for omitted timestamps. nil = time.Now.
	Now func() time.Time
}

// OperationObserver is called once per coordinator operation with the
// operation name and the outcome returned by Outcome.
type OperationObserver func(operation, outcome string)

// Coordinator orchestrates the anonymizer, the ledgers and the index store.
type Coordinator struct {
	store     IndexStore
	ledgers   map[model.LedgerID]ledger.Ledger
	cfg       Config
	publisher audit.Publisher   // never nil; audit.Noop when unset
	observe   OperationObserver // nil = no metrics
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewCoordinator creates a Coordinator over store and one ledger adapter per
// ledger id. The configured default ledger must be among ledgers.
func NewCoordinator(store IndexStore, ledgers map[model.LedgerID]ledger.Ledger, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("tracking: index store is required")
	}
	if cfg.DefaultLedger == "" {
		cfg.DefaultLedger = model.DefaultLedgerID
	}
	if cfg.DefaultHashMethod == "" {
		cfg.DefaultHashMethod = anonymizer.DefaultHashMethod
	}
	if !cfg.DefaultHashMethod.Valid() {
		return nil, fmt.Errorf("tracking: default hash method: %w: %q", anonymizer.ErrUnsupportedHashMethod, cfg.DefaultHashMethod)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	registry := make(map[model.LedgerID]ledger.Ledger, len(ledgers))
	for id, l := range ledgers {
		if !id.Valid() {
			return nil, fmt.Errorf("tracking: unknown ledger id %q", id)
		}
		if l == nil {
			return nil, fmt.Errorf("tracking: ledger %q has no adapter", id)
		}
		registry[id] = l
	}
	if _, ok := registry[cfg.DefaultLedger]; !ok {
		return nil, fmt.Errorf("tracking: default ledger %q is not configured", cfg.DefaultLedger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		store:     store,
		ledgers:   registry,
		cfg:       cfg,
		publisher: audit.Noop{},
		tracer:    otel.Tracer(tracerName),
		logger:    logger,
	}, nil
}

// SetPublisher configures where compliance events are sent.
func (c *Coordinator) SetPublisher(p audit.Publisher) {
	if p == nil {
		p = audit.Noop{}
	}
	c.publisher = p
}

// SetOperationObserver registers a callback invoked after every operation.
func (c *Coordinator) SetOperationObserver(fn OperationObserver) {
	c.observe = fn
}

// DefaultLedger returns the ledger used when a request names none.
func (c *Coordinator) DefaultLedger() model.LedgerID { return c.cfg.DefaultLedger }

// DefaultHashMethod returns the digest used when a request names none.
func (c *Coordinator) DefaultHashMethod() anonymizer.HashMethod { return c.cfg.DefaultHashMethod }

// Ledgers returns the configured ledger ids in declaration order.
func (c *Coordinator) Ledgers() []model.LedgerID {
	var out []model.LedgerID
	for _, id := range model.LedgerIDs {
		if _, ok := c.ledgers[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// ── Index ────────────────────────────────────────────────────────────────────

// Index registers the simple digest of req.Content and indexes the returned
// transaction reference as live for req.Locator. req.Salt is ignored.
func (c *Coordinator) Index(ctx context.Context, req model.IndexRequest) (rec *model.TrackingRecord, err error) {
	ctx, span := c.start(ctx, OpIndex)
	defer func() { c.finish(span, OpIndex, err) }()
	return c.index(ctx, req, false)
}

// IndexSecure is Index with the salted digest. An empty req.Salt is replaced
// by a generated one; the salt used is persisted on the returned record.
func (c *Coordinator) IndexSecure(ctx context.Context, req model.IndexRequest) (rec *model.TrackingRecord, err error) {
	ctx, span := c.start(ctx, OpIndexSecure)
	defer func() { c.finish(span, OpIndexSecure, err) }()
	return c.index(ctx, req, true)
}

func (c *Coordinator) index(ctx context.Context, req model.IndexRequest, secure bool) (*model.TrackingRecord, error) {
	p, err := c.prepare(req, secure)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("ledger.id", string(p.rec.LedgerID)),
		attribute.String("hash.method", string(p.rec.HashMethod)),
	)
	if err := c.commit(ctx, p); err != nil {
		return nil, err
	}

	c.logger.Info("record indexed",
		zap.Int64("tracking_id", p.rec.ID),
		zap.String("locator", p.rec.Locator),
		zap.String("ledger_id", string(p.rec.LedgerID)),
		zap.String("transaction_ref", p.rec.TransactionRef),
		zap.Bool("secure", secure),
	)
	c.publish(ctx, audit.Event{
		Type:            audit.EventIndexed,
		Locator:         p.rec.Locator,
		LedgerID:        string(p.rec.LedgerID),
		TransactionRefs: []string{p.rec.TransactionRef},
		Count:           1,
	})
	return p.rec, nil
}

// pending is a validated, anonymized record that has not touched a ledger yet.
type pending struct {
	rec    *model.TrackingRecord
	ledger ledger.Ledger
}

// prepare validates req and computes its digest. It has no side effects, so
// every input error surfaces before a ledger or the index is touched.
func (c *Coordinator) prepare(req model.IndexRequest, secure bool) (*pending, error) {
	locator, err := requireLocator(req.Locator)
	if err != nil {
		return nil, err
	}
	ts, err := c.timestamp(req.Timestamp)
	if err != nil {
		return nil, err
	}
	method, err := c.hashMethod(req.HashMethod)
	if err != nil {
		return nil, err
	}
	id, l, err := c.resolveLedger(req.LedgerID)
	if err != nil {
		return nil, err
	}

	var digest, salt string
	if secure {
		digest, salt, err = anonymizer.Secure(req.Content, req.Salt, method)
	} else {
		digest, err = anonymizer.Simple(req.Content, method)
	}
	if err != nil {
		return nil, err
	}

	return &pending{
		rec: &model.TrackingRecord{
			CanonicalData:     req.Content,
			AnonymizedData:    digest,
			LedgerID:          id,
			Salt:              salt,
			HashMethod:        method,
			TrackingTimestamp: ts,
			Locator:           locator,
		},
		ledger: l,
	}, nil
}

// commit registers the digest and inserts the index row. A failed
// registration leaves the index untouched.
func (c *Coordinator) commit(ctx context.Context, p *pending) error {
	ref, err := c.register(ctx, p.ledger, []byte(p.rec.AnonymizedData))
	if err != nil {
		return err
	}
	ref = ledger.NormalizeRef(ref)
	p.rec.TransactionRef = ref

	if _, err := c.store.FindByTransactionRef(ctx, ref); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, ref)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("check transaction ref: %w", err)
	}

	if err := c.store.Insert(ctx, p.rec); err != nil {
		if errors.Is(err, repository.ErrDuplicateTransaction) {
			return fmt.Errorf("%w: %s", ErrDuplicateTransaction, ref)
		}
		return fmt.Errorf("insert tracking record: %w", err)
	}
	return nil
}

// ── Unindex / Remove ─────────────────────────────────────────────────────────

// Unindex drops the live records of req.Locator, restricted to
// req.Timestamp when given. It fails with ErrNothingToUnindex when nothing
// matches. Ledger entries are never touched.
func (c *Coordinator) Unindex(ctx context.Context, req model.UnindexRequest) (res *model.UnindexResult, err error) {
	ctx, span := c.start(ctx, OpUnindex)
	defer func() { c.finish(span, OpUnindex, err) }()
	return c.unindexStrict(ctx, req, audit.EventUnindexed)
}

// Remove is the erasure request. It behaves exactly like Unindex.
func (c *Coordinator) Remove(ctx context.Context, req model.UnindexRequest) (res *model.UnindexResult, err error) {
	ctx, span := c.start(ctx, OpRemove)
	defer func() { c.finish(span, OpRemove, err) }()
	return c.unindexStrict(ctx, req, audit.EventRemoved)
}

func (c *Coordinator) unindexStrict(ctx context.Context, req model.UnindexRequest, event string) (*model.UnindexResult, error) {
	locator, err := requireLocator(req.Locator)
	if err != nil {
		return nil, err
	}
	ts := ""
	if strings.TrimSpace(req.Timestamp) != "" {
		if ts, err = model.ParseTimestamp(req.Timestamp); err != nil {
			return nil, err
		}
	}

	refs, removed, err := c.unindex(ctx, locator, ts, true)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("tracking.removed", removed))

	c.logger.Info("records unindexed",
		zap.String("event", event),
		zap.String("locator", locator),
		zap.String("datetime", ts),
		zap.Int("removed", removed),
	)
	c.publish(ctx, audit.Event{
		Type:            event,
		Locator:         locator,
		TransactionRefs: refs,
		Count:           removed,
	})
	return &model.UnindexResult{Locator: locator, Timestamp: ts, Removed: removed}, nil
}

// unindex is the shared primitive. With failOnEmpty unset an empty match is
// a successful no-op, which is what Rectify needs. The returned references
// are those of the rows this call actually deleted.
func (c *Coordinator) unindex(ctx context.Context, locator, timestamp string, failOnEmpty bool) ([]string, int, error) {
	deleted, err := c.store.DeleteForLocator(ctx, locator, timestamp)
	if err != nil {
		return nil, 0, fmt.Errorf("delete records for locator: %w", err)
	}
	if len(deleted) == 0 {
		if failOnEmpty {
			return nil, 0, fmt.Errorf("%w: locator %q", ErrNothingToUnindex, locator)
		}
		return nil, 0, nil
	}

	refs := make([]string, len(deleted))
	for i, r := range deleted {
		refs[i] = r.TransactionRef
	}
	return refs, len(deleted), nil
}

// ── Rectify ──────────────────────────────────────────────────────────────────

// Rectify supersedes every live record of req.Locator with a secure index of
// req.Content. req.Timestamp is the timestamp of the new record, not a filter.
//
// A locator with no live records is indexed for the first time. When the old
// rows were removed but the new content could not be indexed, the returned
// error is a *PartialRectificationError; retry with IndexSecure, never with
// another Rectify of the removal step.
func (c *Coordinator) Rectify(ctx context.Context, req model.RectifyRequest) (res *model.RectifyResult, err error) {
	ctx, span := c.start(ctx, OpRectify)
	defer func() { c.finish(span, OpRectify, err) }()

	p, err := c.prepare(model.IndexRequest{
		Content:    req.Content,
		Locator:    req.Locator,
		Timestamp:  req.Timestamp,
		Salt:       req.Salt,
		HashMethod: req.HashMethod,
		LedgerID:   req.LedgerID,
	}, true)
	if err != nil {
		return nil, err
	}
	locator := p.rec.Locator

	oldRefs, removed, err := c.unindex(ctx, locator, "", false)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("ledger.id", string(p.rec.LedgerID)),
		attribute.Int("tracking.removed", removed),
	)

	if err := c.commit(ctx, p); err != nil {
		if removed == 0 {
			return nil, err
		}
		c.logger.Error("rectification left locator without a live record",
			zap.String("locator", locator),
			zap.Int("removed", removed),
			zap.Error(err),
		)
		c.publish(ctx, audit.Event{
			Type:            audit.EventRectifyPartial,
			Locator:         locator,
			LedgerID:        string(p.rec.LedgerID),
			TransactionRefs: oldRefs,
			Count:           removed,
		})
		return nil, &PartialRectificationError{Locator: locator, Removed: removed, Err: err}
	}

	c.logger.Info("record rectified",
		zap.Int64("tracking_id", p.rec.ID),
		zap.String("locator", locator),
		zap.String("ledger_id", string(p.rec.LedgerID)),
		zap.String("transaction_ref", p.rec.TransactionRef),
		zap.Int("removed", removed),
	)
	c.publish(ctx, audit.Event{
		Type:            audit.EventRectified,
		Locator:         locator,
		LedgerID:        string(p.rec.LedgerID),
		TransactionRefs: append(oldRefs, p.rec.TransactionRef),
		Count:           removed,
		Attributes:      map[string]string{"new_transaction_ref": p.rec.TransactionRef},
	})
	return &model.RectifyResult{Removed: removed, Record: p.rec}, nil
}

// ── Verify ───────────────────────────────────────────────────────────────────

// Verify reports whether req.Content with req.Salt digests to the payload
// registered under req.TransactionRef. When the reference is indexed, its
// record decides the ledger and, unless the request names one, the hash
// method. A record indexed without a salt is checked against the simple
// digest when no salt is supplied.
func (c *Coordinator) Verify(ctx context.Context, req model.VerifyRequest) (res *model.VerifyResult, err error) {
	ctx, span := c.start(ctx, OpVerify)
	defer func() { c.finish(span, OpVerify, err) }()

	ref := ledger.NormalizeRef(req.TransactionRef)
	if ref == "" {
		return nil, &model.ErrValidation{Msg: "transaction_ref is required"}
	}

	indexed, err := c.store.FindByTransactionRef(ctx, ref)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find tracking record: %w", err)
	}

	var (
		id     model.LedgerID
		l      ledger.Ledger
		method anonymizer.HashMethod
	)
	if indexed != nil {
		id = indexed.LedgerID
		var ok bool
		if l, ok = c.ledgers[id]; !ok {
			return nil, &model.ErrValidation{Msg: fmt.Sprintf("ledger %q is not configured", id)}
		}
		method = indexed.HashMethod
	} else {
		if id, l, err = c.resolveLedger(req.LedgerID); err != nil {
			return nil, err
		}
		method = c.cfg.DefaultHashMethod
	}
	if strings.TrimSpace(req.HashMethod) != "" {
		if method, err = anonymizer.ParseHashMethod(req.HashMethod); err != nil {
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("ledger.id", string(id)), attribute.String("hash.method", string(method)))

	payload, err := c.retrieve(ctx, l, ref)
	if err != nil {
		return nil, err
	}

	var valid bool
	if indexed != nil && indexed.Salt == "" && req.Salt == "" {
		valid, err = verifySimple(req.Content, string(payload), method)
	} else {
		valid, err = anonymizer.Verify(req.Content, req.Salt, string(payload), method)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("transaction verified",
		zap.String("transaction_ref", ref),
		zap.String("ledger_id", string(id)),
		zap.Bool("valid", valid),
	)
	return &model.VerifyResult{Valid: valid, TransactionRef: ref, LedgerID: id, HashMethod: method}, nil
}

func verifySimple(content, claimed string, method anonymizer.HashMethod) (bool, error) {
	digest, err := anonymizer.Simple(content, method)
	if err != nil {
		return false, err
	}
	want := strings.ToLower(strings.TrimSpace(claimed))
	return subtle.ConstantTimeCompare([]byte(digest), []byte(want)) == 1, nil
}

// ── Shared helpers ───────────────────────────────────────────────────────────

func (c *Coordinator) register(ctx context.Context, l ledger.Ledger, payload []byte) (string, error) {
	ctx, cancel := c.ledgerContext(ctx)
	defer cancel()
	ref, err := l.Register(ctx, payload)
	if err != nil {
		return "", ledgerError("register", err)
	}
	return ref, nil
}

func (c *Coordinator) retrieve(ctx context.Context, l ledger.Ledger, ref string) ([]byte, error) {
	ctx, cancel := c.ledgerContext(ctx)
	defer cancel()
	payload, err := l.Retrieve(ctx, ref)
	if err != nil {
		return nil, ledgerError("retrieve", err)
	}
	return payload, nil
}

func (c *Coordinator) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.LedgerTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.LedgerTimeout)
	}
	return context.WithCancel(ctx)
}

// ledgerError keeps the ledger's error kind. Anything an adapter returns
// outside its contract, a timeout included, counts as unavailability.
func ledgerError(op string, err error) error {
	if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ledger.ErrUnavailable, op, err)
}

func (c *Coordinator) resolveLedger(raw string) (model.LedgerID, ledger.Ledger, error) {
	id, err := model.ParseLedgerID(raw)
	if err != nil {
		return "", nil, err
	}
	if id == "" {
		id = c.cfg.DefaultLedger
	}
	l, ok := c.ledgers[id]
	if !ok {
		return "", nil, &model.ErrValidation{Msg: fmt.Sprintf("ledger %q is not configured", id)}
	}
	return id, l, nil
}

func (c *Coordinator) hashMethod(raw string) (anonymizer.HashMethod, error) {
	if strings.TrimSpace(raw) == "" {
		return c.cfg.DefaultHashMethod, nil
	}
	return anonymizer.ParseHashMethod(raw)
}

func (c *Coordinator) timestamp(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return model.FormatTimestamp(c.cfg.Now()), nil
	}
	return model.ParseTimestamp(raw)
}

func requireLocator(raw string) (string, error) {
	locator := strings.TrimSpace(raw)
	if locator == "" {
		return "", &model.ErrValidation{Msg: "locator is required"}
	}
	return locator, nil
}

// publish sends a compliance event. Failures are logged and never fail the
// operation that produced the event.
func (c *Coordinator) publish(ctx context.Context, e audit.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = c.cfg.Now().UTC()
	}
	if err := c.publisher.Emit(ctx, e); err != nil {
		c.logger.Error("audit publish failed (non-fatal)",
			zap.String("event", e.Type),
			zap.String("locator", e.Locator),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) start(ctx context.Context, op string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "tracking."+op, trace.WithAttributes(attribute.String("operation", op)))
}

func (c *Coordinator) finish(span trace.Span, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Outcome(err))
	}
	span.End()
	if c.observe != nil {
		c.observe(op, Outcome(err))
	}
}

// Outcome classifies err into a short label for metrics and error codes.
func Outcome(err error) string {
	var verr *model.ErrValidation
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPartialRectification):
		return "partial_rectification"
	case errors.As(err, &verr),
		errors.Is(err, anonymizer.ErrAnonymization),
		errors.Is(err, anonymizer.ErrUnsupportedHashMethod):
		return "invalid"
	case errors.Is(err, ErrNothingToUnindex):
		return "nothing_to_unindex"
	case errors.Is(err, ErrDuplicateTransaction):
		return "duplicate_transaction"
	case errors.Is(err, ErrTrackingNotFound), errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrUnavailable):
		return "ledger_unavailable"
	default:
		return "error"
	}
}

