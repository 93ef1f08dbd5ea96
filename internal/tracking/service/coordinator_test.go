package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/privacychain/internal/anonymizer"
	"github.com/jmerrifield20/privacychain/internal/audit"
	"github.com/jmerrifield20/privacychain/internal/ledger"
	"github.com/jmerrifield20/privacychain/internal/tracking/model"
	"github.com/jmerrifield20/privacychain/internal/tracking/repository"
	"github.com/jmerrifield20/privacychain/internal/tracking/service"
)

const (
	examContent = "{cpf:72815157071, exam:HIV, result:POS}"
	fixedNow    = "2021-09-14T19:50:47.108814"
)

// ── Stubs ────────────────────────────────────────────────────────────────────

// downLedger fails every call the way an unreachable node does.
type downLedger struct{}

func (downLedger) Register(context.Context, []byte) (string, error) {
	return "", errors.New("connection refused")
}

func (downLedger) Retrieve(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

// hangingLedger blocks until the caller's context ends.
type hangingLedger struct{}

func (hangingLedger) Register(ctx context.Context, _ []byte) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (hangingLedger) Retrieve(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// echoLedger hands out the same reference for every registration.
type echoLedger struct{ ref string }

func (l echoLedger) Register(context.Context, []byte) (string, error) { return l.ref, nil }

func (echoLedger) Retrieve(context.Context, string) ([]byte, error) { return nil, ledger.ErrNotFound }

type brokenPublisher struct{}

func (brokenPublisher) Emit(context.Context, audit.Event) error { return errors.New("broker down") }

// ── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	c      *service.Coordinator
	store  *repository.MemoryRepository
	chain  *ledger.MemoryLedger
	events *audit.Memory
}

func newHarness(t *testing.T, extra map[model.LedgerID]ledger.Ledger, cfg service.Config) *harness {
	t.Helper()
	h := &harness{
		store:  repository.NewMemoryRepository(),
		chain:  ledger.New("0xaaa", "0xbbb"),
		events: audit.NewMemory(),
	}
	ledgers := map[model.LedgerID]ledger.Ledger{model.LedgerEthereum: h.chain}
	for id, l := range extra {
		ledgers[id] = l
	}
	if cfg.Now == nil {
		now, err := time.Parse(model.TimestampLayout, fixedNow)
		require.NoError(t, err)
		cfg.Now = func() time.Time { return now }
	}
	c, err := service.NewCoordinator(h.store, ledgers, cfg, zap.NewNop())
	require.NoError(t, err)
	c.SetPublisher(h.events)
	h.c = c
	return h
}

func (h *harness) live(t *testing.T, locator string) []*model.TrackingRecord {
	t.Helper()
	recs, err := h.c.ListForLocator(context.Background(), locator, "")
	require.NoError(t, err)
	return recs
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNewCoordinator(t *testing.T) {
	store := repository.NewMemoryRepository()
	chain := ledger.New()

	c, err := service.NewCoordinator(store, map[model.LedgerID]ledger.Ledger{model.LedgerEthereum: chain}, service.Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerEthereum, c.DefaultLedger())
	assert.Equal(t, anonymizer.SHA256, c.DefaultHashMethod())
	assert.Equal(t, []model.LedgerID{model.LedgerEthereum}, c.Ledgers())

	_, err = service.NewCoordinator(store, map[model.LedgerID]ledger.Ledger{model.LedgerEthereum: chain},
		service.Config{DefaultLedger: model.LedgerBitcoin}, nil)
	assert.ErrorContains(t, err, "not configured")

	_, err = service.NewCoordinator(store, map[model.LedgerID]ledger.Ledger{"dogecoin": chain}, service.Config{}, nil)
	assert.ErrorContains(t, err, "unknown ledger id")

	_, err = service.NewCoordinator(store, map[model.LedgerID]ledger.Ledger{model.LedgerEthereum: chain},
		service.Config{DefaultHashMethod: "CRC32"}, nil)
	assert.ErrorIs(t, err, anonymizer.ErrUnsupportedHashMethod)

	_, err = service.NewCoordinator(nil, map[model.LedgerID]ledger.Ledger{model.LedgerEthereum: chain}, service.Config{}, nil)
	assert.Error(t, err)
}

// ── Index ────────────────────────────────────────────────────────────────────

func TestIndex_registersSimpleDigest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	rec, err := h.c.Index(ctx, model.IndexRequest{Content: examContent, Locator: "L1", Salt: "ignored"})
	require.NoError(t, err)

	want, err := anonymizer.Simple(examContent, anonymizer.SHA256)
	require.NoError(t, err)
	assert.Equal(t, want, rec.AnonymizedData)
	assert.Empty(t, rec.Salt, "index never salts")
	assert.Equal(t, fixedNow, rec.TrackingTimestamp, "omitted timestamp comes from the clock")
	assert.Equal(t, model.LedgerEthereum, rec.LedgerID)
	assert.Equal(t, anonymizer.SHA256, rec.HashMethod)
	assert.Positive(t, rec.ID)

	payload, err := h.chain.Retrieve(ctx, rec.TransactionRef)
	require.NoError(t, err)
	assert.Equal(t, want, string(payload), "the ledger holds the digest, never the content")

	stored, err := h.c.GetTracking(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)
	assert.Equal(t, []string{audit.EventIndexed}, h.events.Types())
}

func TestIndex_normalisesTimestampAndHashMethod(t *testing.T) {
	h := newHarness(t, nil, service.Config{})
	rec, err := h.c.Index(context.Background(), model.IndexRequest{
		Content:    examContent,
		Locator:    "  L1 ",
		Timestamp:  "2021-09-14T16:50:47.108814-03:00",
		HashMethod: "sha-512",
	})
	require.NoError(t, err)
	assert.Equal(t, "L1", rec.Locator)
	assert.Equal(t, "2021-09-14T19:50:47.108814", rec.TrackingTimestamp)
	assert.Equal(t, anonymizer.SHA512, rec.HashMethod)
	assert.Len(t, rec.AnonymizedData, 128)
}

func TestIndex_validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	tests := []struct {
		name string
		req  model.IndexRequest
		is   error
	}{
		{"empty locator", model.IndexRequest{Content: examContent}, nil},
		{"bad timestamp", model.IndexRequest{Content: examContent, Locator: "L1", Timestamp: "yesterday"}, nil},
		{"unknown ledger", model.IndexRequest{Content: examContent, Locator: "L1", LedgerID: "dogecoin"}, nil},
		{"ledger not configured", model.IndexRequest{Content: examContent, Locator: "L1", LedgerID: "bitcoin"}, nil},
		{"unsupported hash", model.IndexRequest{Content: examContent, Locator: "L1", HashMethod: "CRC32"}, anonymizer.ErrUnsupportedHashMethod},
		{"content not utf-8", model.IndexRequest{Content: "\xff\xfe", Locator: "L1"}, anonymizer.ErrAnonymization},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.c.Index(ctx, tc.req)
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			} else {
				var verr *model.ErrValidation
				assert.ErrorAs(t, err, &verr)
			}
			assert.Equal(t, "invalid", service.Outcome(err))
		})
	}

	n, err := h.chain.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "invalid requests never reach the ledger")
}

func TestIndexSecure_plainContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	for _, content := range []string{"plain text", "", "[1,2]", `{"salt":"mine"}`} {
		rec, err := h.c.IndexSecure(ctx, model.IndexRequest{Content: content, Locator: "L1"})
		require.NoError(t, err, "content %q", content)

		res, err := h.c.Verify(ctx, model.VerifyRequest{TransactionRef: rec.TransactionRef, Content: content, Salt: rec.Salt})
		require.NoError(t, err)
		assert.True(t, res.Valid, "content %q", content)
	}
	assert.Len(t, h.live(t, "L1"), 4)
}

func TestIndex_identicalPayloadTwiceGivesTwoLiveRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})
	req := model.IndexRequest{Content: "x", Locator: "L1"}

	tx1, err := h.c.Index(ctx, req)
	require.NoError(t, err)
	tx2, err := h.c.Index(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, tx1.TransactionRef, tx2.TransactionRef)
	assert.Equal(t, tx1.AnonymizedData, tx2.AnonymizedData)
	assert.Len(t, h.live(t, "L1"), 2)

	res, err := h.c.Unindex(ctx, model.UnindexRequest{Locator: "L1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)
	assert.Empty(t, h.live(t, "L1"))

	for _, ref := range []string{tx1.TransactionRef, tx2.TransactionRef} {
		_, err := h.chain.Retrieve(ctx, ref)
		assert.NoError(t, err, "unindex never touches the ledger")
	}
}

func TestIndex_duplicateTransactionRef(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[model.LedgerID]ledger.Ledger{
		model.LedgerBitcoin: echoLedger{ref: "0xfeed"},
	}, service.Config{})

	_, err := h.c.Index(ctx, model.IndexRequest{Content: "x", Locator: "L1", LedgerID: "bitcoin"})
	require.NoError(t, err)
	_, err = h.c.Index(ctx, model.IndexRequest{Content: "y", Locator: "L2", LedgerID: "bitcoin"})
	assert.ErrorIs(t, err, service.ErrDuplicateTransaction)
	assert.Empty(t, h.live(t, "L2"))
}

func TestIndex_ledgerUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[model.LedgerID]ledger.Ledger{model.LedgerBitcoin: downLedger{}}, service.Config{})

	_, err := h.c.Index(ctx, model.IndexRequest{Content: "x", Locator: "L1", LedgerID: "bitcoin"})
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.Equal(t, "ledger_unavailable", service.Outcome(err))
	assert.Empty(t, h.live(t, "L1"))
	assert.Empty(t, h.events.Types())
}

func TestIndex_ledgerTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[model.LedgerID]ledger.Ledger{model.LedgerBitcoin: hangingLedger{}},
		service.Config{LedgerTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := h.c.IndexSecure(ctx, model.IndexRequest{Content: "{a:1}", Locator: "L1", LedgerID: "3"})
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, h.live(t, "L1"), "a timed-out registration leaves no index row")
}

// ── IndexSecure + Verify ─────────────────────────────────────────────────────

func TestIndexSecure_generatedSaltVerifies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	rec, err := h.c.IndexSecure(ctx, model.IndexRequest{Content: "d", Locator: "L2"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.Salt, "an empty salt is replaced by a generated one")

	res, err := h.c.Verify(ctx, model.VerifyRequest{TransactionRef: rec.TransactionRef, Content: "d", Salt: ""})
	require.NoError(t, err)
	assert.False(t, res.Valid, "the empty salt is not the salt used")

	res, err = h.c.Verify(ctx, model.VerifyRequest{TransactionRef: rec.TransactionRef, Content: "d", Salt: rec.Salt})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, model.LedgerEthereum, res.LedgerID)

	res, err = h.c.Verify(ctx, model.VerifyRequest{TransactionRef: rec.TransactionRef, Content: "e", Salt: rec.Salt})
	require.NoError(t, err)
	assert.False(t, res.Valid, "different content")

	res, err = h.c.Verify(ctx, model.VerifyRequest{TransactionRef: rec.TransactionRef, Content: "d", Salt: rec.Salt + "x"})
	require.NoError(t, err)
	assert.False(t, res.Valid, "different salt")
}

func TestIndexSecure_callerSalt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})
	const salt = "e3b98bf0-43a6-41d2-a2b7-92f2a3f3f9a1"

	rec, err := h.c.IndexSecure(ctx, model.IndexRequest{Content: examContent, Locator: "L1", Salt: salt, HashMethod: "MD5"})
	require.NoError(t, err)
	assert.Equal(t, salt, rec.Salt)

	want, _, err := anonymizer.Secure(examContent, salt, anonymizer.MD5)
	require.NoError(t, err)
	assert.Equal(t, want, rec.AnonymizedData)

	// The record's hash method is used when the request names none.
	res, err := h.c.Verify(ctx, model.VerifyRequest{TransactionRef: rec.TransactionRef, Content: examContent, Salt: salt})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, anonymizer.MD5, res.HashMethod)
}

func TestVerify_simpleRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	rec, err := h.c.Index(ctx, model.IndexRequest{Content: examContent, Locator: "L1"})
	require.NoError(t, err)

	res, err := h.c.Verify(ctx, model.VerifyRequest{TransactionRef: rec.TransactionRef, Content: examContent})
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = h.c.Verify(ctx, model.VerifyRequest{TransactionRef: rec.TransactionRef, Content: examContent, Salt: "s"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestVerify_refCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	simple, err := h.c.Index(ctx, model.IndexRequest{Content: examContent, Locator: "L1", HashMethod: "SHA512"})
	require.NoError(t, err)
	secure, err := h.c.IndexSecure(ctx, model.IndexRequest{Content: "d", Locator: "L2"})
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(simple.TransactionRef), simple.TransactionRef)

	for _, ref := range []string{
		strings.ToUpper(simple.TransactionRef),
		"0X" + strings.ToUpper(strings.TrimPrefix(simple.TransactionRef, "0x")),
		strings.TrimPrefix(simple.TransactionRef, "0x"),
		"  " + simple.TransactionRef + " ",
	} {
		res, err := h.c.Verify(ctx, model.VerifyRequest{TransactionRef: ref, Content: examContent})
		require.NoError(t, err)
		assert.True(t, res.Valid, "ref %q", ref)
		assert.Equal(t, anonymizer.SHA512, res.HashMethod, "the indexed record is found for ref %q", ref)
		assert.Equal(t, simple.TransactionRef, res.TransactionRef)
	}

	res, err := h.c.Verify(ctx, model.VerifyRequest{
		TransactionRef: strings.ToUpper(secure.TransactionRef), Content: "d", Salt: secure.Salt,
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerify_afterUnindex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	rec, err := h.c.IndexSecure(ctx, model.IndexRequest{Content: examContent, Locator: "L1", Salt: "s1"})
	require.NoError(t, err)
	_, err = h.c.Remove(ctx, model.UnindexRequest{Locator: "L1"})
	require.NoError(t, err)

	// Unindexed references fall back to the default ledger and hash method.
	res, err := h.c.Verify(ctx, model.VerifyRequest{TransactionRef: rec.TransactionRef, Content: examContent, Salt: "s1"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerify_errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[model.LedgerID]ledger.Ledger{model.LedgerBitcoin: downLedger{}}, service.Config{})

	_, err := h.c.Verify(ctx, model.VerifyRequest{Content: "{a}"})
	var verr *model.ErrValidation
	assert.ErrorAs(t, err, &verr)

	_, err = h.c.Verify(ctx, model.VerifyRequest{TransactionRef: "0x" + ledger.GenesisHash, Content: "{a}"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Equal(t, "not_found", service.Outcome(err))

	_, err = h.c.Verify(ctx, model.VerifyRequest{TransactionRef: "0x01", Content: "{a}", LedgerID: "bitcoin"})
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
}

// ── Unindex / Remove ─────────────────────────────────────────────────────────

func TestUnindex_nothingToUnindex(t *testing.T) {
	h := newHarness(t, nil, service.Config{})
	_, err := h.c.Unindex(context.Background(), model.UnindexRequest{Locator: "nobody"})
	assert.ErrorIs(t, err, service.ErrNothingToUnindex)
	assert.Equal(t, "nothing_to_unindex", service.Outcome(err))

	_, err = h.c.Remove(context.Background(), model.UnindexRequest{Locator: "nobody"})
	assert.ErrorIs(t, err, service.ErrNothingToUnindex)
	assert.Empty(t, h.events.Types())
}

func TestUnindex_timestampFilter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	_, err := h.c.Index(ctx, model.IndexRequest{Content: "a", Locator: "L1", Timestamp: "2021-09-14T19:50:47.108814"})
	require.NoError(t, err)
	keep, err := h.c.Index(ctx, model.IndexRequest{Content: "b", Locator: "L1", Timestamp: "2021-09-15T10:00:00"})
	require.NoError(t, err)

	res, err := h.c.Unindex(ctx, model.UnindexRequest{Locator: "L1", Timestamp: "2021-09-14 19:50:47.108814"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, "2021-09-14T19:50:47.108814", res.Timestamp)

	left := h.live(t, "L1")
	require.Len(t, left, 1)
	assert.Equal(t, keep.TransactionRef, left[0].TransactionRef)

	_, err = h.c.Unindex(ctx, model.UnindexRequest{Locator: "L1", Timestamp: "2021-09-14T19:50:47.108814"})
	assert.ErrorIs(t, err, service.ErrNothingToUnindex)
}

func TestRemove_behavesLikeUnindex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	rec, err := h.c.Index(ctx, model.IndexRequest{Content: "a", Locator: "L1"})
	require.NoError(t, err)
	res, err := h.c.Remove(ctx, model.UnindexRequest{Locator: "L1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Empty(t, h.live(t, "L1"))

	events := h.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventRemoved, events[1].Type)
	assert.Equal(t, []string{rec.TransactionRef}, events[1].TransactionRefs)
	assert.Equal(t, 1, events[1].Count)
}

func TestUnindex_concurrentCallsRemoveOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})
	for i := 0; i < 3; i++ {
		_, err := h.c.Index(ctx, model.IndexRequest{Content: "a", Locator: "L1"})
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.c.Unindex(ctx, model.UnindexRequest{Locator: "L1"})
			if err != nil {
				assert.ErrorIs(t, err, service.ErrNothingToUnindex)
				return
			}
			mu.Lock()
			removed += res.Removed
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, removed)

	// Each removal event names only the rows its own call deleted.
	var refs []string
	for _, e := range h.events.Events() {
		if e.Type == audit.EventUnindexed {
			assert.Len(t, e.TransactionRefs, e.Count)
			refs = append(refs, e.TransactionRefs...)
		}
	}
	assert.Len(t, refs, 3)
	assert.ElementsMatch(t, refs, uniq(refs), "no reference is reported twice")
}

func uniq(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ── Rectify ──────────────────────────────────────────────────────────────────

func TestRectify_supersedesEveryLiveRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	old1, err := h.c.Index(ctx, model.IndexRequest{Content: "{v:1}", Locator: "L1", Timestamp: "2021-01-01T00:00:00"})
	require.NoError(t, err)
	old2, err := h.c.IndexSecure(ctx, model.IndexRequest{Content: "{v:2}", Locator: "L1", Timestamp: "2021-02-01T00:00:00"})
	require.NoError(t, err)

	res, err := h.c.Rectify(ctx, model.RectifyRequest{
		Locator:   "L1",
		Timestamp: "2021-03-01T00:00:00",
		Content:   "{v:3}",
		Salt:      "s3",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, "s3", res.Record.Salt)
	assert.Equal(t, "2021-03-01T00:00:00.000000", res.Record.TrackingTimestamp)

	live := h.live(t, "L1")
	require.Len(t, live, 1)
	assert.Equal(t, res.Record.TransactionRef, live[0].TransactionRef)

	for _, ref := range []string{old1.TransactionRef, old2.TransactionRef} {
		_, err := h.chain.Retrieve(ctx, ref)
		assert.NoError(t, err, "old ledger entries stay retrievable")
	}

	v, err := h.c.Verify(ctx, model.VerifyRequest{TransactionRef: res.Record.TransactionRef, Content: "{v:3}", Salt: "s3"})
	require.NoError(t, err)
	assert.True(t, v.Valid)

	events := h.events.Events()
	last := events[len(events)-1]
	assert.Equal(t, audit.EventRectified, last.Type)
	assert.Equal(t, 2, last.Count)
	assert.Equal(t, res.Record.TransactionRef, last.Attributes["new_transaction_ref"])
}

func TestRectify_unindexedLocatorIsFirstIndex(t *testing.T) {
	h := newHarness(t, nil, service.Config{})
	res, err := h.c.Rectify(context.Background(), model.RectifyRequest{Locator: "new", Content: "{a:1}"})
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	assert.NotEmpty(t, res.Record.Salt)
	assert.Len(t, h.live(t, "new"), 1)
}

func TestRectify_plainContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	_, err := h.c.IndexSecure(ctx, model.IndexRequest{Content: "d", Locator: "L2"})
	require.NoError(t, err)

	res, err := h.c.Rectify(ctx, model.RectifyRequest{Locator: "L2", Content: "new value"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	v, err := h.c.Verify(ctx, model.VerifyRequest{TransactionRef: res.Record.TransactionRef, Content: "new value", Salt: res.Record.Salt})
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestRectify_partialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[model.LedgerID]ledger.Ledger{model.LedgerBitcoin: downLedger{}}, service.Config{})

	old, err := h.c.Index(ctx, model.IndexRequest{Content: "{v:1}", Locator: "L1"})
	require.NoError(t, err)

	_, err = h.c.Rectify(ctx, model.RectifyRequest{Locator: "L1", Content: "{v:2}", LedgerID: "bitcoin"})
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrPartialRectification)
	assert.ErrorIs(t, err, ledger.ErrUnavailable, "the cause keeps its kind")
	assert.Equal(t, "partial_rectification", service.Outcome(err))

	var perr *service.PartialRectificationError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "L1", perr.Locator)
	assert.Equal(t, 1, perr.Removed)

	assert.Empty(t, h.live(t, "L1"), "old rows are gone and no new one was written")
	_, err = h.chain.Retrieve(ctx, old.TransactionRef)
	assert.NoError(t, err)

	types := h.events.Types()
	assert.Equal(t, audit.EventRectifyPartial, types[len(types)-1])

	// Retrying the index step alone completes the rectification.
	rec, err := h.c.IndexSecure(ctx, model.IndexRequest{Content: "{v:2}", Locator: "L1"})
	require.NoError(t, err)
	assert.Len(t, h.live(t, "L1"), 1)
	assert.NotEqual(t, old.TransactionRef, rec.TransactionRef)
}

func TestRectify_failureWithNothingRemovedIsNotPartial(t *testing.T) {
	h := newHarness(t, map[model.LedgerID]ledger.Ledger{model.LedgerBitcoin: downLedger{}}, service.Config{})
	_, err := h.c.Rectify(context.Background(), model.RectifyRequest{Locator: "L1", Content: "{v:2}", LedgerID: "bitcoin"})
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.NotErrorIs(t, err, service.ErrPartialRectification)
}

func TestRectify_invalidInputKeepsRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})
	_, err := h.c.Index(ctx, model.IndexRequest{Content: "{v:1}", Locator: "L1"})
	require.NoError(t, err)

	_, err = h.c.Rectify(ctx, model.RectifyRequest{Locator: "L1", Content: "{v:2}", HashMethod: "CRC32"})
	assert.ErrorIs(t, err, anonymizer.ErrUnsupportedHashMethod)
	_, err = h.c.Rectify(ctx, model.RectifyRequest{Locator: "L1", Content: "not a record"})
	assert.ErrorIs(t, err, anonymizer.ErrAnonymization)
	assert.Len(t, h.live(t, "L1"), 1)
}

// ── Side effects ─────────────────────────────────────────────────────────────

func TestPublishFailureIsNonFatal(t *testing.T) {
	h := newHarness(t, nil, service.Config{})
	h.c.SetPublisher(brokenPublisher{})
	_, err := h.c.Index(context.Background(), model.IndexRequest{Content: "a", Locator: "L1"})
	assert.NoError(t, err)
}

func TestOperationObserver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})

	var got []string
	h.c.SetOperationObserver(func(op, outcome string) { got = append(got, op+":"+outcome) })

	_, _ = h.c.Index(ctx, model.IndexRequest{Content: "a", Locator: "L1"})
	_, _ = h.c.Unindex(ctx, model.UnindexRequest{Locator: "L2"})
	_, _ = h.c.Rectify(ctx, model.RectifyRequest{Locator: "L1", Content: "{b}"})
	_, _ = h.c.Verify(ctx, model.VerifyRequest{TransactionRef: "0xzz", Content: "{b}"})

	assert.Equal(t, []string{
		"index:ok",
		"unindex:nothing_to_unindex",
		"rectify:ok",
		"verify:not_found",
	}, got)
}

// ── Reads and direct ledger access ───────────────────────────────────────────

func TestTrackingReads(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, service.Config{})
	for _, loc := range []string{"L1", "L2", "L3"} {
		_, err := h.c.Index(ctx, model.IndexRequest{Content: "a", Locator: loc})
		require.NoError(t, err)
	}

	page, err := h.c.ListTrackings(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "L2", page[0].Locator)

	_, err = h.c.ListTrackings(ctx, -1, 10)
	var verr *model.ErrValidation
	assert.ErrorAs(t, err, &verr)

	_, err = h.c.GetTracking(ctx, 999)
	assert.ErrorIs(t, err, service.ErrTrackingNotFound)

	_, err = h.c.ListForLocator(ctx, "L1", "not a time")
	assert.ErrorAs(t, err, &verr)
}

func TestRegisterAndGetOnChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[model.LedgerID]ledger.Ledger{model.LedgerBitcoin: echoLedger{ref: "0xfeed"}}, service.Config{})

	reg, err := h.c.RegisterOnChain(ctx, model.RegisterRequest{Payload: "hello"})
	require.NoError(t, err)
	assert.Equal(t, model.LedgerEthereum, reg.LedgerID)

	tx, err := h.c.GetOnChain(ctx, reg.TransactionRef, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", tx.Payload)
	require.NotNil(t, tx.Index)
	assert.Equal(t, 1, *tx.Index)
	assert.Equal(t, ledger.GenesisHash, tx.PrevHash)
	assert.Contains(t, []string{"0xaaa", "0xbbb"}, tx.From)
	assert.Equal(t, reg.TransactionRef, tx.TransactionRef)

	_, err = h.c.RegisterOnChain(ctx, model.RegisterRequest{})
	var verr *model.ErrValidation
	assert.ErrorAs(t, err, &verr)

	// Payload-only ledgers fall back to Retrieve.
	_, err = h.c.GetOnChain(ctx, "0xfeed", "bitcoin")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	cached := ledger.NewCached(echoLedger{ref: "0xfeed"}, ledger.NewMemoryCache(0), zap.NewNop())
	h2 := newHarness(t, map[model.LedgerID]ledger.Ledger{model.LedgerHyperledger: cached}, service.Config{})
	_, err = h2.c.GetOnChain(ctx, "0xfeed", "hyperledger")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAnonymizeOperations(t *testing.T) {
	h := newHarness(t, nil, service.Config{DefaultHashMethod: anonymizer.SHA1})

	simple, err := h.c.SimpleAnonymize(model.AnonymizeRequest{Content: examContent})
	require.NoError(t, err)
	assert.Equal(t, anonymizer.SHA1, simple.HashMethod)
	assert.Len(t, simple.Anonymized, 40)
	assert.Empty(t, simple.Salt)

	secure, err := h.c.SecureAnonymize(model.AnonymizeRequest{Content: examContent, HashMethod: "SHA256"})
	require.NoError(t, err)
	assert.NotEmpty(t, secure.Salt)

	ok, err := h.c.VerifyAnonymize(model.VerifyAnonymizeRequest{
		Content:    examContent,
		Salt:       secure.Salt,
		Anonymized: secure.Anonymized,
		HashMethod: "SHA256",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.c.VerifyAnonymize(model.VerifyAnonymizeRequest{
		Content:    examContent,
		Salt:       secure.Salt,
		Anonymized: secure.Anonymized,
	})
	require.NoError(t, err)
	assert.False(t, ok, "default SHA1 does not match a SHA256 digest")

	_, err = h.c.VerifyAnonymize(model.VerifyAnonymizeRequest{Content: examContent})
	var verr *model.ErrValidation
	assert.ErrorAs(t, err, &verr)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&model.ErrValidation{Msg: "x"}, "invalid"},
		{anonymizer.ErrUnsupportedHashMethod, "invalid"},
		{service.ErrNothingToUnindex, "nothing_to_unindex"},
		{service.ErrDuplicateTransaction, "duplicate_transaction"},
		{service.ErrTrackingNotFound, "not_found"},
		{ledger.ErrNotFound, "not_found"},
		{ledger.ErrUnavailable, "ledger_unavailable"},
		{&service.PartialRectificationError{Err: ledger.ErrUnavailable}, "partial_rectification"},
		{errors.New("boom"), "error"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, service.Outcome(tc.err), "%v", tc.err)
	}
}
