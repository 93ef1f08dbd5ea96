package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/privacychain/internal/auth"
	"github.com/jmerrifield20/privacychain/internal/ledger"
	"github.com/jmerrifield20/privacychain/internal/tracking/handler"
	"github.com/jmerrifield20/privacychain/internal/tracking/model"
	"github.com/jmerrifield20/privacychain/internal/tracking/repository"
	"github.com/jmerrifield20/privacychain/internal/tracking/service"
)

// downLedger fails every call the way an unreachable node does.
type downLedger struct{}

func (downLedger) Register(context.Context, []byte) (string, error) {
	return "", errors.New("connection refused")
}

func (downLedger) Retrieve(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

// echoLedger hands out the same reference for every registration.
type echoLedger struct{}

func (echoLedger) Register(context.Context, []byte) (string, error) { return "0xfeed", nil }

func (echoLedger) Retrieve(context.Context, string) ([]byte, error) { return nil, ledger.ErrNotFound }

func setupRouter(t *testing.T, tokens *auth.TokenIssuer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, err := service.NewCoordinator(repository.NewMemoryRepository(), map[model.LedgerID]ledger.Ledger{
		model.LedgerEthereum:    ledger.New(),
		model.LedgerBitcoin:     downLedger{},
		model.LedgerHyperledger: echoLedger{},
	}, service.Config{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	svc.SetOperationObserver(handler.RecordComplianceOperation)

	r := gin.New()
	r.Use(handler.PrometheusMiddleware())
	h := handler.NewTrackingHandler(svc, tokens, zap.NewNop())
	h.Register(r.Group("/v1"))
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestIndexSecureAndVerify(t *testing.T) {
	r := setupRouter(t, nil)

	w, rec := do(t, r, http.MethodPost, "/v1/tracking/index-secure", map[string]string{
		"content":  "{cpf:72815157071, exam:HIV, result:POS}",
		"locator":  "L1",
		"datetime": "2021-09-14T19:50:47.108814",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	salt, _ := rec["salt"].(string)
	ref, _ := rec["transaction_ref"].(string)
	if salt == "" || ref == "" {
		t.Fatalf("expected salt and transaction_ref, got %v", rec)
	}
	if rec["tracking_timestamp"] != "2021-09-14T19:50:47.108814" {
		t.Errorf("tracking_timestamp = %v", rec["tracking_timestamp"])
	}

	w, resp := do(t, r, http.MethodPost, "/v1/tracking/verify", map[string]string{
		"transaction_ref": ref,
		"content":         "{cpf:72815157071, exam:HIV, result:POS}",
		"salt":            salt,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["valid"] != true {
		t.Errorf("expected valid=true, got %v", resp)
	}

	w, resp = do(t, r, http.MethodPost, "/v1/tracking/verify", map[string]string{
		"transaction_ref": ref,
		"content":         "{cpf:72815157071, exam:HIV, result:NEG}",
		"salt":            salt,
	})
	if w.Code != http.StatusOK || resp["valid"] != false {
		t.Errorf("expected 200 valid=false, got %d %v", w.Code, resp)
	}
}

func TestIndexSecure_plainContentOverHTTP(t *testing.T) {
	r := setupRouter(t, nil)

	w, rec := do(t, r, http.MethodPost, "/v1/tracking/index-secure", map[string]string{"content": "d", "locator": "L2"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	ref, _ := rec["transaction_ref"].(string)
	salt, _ := rec["salt"].(string)

	for _, tc := range []struct {
		salt string
		want bool
	}{{"", false}, {salt, true}} {
		w, resp := do(t, r, http.MethodPost, "/v1/tracking/verify", map[string]string{
			"transaction_ref": strings.ToUpper(ref),
			"content":         "d",
			"salt":            tc.salt,
		})
		if w.Code != http.StatusOK || resp["valid"] != tc.want {
			t.Errorf("salt %q: expected 200 valid=%v, got %d %v", tc.salt, tc.want, w.Code, resp)
		}
	}
}

func TestIndexUnindexLifecycle(t *testing.T) {
	r := setupRouter(t, nil)

	for i := 0; i < 2; i++ {
		w, _ := do(t, r, http.MethodPost, "/v1/tracking/index", map[string]string{"content": "x", "locator": "L1"})
		if w.Code != http.StatusCreated {
			t.Fatalf("index: expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}

	w, resp := do(t, r, http.MethodGet, "/v1/locators/L1", nil)
	if w.Code != http.StatusOK || resp["count"] != float64(2) {
		t.Fatalf("expected 2 live records, got %d %v", w.Code, resp)
	}

	w, resp = do(t, r, http.MethodPost, "/v1/tracking/unindex", map[string]string{"locator": "L1"})
	if w.Code != http.StatusOK || resp["removed"] != float64(2) {
		t.Fatalf("unindex: expected removed=2, got %d %v", w.Code, resp)
	}

	w, resp = do(t, r, http.MethodPost, "/v1/tracking/remove", map[string]string{"locator": "L1"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if resp["code"] != "nothing_to_unindex" {
		t.Errorf("code = %v, want nothing_to_unindex", resp["code"])
	}
}

func TestRectify(t *testing.T) {
	r := setupRouter(t, nil)
	do(t, r, http.MethodPost, "/v1/tracking/index", map[string]string{"content": "{v:1}", "locator": "L1"})

	w, resp := do(t, r, http.MethodPost, "/v1/tracking/rectify", map[string]string{"content": "{v:2}", "locator": "L1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if resp["removed"] != float64(1) {
		t.Errorf("removed = %v, want 1", resp["removed"])
	}

	w, resp = do(t, r, http.MethodPost, "/v1/tracking/rectify", map[string]string{
		"content": "{v:3}", "locator": "L1", "ledger_id": "bitcoin",
	})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	if resp["code"] != "partial_rectification" || resp["removed"] != float64(1) {
		t.Errorf("unexpected partial body: %v", resp)
	}
}

func TestErrorMapping(t *testing.T) {
	r := setupRouter(t, nil)
	do(t, r, http.MethodPost, "/v1/tracking/index", map[string]string{"content": "x", "locator": "A", "ledger_id": "hyperledger"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed json", http.MethodPost, "/v1/tracking/index", "{", http.StatusBadRequest, "invalid"},
		{"missing locator", http.MethodPost, "/v1/tracking/index", map[string]string{"content": "x"}, http.StatusBadRequest, "invalid"},
		{"unsupported hash", http.MethodPost, "/v1/tracking/index",
			map[string]string{"content": "x", "locator": "L", "hash_method": "CRC32"}, http.StatusBadRequest, "invalid"},
		{"bad secure timestamp", http.MethodPost, "/v1/tracking/index-secure",
			map[string]string{"content": "d", "locator": "L", "datetime": "yesterday"}, http.StatusBadRequest, "invalid"},
		{"ledger down", http.MethodPost, "/v1/tracking/index",
			map[string]string{"content": "x", "locator": "L", "ledger_id": "bitcoin"}, http.StatusServiceUnavailable, "ledger_unavailable"},
		{"duplicate ref", http.MethodPost, "/v1/tracking/index",
			map[string]string{"content": "y", "locator": "B", "ledger_id": "hyperledger"}, http.StatusConflict, "duplicate_transaction"},
		{"unknown ref", http.MethodPost, "/v1/tracking/verify",
			map[string]string{"transaction_ref": "0x01", "content": "{a}", "salt": "s"}, http.StatusNotFound, "not_found"},
		{"unknown tracking id", http.MethodGet, "/v1/tracking/42", nil, http.StatusNotFound, "not_found"},
		{"bad tracking id", http.MethodGet, "/v1/tracking/abc", nil, http.StatusBadRequest, "invalid"},
		{"bad skip", http.MethodGet, "/v1/tracking?skip=x", nil, http.StatusBadRequest, "invalid"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, resp := do(t, r, tc.method, tc.path, tc.body)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			if resp["code"] != tc.code {
				t.Errorf("code = %v, want %s", resp["code"], tc.code)
			}
			if _, ok := resp["error"].(string); !ok {
				t.Errorf("error body must carry a message: %v", resp)
			}
		})
	}
}

func TestListAndGet(t *testing.T) {
	r := setupRouter(t, nil)
	_, rec := do(t, r, http.MethodPost, "/v1/tracking/index", map[string]string{"content": "x", "locator": "L1"})
	do(t, r, http.MethodPost, "/v1/tracking/index", map[string]string{"content": "y", "locator": "L2"})

	w, resp := do(t, r, http.MethodGet, "/v1/tracking?skip=1&limit=10", nil)
	if w.Code != http.StatusOK || resp["count"] != float64(1) {
		t.Fatalf("expected 1 record after skip, got %d %v", w.Code, resp)
	}

	id := int(rec["tracking_id"].(float64))
	w, got := do(t, r, http.MethodGet, "/v1/tracking/"+strconv.Itoa(id), nil)
	if w.Code != http.StatusOK || got["locator"] != "L1" {
		t.Fatalf("get: %d %v", w.Code, got)
	}
}

func TestOnChain(t *testing.T) {
	r := setupRouter(t, nil)

	w, reg := do(t, r, http.MethodPost, "/v1/onchain", map[string]string{"payload": "hello"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	ref := reg["transaction_ref"].(string)

	w, tx := do(t, r, http.MethodGet, "/v1/onchain/"+ref, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if tx["payload"] != "hello" || tx["index"] != float64(1) {
		t.Errorf("unexpected transaction: %v", tx)
	}

	w, _ = do(t, r, http.MethodGet, "/v1/onchain/"+ref+"?ledger_id=dogecoin", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown ledger: expected 400, got %d", w.Code)
	}
}

func TestAnonymizeRoutes(t *testing.T) {
	r := setupRouter(t, nil)

	w, simple := do(t, r, http.MethodPost, "/v1/anonymize/simple", map[string]string{"content": "{a:1}", "hash_method": "MD5"})
	if w.Code != http.StatusOK || len(simple["anonymized"].(string)) != 32 {
		t.Fatalf("simple: %d %v", w.Code, simple)
	}

	w, secure := do(t, r, http.MethodPost, "/v1/anonymize/secure", map[string]string{"content": "{a:1}"})
	if w.Code != http.StatusOK || secure["salt"] == "" {
		t.Fatalf("secure: %d %v", w.Code, secure)
	}

	w, resp := do(t, r, http.MethodPost, "/v1/anonymize/verify", map[string]string{
		"content":    "{a:1}",
		"salt":       secure["salt"].(string),
		"anonymized": secure["anonymized"].(string),
	})
	if w.Code != http.StatusOK || resp["valid"] != true {
		t.Fatalf("verify: %d %v", w.Code, resp)
	}
}

func TestLedgers(t *testing.T) {
	r := setupRouter(t, nil)
	w, resp := do(t, r, http.MethodGet, "/v1/ledgers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["default_ledger"] != "ethereum" || resp["default_hash_method"] != "SHA256" {
		t.Errorf("unexpected defaults: %v", resp)
	}
	if got := len(resp["ledgers"].([]any)); got != 3 {
		t.Errorf("expected 3 ledgers, got %d", got)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	tokens, err := auth.NewTokenIssuer([]byte(strings.Repeat("k", 32)), "privacychain-test", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	r := setupRouter(t, tokens)

	w, _ := do(t, r, http.MethodGet, "/v1/tracking", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w, _ = do(t, r, http.MethodGet, "/v1/ledgers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ledgers is public, got %d", w.Code)
	}

	tok, err := tokens.Issue("hospital-a")
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/tracking", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, 1, 1))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w1, _ := do(t, r, http.MethodGet, "/ping", nil)
	w2, resp := do(t, r, http.MethodGet, "/ping", nil)
	if w1.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", w1.Code)
	}
	if w2.Code != http.StatusTooManyRequests || resp["code"] != "rate_limited" {
		t.Fatalf("second request: expected 429 rate_limited, got %d %v", w2.Code, resp)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}
