// Package ledgernode serves a hash-chain ledger over HTTP/JSON so that
// PrivacyChain coordinators can reach it through ledger.RemoteLedger.
//
// Routes:
//
//	POST /oauth/token                 client credentials grant
//	POST /v1/transactions             {"data": <base64>} -> {"transaction_id": "0x..."}
//	GET  /v1/transactions/{ref}       full entry
//	GET  /v1/chain                    {"entries": n, "root": hash}
//	GET  /v1/chain/entries/{index}    full entry by position
//	GET  /v1/chain/verify             {"valid": bool, "error": msg}
//	GET  /healthz
//	GET  /metrics
package ledgernode

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jmerrifield20/privacychain/internal/auth"
	"github.com/jmerrifield20/privacychain/internal/ledger"
)

// maxPayloadBytes bounds a register request body.
const maxPayloadBytes = 1 << 20

// Server exposes a ledger.Chain over HTTP.
type Server struct {
	chain   ledger.Chain
	tokens  *auth.TokenIssuer
	clients *auth.ClientRegistry
	logger  *zap.Logger
}

// New creates a Server. When tokens is nil the transaction and chain routes
// are unauthenticated and /oauth/token is not served.
func New(chain ledger.Chain, tokens *auth.TokenIssuer, clients *auth.ClientRegistry, logger *zap.Logger) *Server {
	return &Server{chain: chain, tokens: tokens, clients: clients, logger: logger}
}

// Handler builds the node's HTTP handler.
func (s *Server) Handler() (http.Handler, error) {
	gwMux := runtime.NewServeMux()
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/transactions", s.register},
		{http.MethodGet, "/v1/transactions/{ref}", s.lookup},
		{http.MethodGet, "/v1/chain", s.overview},
		{http.MethodGet, "/v1/chain/entries/{index}", s.entryAt},
		{http.MethodGet, "/v1/chain/verify", s.verify},
	}
	for _, r := range routes {
		if err := gwMux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register route %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/v1/", instrument(auth.RequireTokenHandler(s.tokens, gwMux)))
	if s.tokens != nil && s.clients != nil {
		httpMux.Handle("/oauth/token", auth.TokenHandler(s.clients, s.tokens, s.logger))
	}
	httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","service":"ledgerd"}`)
	})
	httpMux.Handle("/metrics", promhttp.Handler())
	return httpMux, nil
}

func (s *Server) register(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		Data []byte `json:"data"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Data) == 0 {
		s.writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	ref, err := s.chain.Register(r.Context(), req.Data)
	if err != nil {
		s.logger.Error("register transaction", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	ledgerRegistrationsTotal.Inc()

	s.logger.Info("transaction registered", zap.String("transaction_ref", ref))
	s.writeStruct(w, http.StatusCreated, map[string]any{"transaction_id": ref})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, params map[string]string) {
	e, err := s.chain.Lookup(r.Context(), params["ref"])
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeStruct(w, http.StatusOK, entryFields(e))
}

func (s *Server) entryAt(w http.ResponseWriter, r *http.Request, params map[string]string) {
	idx, err := strconv.Atoi(params["index"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	e, err := s.chain.Get(r.Context(), idx)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeStruct(w, http.StatusOK, entryFields(e))
}

func (s *Server) overview(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	n, err := s.chain.Len(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	root, err := s.chain.Root(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeStruct(w, http.StatusOK, map[string]any{"entries": n, "root": root})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.chain.Verify(r.Context()); err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			s.writeLedgerError(w, err)
			return
		}
		s.writeStruct(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	s.writeStruct(w, http.StatusOK, map[string]any{"valid": true})
}

func entryFields(e *ledger.Entry) map[string]any {
	return map[string]any{
		"transaction_id": e.TransactionRef(),
		"index":          e.Index,
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"from":           e.From,
		"to":             e.To,
		"data":           e.Data,
		"data_hash":      e.DataHash,
		"prev_hash":      e.PrevHash,
		"hash":           e.Hash,
	}
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("ledger read", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeStruct(w, status, map[string]any{"error": msg})
}

// writeStruct renders fields as a google.protobuf.Struct in protojson.
func (s *Server) writeStruct(w http.ResponseWriter, status int, fields map[string]any) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		s.logger.Error("build response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	b, err := protojson.Marshal(st)
	if err != nil {
		s.logger.Error("marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
