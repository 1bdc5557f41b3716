package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditrail/internal/activity"
	"creditrail/internal/errors"
	"creditrail/internal/identity"
	"creditrail/internal/ledger"
	"creditrail/internal/observability/metrics"
	"creditrail/internal/offer"
	"creditrail/internal/signing"
	"creditrail/pkg/logger"
)

// Server exposes the REST surface: offer issuance and execution, policy
// registration and the activity feed.
type Server struct {
	addr     string
	issuer   *offer.Issuer
	executor *offer.Executor
	offers   offer.Store
	activity activity.Store
	gateway  ledger.Gateway
	domain   signing.Domain
	identity identity.Resolver
}

// NewServer wires the HTTP surface.
func NewServer(addr string, issuer *offer.Issuer, executor *offer.Executor, offers offer.Store, activityStore activity.Store, gateway ledger.Gateway, domain signing.Domain, resolver identity.Resolver) *Server {
	return &Server{
		addr:     addr,
		issuer:   issuer,
		executor: executor,
		offers:   offers,
		activity: activityStore,
		gateway:  gateway,
		domain:   domain,
		identity: resolver,
	}
}

// Handler builds the route table. Exposed separately from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/offers", s.authenticated("issue_offer", s.handleIssue))
	mux.Handle("POST /api/v1/offers/execute", s.authenticated("execute_offer", s.handleExecute))
	mux.Handle("GET /api/v1/offers", s.authenticated("list_offers", s.handleListOffers))
	mux.Handle("GET /api/v1/offers/stats", s.authenticated("offer_stats", s.handleOfferStats))
	mux.Handle("POST /api/v1/policies", s.authenticated("register_policy", s.handleRegisterPolicy))
	mux.Handle("GET /api/v1/activity", s.authenticated("list_activity", s.handleActivity))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// authenticated resolves the caller's bearer token, stores the agent id in
// the request context and audit-logs the request outcome.
func (s *Server) authenticated(event string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := identity.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			s.deny(w, r, event, err)
			return
		}
		agentID, err := s.identity.Resolve(r.Context(), token)
		if err != nil {
			s.deny(w, r, event, err)
			return
		}

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r.WithContext(identity.WithAgentID(r.Context(), agentID)))
		metrics.ObserveHTTPRequest(event, r.Method, recorder.status, time.Since(start))
		logger.Audit().Info("api_request",
			slog.String("event", event),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", recorder.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("agent_id", agentID))
	})
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request, event string, err error) {
	writeError(w, err)
	metrics.ObserveHTTPRequest(event, r.Method, statusFor(err), 0)
	logger.Audit().Warn("access_denied",
		slog.String("event", event),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("code", string(errors.CodeOf(err))))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type issueRequest struct {
	Borrower        string `json:"borrower"`
	Principal       string `json:"principal"`
	RateBps         uint32 `json:"rate_bps"`
	DurationSeconds uint64 `json:"duration_seconds"`
	Action          uint8  `json:"action"`
	TTLSeconds      uint64 `json:"ttl_seconds"`
	MetadataHash    string `json:"metadata_hash"`
}

type offerResponse struct {
	ID           string `json:"id"`
	AgentID      string `json:"agent_id"`
	Borrower     string `json:"borrower"`
	Nonce        uint64 `json:"nonce"`
	Principal    string `json:"principal"`
	RateBps      uint32 `json:"rate_bps"`
	DueAt        uint64 `json:"due_at"`
	IssuedAt     uint64 `json:"issued_at"`
	ExpiresAt    uint64 `json:"expires_at"`
	Action       uint8  `json:"action"`
	MetadataHash string `json:"metadata_hash"`
	Signature    string `json:"signature"`
	Status       string `json:"status"`
	TxHash       string `json:"tx_hash,omitempty"`
	LoanID       uint64 `json:"loan_id,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

func toOfferResponse(o *offer.Offer) offerResponse {
	return offerResponse{
		ID:           o.ID,
		AgentID:      o.AgentID,
		Borrower:     o.Borrower.Hex(),
		Nonce:        o.Nonce,
		Principal:    o.Principal.String(),
		RateBps:      o.RateBps,
		DueAt:        o.DueAt,
		IssuedAt:     o.IssuedAt,
		ExpiresAt:    o.ExpiresAt,
		Action:       o.Action,
		MetadataHash: common.Hash(o.MetadataHash).Hex(),
		Signature:    hexEncode(o.Signature),
		Status:       string(o.Status),
		TxHash:       o.TxHash,
		LoanID:       o.LoanID,
		LastError:    o.LastError,
	}
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidArgument, err, "parse request body"))
		return
	}
	if !common.IsHexAddress(req.Borrower) {
		writeError(w, errors.New(errors.CodeInvalidArgument, "borrower must be a hex address"))
		return
	}
	principal, err := parsePrincipal(req.Principal)
	if err != nil {
		writeError(w, err)
		return
	}
	var metadataHash [32]byte
	if req.MetadataHash != "" {
		metadataHash = common.HexToHash(req.MetadataHash)
	}
	agentID, _ := identity.AgentFromContext(r.Context())

	o, err := s.issuer.Issue(r.Context(), offer.IssueRequest{
		AgentID:         agentID,
		Borrower:        common.HexToAddress(req.Borrower),
		Principal:       principal,
		RateBps:         req.RateBps,
		DurationSeconds: req.DurationSeconds,
		Action:          req.Action,
		TTLSeconds:      req.TTLSeconds,
		MetadataHash:    metadataHash,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOfferResponse(o))
}

type executeRequest struct {
	Borrower  string `json:"borrower"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidArgument, err, "parse request body"))
		return
	}
	if !common.IsHexAddress(req.Borrower) {
		writeError(w, errors.New(errors.CodeInvalidArgument, "borrower must be a hex address"))
		return
	}
	signature, err := hexDecode(req.Signature)
	if err != nil {
		writeError(w, errors.New(errors.CodeInvalidArgument, "signature must be hex encoded"))
		return
	}
	agentID, _ := identity.AgentFromContext(r.Context())

	result, err := s.executor.Execute(r.Context(), agentID, common.HexToAddress(req.Borrower), req.Nonce, signature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := offer.ListOptions{}
	if raw := query.Get("borrower"); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, errors.New(errors.CodeInvalidArgument, "borrower must be a hex address"))
			return
		}
		addr := common.HexToAddress(raw)
		opts.Borrower = &addr
	}
	for _, raw := range query["status"] {
		opts.Statuses = append(opts.Statuses, offer.Status(raw))
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, errors.New(errors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		opts.Limit = limit
	}

	offers, err := s.offers.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	responses := make([]offerResponse, 0, len(offers))
	for _, o := range offers {
		responses = append(responses, toOfferResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": responses})
}

func (s *Server) handleOfferStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.offers.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type registerPolicyRequest struct {
	Borrower  string `json:"borrower"`
	IssuedAt  uint64 `json:"issued_at"`
	ExpiresAt uint64 `json:"expires_at"`
	Signature string `json:"signature"`
}

type registerPolicyResponse struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

func (s *Server) handleRegisterPolicy(w http.ResponseWriter, r *http.Request) {
	var req registerPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidArgument, err, "parse request body"))
		return
	}
	if !common.IsHexAddress(req.Borrower) {
		writeError(w, errors.New(errors.CodeInvalidArgument, "borrower must be a hex address"))
		return
	}
	signature, err := hexDecode(req.Signature)
	if err != nil {
		writeError(w, errors.New(errors.CodeInvalidArgument, "signature must be hex encoded"))
		return
	}
	borrower := common.HexToAddress(req.Borrower)

	// The registration payload must be signed by the borrower itself.
	signer, err := signing.RecoverPolicySigner(s.domain, borrower, req.IssuedAt, req.ExpiresAt, signature)
	if err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidArgument, err, "recover registration signer"))
		return
	}
	if signer != borrower {
		writeError(w, errors.New(errors.CodeUnauthorized, "registration not signed by borrower"))
		return
	}

	settlement, err := s.gateway.SubmitPolicyRegistration(r.Context(), borrower, req.IssuedAt, req.ExpiresAt, signature)
	if err != nil {
		writeError(w, errors.Wrap(errors.CodeLedgerFailure, err, "submit policy registration"))
		return
	}
	logger.Audit().Info("policy registered",
		slog.String("borrower", borrower.Hex()),
		slog.String("tx_hash", settlement.TxHash.Hex()),
		slog.Uint64("block", settlement.BlockNumber))
	writeJSON(w, http.StatusOK, registerPolicyResponse{
		TxHash:      settlement.TxHash.Hex(),
		BlockNumber: settlement.BlockNumber,
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := activity.ListFilter{
		AgentID:  query.Get("agent_id"),
		Borrower: query.Get("borrower"),
		Category: activity.Category(query.Get("category")),
	}
	if raw := query.Get("loan_id"); raw != "" {
		loanID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, errors.New(errors.CodeInvalidArgument, "loan_id must be an unsigned integer"))
			return
		}
		filter.LoanID = loanID
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, errors.New(errors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, errors.New(errors.CodeInvalidArgument, "before must be RFC 3339"))
			return
		}
		filter.Before = before
	}

	events, err := s.activity.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
