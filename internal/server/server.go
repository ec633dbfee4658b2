package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"workrails/internal/config"
	"workrails/internal/conversation"
	"workrails/internal/engagement"
	"workrails/internal/escrow"
	"workrails/internal/hmacauth"
	"workrails/internal/idempotency"
	"workrails/internal/session"
)

type Server struct {
	cfg           *config.AppConfig
	log           *zap.Logger
	flow          *engagement.Flow
	contracts     engagement.Store
	conversations conversation.Store
	idem          idempotency.Store
	sessions      *session.Issuer
	metrics       *metricsRegistry
	httpServer    *http.Server
	dbHealthFn    func(context.Context) error
	rpcHealthFn   func(context.Context) error
}

type Deps struct {
	Escrow        escrow.Client
	Contracts     engagement.Store
	Conversations conversation.Store
	Idempotency   idempotency.Store
	Sessions      *session.Issuer
	Log           *zap.Logger
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	flow := engagement.NewFlow(deps.Escrow, deps.Contracts, log, engagement.FlowConfig{
		DLQPath: cfg.Service.DLQPath,
	})

	webhookVerifier := &hmacauth.Verifier{
		Secret:          cfg.Seed.Secrets.ChainWebhookSecret,
		MaxSkew:         cfg.Service.HMACClockSkew,
		SignatureHeader: "X-Chain-Signature",
		TimestampHeader: "X-Request-Timestamp",
	}

	s := &Server{
		cfg:           cfg,
		log:           log,
		flow:          flow,
		contracts:     deps.Contracts,
		conversations: deps.Conversations,
		idem:          deps.Idempotency,
		sessions:      deps.Sessions,
		metrics:       newMetricsRegistry(),
	}

	if checker, ok := deps.Contracts.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Escrow.(escrow.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	authed := func(h http.HandlerFunc) http.Handler {
		return deps.Sessions.Middleware(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)

	mux.Handle("POST /api/v1/contracts", authed(s.handleCreateContract))
	mux.Handle("POST /api/v1/contracts/retry-persist", authed(s.handleRetryPersist))
	mux.Handle("GET /api/v1/contracts/{id}", authed(s.handleGetContract))
	mux.Handle("GET /api/v1/jobs/{jobID}/contracts", authed(s.handleListJobContracts))
	mux.Handle("POST /api/v1/contracts/{id}/milestones/{index}/deposit", authed(s.handleDeposit))
	mux.Handle("POST /api/v1/contracts/{id}/milestones/{index}/release", authed(s.handleRelease))
	mux.Handle("PATCH /api/v1/contracts/{id}/milestones/{index}", authed(s.handleUpdateMilestone))

	mux.Handle("POST /api/v1/webhooks/chain", webhookVerifier.Middleware(http.HandlerFunc(s.handleChainWebhook)))

	mux.Handle("POST /api/v1/conversations", authed(s.handleFindOrCreateConversation))
	mux.Handle("GET /api/v1/conversations", authed(s.handleListConversations))
	mux.Handle("GET /api/v1/conversations/{id}", authed(s.handleGetConversation))
	mux.Handle("GET /api/v1/conversations/{id}/messages", authed(s.handleListMessages))
	mux.Handle("POST /api/v1/conversations/{id}/messages", authed(s.handleRecordMessage))
	mux.Handle("POST /api/v1/conversations/{id}/read", authed(s.handleMarkRead))

	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(s.logMiddleware(mux)),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type loginRequest struct {
	UserID        string `json:"userId"`
	WalletAddress string `json:"walletAddress"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload loginRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json payload")
		return
	}
	if payload.UserID == "" {
		writeError(w, http.StatusBadRequest, "validation", "userId is required")
		return
	}

	token, expiresIn, err := s.sessions.Issue(payload.UserID, payload.WalletAddress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to issue session token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresIn: expiresIn})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queueDepth := s.updateDLQDepth()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Database   interface{} `json:"database"`
		QueueDepth int         `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
	}

	if !overallHealthy {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	if s.metrics != nil {
		s.metrics.setDLQDepth(depth)
	}
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if err != nil {
		return 0
	}
	return len(entries)
}

type errorResponse struct {
	Error           string `json:"error"`
	Code            string `json:"code"`
	ContractAddress string `json:"contractAddress,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// domainErrorBody maps a domain failure to a status code and a stable
// machine-readable error code.
func domainErrorBody(err error) (int, errorResponse) {
	// Duplicate address takes priority over the inconsistent-state wrapper:
	// the mirror already holds the contract, so the state is not inconsistent.
	if errors.Is(err, engagement.ErrDuplicateAddress) {
		resp := errorResponse{Error: err.Error(), Code: "duplicate_address"}
		var inconsistent *engagement.InconsistentStateError
		if errors.As(err, &inconsistent) {
			resp.ContractAddress = inconsistent.ContractAddress
		}
		return http.StatusConflict, resp
	}

	var inconsistent *engagement.InconsistentStateError
	if errors.As(err, &inconsistent) {
		// The confirmed address is preserved so persistence can be retried
		// without resubmitting the transaction.
		return http.StatusInternalServerError, errorResponse{
			Error:           inconsistent.Error(),
			Code:            "inconsistent_state",
			ContractAddress: inconsistent.ContractAddress,
		}
	}

	switch {
	case errors.Is(err, escrow.ErrInvalidMilestones),
		errors.Is(err, engagement.ErrInvalidRecord),
		errors.Is(err, conversation.ErrNoParticipants),
		errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation"}
	case errors.Is(err, engagement.ErrNotFound), errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"}
	case errors.Is(err, conversation.ErrNotAParticipant):
		return http.StatusForbidden, errorResponse{Error: err.Error(), Code: "not_a_participant"}
	case errors.Is(err, engagement.ErrCreationInProgress):
		return http.StatusConflict, errorResponse{Error: err.Error(), Code: "creation_in_progress"}
	case errors.Is(err, engagement.ErrInvalidTransition),
		errors.Is(err, escrow.ErrInvalidMilestoneState):
		return http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "invalid_transition"}
	case errors.Is(err, escrow.ErrTransactionReverted),
		errors.Is(err, escrow.ErrEventNotFound):
		return http.StatusBadGateway, errorResponse{Error: err.Error(), Code: "chain_rejected"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "internal"}
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status, body := domainErrorBody(err)
	writeJSON(w, status, body)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("requestId", r.Header.Get("X-Request-Id")),
			zap.Duration("elapsed", time.Since(start)))
	})
}
