package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"workrails/internal/engagement"
	"workrails/internal/escrow"
	"workrails/internal/idempotency"
)

type milestonePayload struct {
	Description string `json:"description"`
	AmountWei   string `json:"amountWei"`
	Deadline    int64  `json:"deadline"`
}

type createContractRequest struct {
	JobID      string             `json:"jobId"`
	BidID      string             `json:"bidId"`
	Freelancer string             `json:"freelancer"`
	Milestones []milestonePayload `json:"milestones"`
	TotalWei   string             `json:"totalWei"`
}

type retryPersistRequest struct {
	createContractRequest
	ContractAddress string `json:"contractAddress"`
}

type milestoneView struct {
	Description string `json:"description"`
	AmountWei   string `json:"amountWei"`
	AmountEth   string `json:"amountEth"`
	Deadline    int64  `json:"deadline"`
	State       string `json:"state"`
}

type contractView struct {
	ID              string          `json:"id"`
	JobID           string          `json:"jobId"`
	BidID           string          `json:"bidId"`
	ContractAddress string          `json:"contractAddress"`
	Milestones      []milestoneView `json:"milestones"`
	TotalWei        string          `json:"totalWei"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func toContractView(c *engagement.Contract) contractView {
	milestones := make([]milestoneView, len(c.Milestones))
	for i, m := range c.Milestones {
		milestones[i] = milestoneView{
			Description: m.Description,
			AmountWei:   m.AmountWei.String(),
			AmountEth:   escrow.FormatEther(m.AmountWei),
			Deadline:    m.Deadline,
			State:       string(m.State),
		}
	}
	return contractView{
		ID:              c.ID,
		JobID:           c.JobID,
		BidID:           c.BidID,
		ContractAddress: c.ContractAddress,
		Milestones:      milestones,
		TotalWei:        c.TotalWei.String(),
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func (p createContractRequest) toParams() (engagement.CreateParams, error) {
	milestones := make([]escrow.MilestoneInput, len(p.Milestones))
	for i, m := range p.Milestones {
		amount, err := escrow.ParseWei(m.AmountWei)
		if err != nil {
			return engagement.CreateParams{}, err
		}
		milestones[i] = escrow.MilestoneInput{
			Description: m.Description,
			AmountWei:   amount,
			Deadline:    m.Deadline,
		}
	}
	total, err := escrow.ParseWei(p.TotalWei)
	if err != nil {
		return engagement.CreateParams{}, err
	}
	return engagement.CreateParams{
		JobID:      p.JobID,
		BidID:      p.BidID,
		Freelancer: p.Freelancer,
		Milestones: milestones,
		TotalWei:   total,
	}, nil
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get("X-Idempotency-Key")
	if idemKey == "" {
		writeError(w, http.StatusBadRequest, "validation", "X-Idempotency-Key header required")
		return
	}

	cached, err := s.idem.Get(r.Context(), idemKey)
	if err != nil {
		s.log.Warn("idempotency lookup failed", zap.Error(err))
	} else if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotency-Replay", "true")
		w.WriteHeader(cached.StatusCode)
		_, _ = w.Write(cached.Response)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "unable to read request body")
		return
	}

	var payload createContractRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json payload")
		return
	}

	params, err := payload.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	record, err := s.flow.Create(r.Context(), params)
	if err != nil {
		s.metrics.incContract("error")
		s.updateDLQDepth()
		status, resp := domainErrorBody(err)
		// Once a transaction confirmed, a replay of the same key must not
		// resubmit it, so terminal outcomes are cached like successes.
		if confirmedOnChain(err) {
			s.cacheResponse(r, idemKey, status, resp)
		}
		writeJSON(w, status, resp)
		return
	}
	s.metrics.incContract("created")

	view := toContractView(record)
	s.cacheResponse(r, idemKey, http.StatusCreated, view)
	writeJSON(w, http.StatusCreated, view)
}

// confirmedOnChain reports whether the creation failure happened after the
// transaction confirmed. Earlier failures are safe to re-run under the same
// idempotency key.
func confirmedOnChain(err error) bool {
	var inconsistent *engagement.InconsistentStateError
	return errors.As(err, &inconsistent)
}

func (s *Server) cacheResponse(r *http.Request, key string, status int, body interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return
	}
	now := time.Now().UTC()
	rec := idempotency.Record{
		StatusCode: status,
		Response:   buf.Bytes(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.idem.Save(r.Context(), key, rec); err != nil {
		s.log.Warn("idempotency save failed", zap.String("key", key), zap.Error(err))
	}
}

// handleRetryPersist replays the mirror write for a contract that confirmed
// on-chain but failed to persist. The retry loop follows the configured
// backoff schedule.
func (s *Server) handleRetryPersist(w http.ResponseWriter, r *http.Request) {
	var payload retryPersistRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json payload")
		return
	}

	params, err := payload.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	record, err := s.retryPersistWithBackoff(r, params, payload.ContractAddress)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.updateDLQDepth()
	writeJSON(w, http.StatusOK, toContractView(record))
}

func (s *Server) retryPersistWithBackoff(r *http.Request, params engagement.CreateParams, contractAddress string) (*engagement.Contract, error) {
	attempts := s.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := s.cfg.Retry.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		record, err := s.flow.RetryPersist(r.Context(), params, contractAddress)
		if err == nil {
			s.metrics.incPersistRetry("success")
			return record, nil
		}
		lastErr = err
		s.metrics.incPersistRetry("failure")

		// Validation failures will not heal on retry.
		if errors.Is(err, engagement.ErrInvalidRecord) {
			return nil, err
		}

		s.log.Warn("persist retry failed",
			zap.String("contractAddress", contractAddress),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == attempts {
			break
		}
		select {
		case <-r.Context().Done():
			return nil, r.Context().Err()
		case <-time.After(backoff):
		}
		backoff *= time.Duration(s.cfg.Retry.BackoffMultiplier)
		if s.cfg.Retry.MaxBackoff > 0 && backoff > s.cfg.Retry.MaxBackoff {
			backoff = s.cfg.Retry.MaxBackoff
		}
	}
	return nil, lastErr
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	record, err := s.contracts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractView(record))
}

func (s *Server) handleListJobContracts(w http.ResponseWriter, r *http.Request) {
	records, err := s.contracts.ListByJob(r.Context(), r.PathValue("jobID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	views := make([]contractView, 0, len(records))
	for _, rec := range records {
		views = append(views, toContractView(rec))
	}
	writeJSON(w, http.StatusOK, struct {
		Contracts []contractView `json:"contracts"`
	}{Contracts: views})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	index, ok := milestoneIndex(w, r)
	if !ok {
		return
	}
	record, err := s.flow.Deposit(r.Context(), r.PathValue("id"), index)
	if err != nil {
		s.metrics.incMilestoneUpdate("deposit", "error")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incMilestoneUpdate("deposit", "success")
	writeJSON(w, http.StatusOK, toContractView(record))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	index, ok := milestoneIndex(w, r)
	if !ok {
		return
	}
	record, err := s.flow.Release(r.Context(), r.PathValue("id"), index)
	if err != nil {
		s.metrics.incMilestoneUpdate("release", "error")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incMilestoneUpdate("release", "success")
	writeJSON(w, http.StatusOK, toContractView(record))
}

// handleUpdateMilestone applies a mirror-only state change. Dispute flags live
// off-chain, so this path never touches the chain and enforces the strict
// transition table.
func (s *Server) handleUpdateMilestone(w http.ResponseWriter, r *http.Request) {
	index, ok := milestoneIndex(w, r)
	if !ok {
		return
	}

	var payload struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json payload")
		return
	}
	next, err := engagement.ParseMilestoneState(payload.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	contractID := r.PathValue("id")
	if err := s.contracts.UpdateMilestoneState(r.Context(), contractID, index, next); err != nil {
		s.metrics.incMilestoneUpdate("api", "error")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incMilestoneUpdate("api", "success")

	record, err := s.contracts.Get(r.Context(), contractID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractView(record))
}

type chainWebhookPayload struct {
	ContractAddress string `json:"contractAddress"`
	MilestoneIndex  int    `json:"milestoneIndex"`
	State           string `json:"state"`
	TxHash          string `json:"txHash"`
}

// handleChainWebhook ingests confirmed chain events from the indexer. The
// reported state is authoritative, so the mirror reconciles rather than
// re-checking the transition table.
func (s *Server) handleChainWebhook(w http.ResponseWriter, r *http.Request) {
	var payload chainWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json payload")
		return
	}

	confirmed, err := engagement.ParseMilestoneState(payload.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	err = s.contracts.ReconcileMilestoneState(r.Context(), payload.ContractAddress, payload.MilestoneIndex, confirmed)
	if err != nil {
		s.metrics.incMilestoneUpdate("webhook", "error")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incMilestoneUpdate("webhook", "success")

	s.log.Info("chain event reconciled",
		zap.String("contractAddress", payload.ContractAddress),
		zap.Int("milestoneIndex", payload.MilestoneIndex),
		zap.String("state", string(confirmed)),
		zap.String("txHash", payload.TxHash))

	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "reconciled"})
}

func milestoneIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "validation", "milestone index must be a non-negative integer")
		return 0, false
	}
	return index, true
}
