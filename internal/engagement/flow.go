package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"workrails/internal/escrow"
)

// ErrCreationInProgress guards against duplicate on-chain contracts from a
// rapid repeat of the same accept-bid action.
var ErrCreationInProgress = errors.New("engagement: creation already in progress for this job and bid")

// InconsistentStateError reports a confirmed on-chain contract whose mirror
// write failed. The address is preserved so persistence can be retried alone,
// without resubmitting the transaction.
type InconsistentStateError struct {
	ContractAddress string
	Err             error
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("engagement: contract %s confirmed on-chain but persistence failed: %v", e.ContractAddress, e.Err)
}

func (e *InconsistentStateError) Unwrap() error { return e.Err }

// CreateParams describes one accepted (job, bid) pair to turn into an
// engagement.
type CreateParams struct {
	JobID      string
	BidID      string
	Freelancer string
	Milestones []escrow.MilestoneInput
	TotalWei   *big.Int
}

// Flow orchestrates contract creation: validate, submit on-chain, persist
// after confirmation. Persistence is never attempted before the chain
// confirms.
type Flow struct {
	client  escrow.Client
	store   Store
	log     *zap.Logger
	dlqPath string
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

type FlowConfig struct {
	// DLQPath, when set, receives a JSON entry for every confirmed contract
	// whose mirror write failed, for operator replay.
	DLQPath string
	Now     func() time.Time
}

func NewFlow(client escrow.Client, store Store, log *zap.Logger, cfg FlowConfig) *Flow {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Flow{
		client:   client,
		store:    store,
		log:      log,
		dlqPath:  cfg.DLQPath,
		now:      now,
		inflight: make(map[string]struct{}),
	}
}

// Create runs the full flow. On a persistence failure after confirmation the
// returned error is an *InconsistentStateError carrying the confirmed
// address; everything before submission fails with zero chain side effects.
func (f *Flow) Create(ctx context.Context, p CreateParams) (*Contract, error) {
	if err := validatePairing(p); err != nil {
		return nil, err
	}

	req := escrow.CreateEngagementRequest{
		Freelancer: p.Freelancer,
		Milestones: p.Milestones,
		TotalWei:   p.TotalWei,
	}
	if err := escrow.ValidateCreateRequest(req, f.now()); err != nil {
		return nil, err
	}

	key := flightKey(p.JobID, p.BidID)
	if !f.acquire(key) {
		return nil, ErrCreationInProgress
	}
	defer f.release(key)

	result, err := f.client.CreateEngagement(ctx, req)
	if err != nil {
		return nil, err
	}

	f.log.Info("engagement contract confirmed on-chain",
		zap.String("jobId", p.JobID),
		zap.String("bidId", p.BidID),
		zap.String("contractAddress", result.ContractAddress),
		zap.String("txHash", result.TxHash))

	record := f.buildRecord(p, result.ContractAddress)
	if err := f.store.Create(ctx, record); err != nil {
		// A duplicate address means the mirror already holds this contract,
		// so there is nothing to replay and no DLQ entry is written.
		if !errors.Is(err, ErrDuplicateAddress) {
			f.writeDLQ(p, result.ContractAddress, err)
		}
		return nil, &InconsistentStateError{ContractAddress: result.ContractAddress, Err: err}
	}
	return record, nil
}

// RetryPersist re-runs the mirror write for an already-confirmed contract
// address. It is idempotent: if the record exists it is returned as-is and
// no duplicate is created.
func (f *Flow) RetryPersist(ctx context.Context, p CreateParams, contractAddress string) (*Contract, error) {
	if err := validatePairing(p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(contractAddress) == "" {
		return nil, fmt.Errorf("%w: contract address required", ErrInvalidRecord)
	}

	record := f.buildRecord(p, contractAddress)
	err := f.store.Create(ctx, record)
	if err == nil {
		return record, nil
	}
	if errors.Is(err, ErrDuplicateAddress) {
		existing, getErr := f.store.GetByAddress(ctx, contractAddress)
		if getErr != nil {
			return nil, getErr
		}
		return existing, nil
	}
	return nil, &InconsistentStateError{ContractAddress: contractAddress, Err: err}
}

// Deposit funds a milestone on-chain and reconciles the mirror from the
// state read back after confirmation.
func (f *Flow) Deposit(ctx context.Context, contractID string, milestoneIndex int) (*Contract, error) {
	record, err := f.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if milestoneIndex < 0 || milestoneIndex >= len(record.Milestones) {
		return nil, fmt.Errorf("%w: milestone index %d", ErrNotFound, milestoneIndex)
	}

	amount := record.Milestones[milestoneIndex].AmountWei
	result, err := f.client.Deposit(ctx, record.ContractAddress, uint64(milestoneIndex), amount)
	if err != nil {
		return nil, err
	}
	return f.reconcileFromChain(ctx, record, milestoneIndex, result.State)
}

// Release pays out a funded milestone and reconciles the mirror.
func (f *Flow) Release(ctx context.Context, contractID string, milestoneIndex int) (*Contract, error) {
	record, err := f.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if milestoneIndex < 0 || milestoneIndex >= len(record.Milestones) {
		return nil, fmt.Errorf("%w: milestone index %d", ErrNotFound, milestoneIndex)
	}

	result, err := f.client.Release(ctx, record.ContractAddress, uint64(milestoneIndex))
	if err != nil {
		return nil, err
	}
	return f.reconcileFromChain(ctx, record, milestoneIndex, result.State)
}

func (f *Flow) reconcileFromChain(ctx context.Context, record *Contract, milestoneIndex int, chainState escrow.State) (*Contract, error) {
	state, err := FromChainState(chainState)
	if err != nil {
		return nil, err
	}
	if err := f.store.ReconcileMilestoneState(ctx, record.ContractAddress, milestoneIndex, state); err != nil {
		return nil, err
	}
	return f.store.Get(ctx, record.ID)
}

func (f *Flow) buildRecord(p CreateParams, contractAddress string) *Contract {
	milestones := make([]Milestone, len(p.Milestones))
	for i, m := range p.Milestones {
		milestones[i] = Milestone{
			Description: m.Description,
			AmountWei:   new(big.Int).Set(m.AmountWei),
			Deadline:    m.Deadline,
			State:       MilestonePending,
		}
	}
	now := f.now().UTC()
	return &Contract{
		ID:              uuid.NewString(),
		JobID:           p.JobID,
		BidID:           p.BidID,
		ContractAddress: contractAddress,
		Milestones:      milestones,
		TotalWei:        new(big.Int).Set(p.TotalWei),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (f *Flow) acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.inflight[key]; busy {
		return false
	}
	f.inflight[key] = struct{}{}
	return true
}

func (f *Flow) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, key)
}

func (f *Flow) writeDLQ(p CreateParams, contractAddress string, persistErr error) {
	if f.dlqPath == "" {
		return
	}

	entry := struct {
		Timestamp       time.Time `json:"timestamp"`
		JobID           string    `json:"jobId"`
		BidID           string    `json:"bidId"`
		ContractAddress string    `json:"contractAddress"`
		Error           string    `json:"error"`
	}{
		Timestamp:       f.now().UTC(),
		JobID:           p.JobID,
		BidID:           p.BidID,
		ContractAddress: contractAddress,
		Error:           persistErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		f.log.Error("dlq marshal failed", zap.Error(err))
		return
	}
	if err := os.MkdirAll(f.dlqPath, 0o755); err != nil {
		f.log.Error("dlq mkdir failed", zap.Error(err))
		return
	}

	filename := fmt.Sprintf("%d-%s.json", f.now().UnixNano(), strings.ToLower(contractAddress))
	if err := os.WriteFile(filepath.Join(f.dlqPath, filename), data, 0o600); err != nil {
		f.log.Error("dlq write failed", zap.Error(err))
	}
}

func validatePairing(p CreateParams) error {
	if strings.TrimSpace(p.JobID) == "" {
		return fmt.Errorf("%w: job id required", ErrInvalidRecord)
	}
	if strings.TrimSpace(p.BidID) == "" {
		return fmt.Errorf("%w: bid id required", ErrInvalidRecord)
	}
	return nil
}

func flightKey(jobID, bidID string) string {
	return jobID + "\x00" + bidID
}
