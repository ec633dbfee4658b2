package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidMilestones marks a milestone set rejected before any chain call.
	ErrInvalidMilestones = errors.New("escrow: invalid milestone set")
	// ErrTransactionReverted means the chain rejected a submitted transaction.
	// Resubmitting duplicates intent; callers surface the reason instead.
	ErrTransactionReverted = errors.New("escrow: transaction reverted")
	// ErrEventNotFound means the creation receipt carried no ContractCreated
	// event. This is an ABI mismatch and is fatal.
	ErrEventNotFound = errors.New("escrow: creation event not found in receipt")
	// ErrInvalidMilestoneState means the on-chain milestone is not in the
	// state the requested operation needs.
	ErrInvalidMilestoneState = errors.New("escrow: milestone not in required state")
)

// State mirrors the on-chain milestone state enum.
type State uint8

const (
	StatePending State = iota
	StateFunded
	StateReleased
	StateDisputed
)

// MilestoneInput is one payable unit submitted to the factory. Order is
// significant and must match the mirror record.
type MilestoneInput struct {
	Description string
	AmountWei   *big.Int
	Deadline    int64 // unix seconds
}

type CreateEngagementRequest struct {
	Freelancer string
	Milestones []MilestoneInput
	TotalWei   *big.Int
}

type CreateEngagementResult struct {
	ContractAddress string
	TxHash          string
}

type TxResult struct {
	TxHash string
	// State is re-read from the chain after confirmation; success is never
	// assumed without reading it back.
	State State
}

// Client abstracts the on-chain engagement interaction.
type Client interface {
	CreateEngagement(ctx context.Context, req CreateEngagementRequest) (CreateEngagementResult, error)
	Deposit(ctx context.Context, contractAddress string, milestoneIndex uint64, amountWei *big.Int) (TxResult, error)
	Release(ctx context.Context, contractAddress string, milestoneIndex uint64) (TxResult, error)
	MilestoneState(ctx context.Context, contractAddress string, milestoneIndex uint64) (State, error)
}

// HealthChecker is implemented by clients that can probe their RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ValidateCreateRequest enforces the pre-flight invariants: positive amounts,
// exact total equality, and strictly future deadlines. A failing request
// costs zero network calls.
func ValidateCreateRequest(req CreateEngagementRequest, now time.Time) error {
	if !common.IsHexAddress(req.Freelancer) {
		return fmt.Errorf("%w: invalid freelancer address %q", ErrInvalidMilestones, req.Freelancer)
	}
	if len(req.Milestones) == 0 {
		return fmt.Errorf("%w: at least one milestone required", ErrInvalidMilestones)
	}
	if req.TotalWei == nil || req.TotalWei.Sign() <= 0 {
		return fmt.Errorf("%w: total amount must be positive", ErrInvalidMilestones)
	}

	sum := new(big.Int)
	for i, m := range req.Milestones {
		if strings.TrimSpace(m.Description) == "" {
			return fmt.Errorf("%w: milestone %d missing description", ErrInvalidMilestones, i)
		}
		if m.AmountWei == nil || m.AmountWei.Sign() <= 0 {
			return fmt.Errorf("%w: milestone %d amount must be positive", ErrInvalidMilestones, i)
		}
		if m.Deadline <= now.Unix() {
			return fmt.Errorf("%w: milestone %d deadline not in the future", ErrInvalidMilestones, i)
		}
		sum.Add(sum, m.AmountWei)
	}

	if sum.Cmp(req.TotalWei) != 0 {
		return fmt.Errorf("%w: milestone amounts sum to %s, total is %s",
			ErrInvalidMilestones, sum.String(), req.TotalWei.String())
	}
	return nil
}
