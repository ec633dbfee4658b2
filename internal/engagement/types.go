// Package engagement owns the off-chain mirror of on-chain engagement
// contracts. The chain is the source of truth for milestone state; the
// mirror is an index that reconciles toward the last confirmed chain state.
package engagement

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"workrails/internal/escrow"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("engagement: contract not found")
	// ErrDuplicateAddress is returned when a record for the on-chain address
	// already exists. Records are never hard-deleted, so this is permanent.
	ErrDuplicateAddress = errors.New("engagement: contract address already recorded")
	// ErrInvalidTransition marks a milestone state change outside the
	// allowed machine.
	ErrInvalidTransition = errors.New("engagement: invalid milestone transition")
	// ErrInvalidRecord marks a record that fails its own invariants.
	ErrInvalidRecord = errors.New("engagement: invalid contract record")
)

// MilestoneState is the lifecycle of one milestone in the mirror.
type MilestoneState string

const (
	MilestonePending  MilestoneState = "pending"
	MilestoneFunded   MilestoneState = "funded"
	MilestoneReleased MilestoneState = "released"
	MilestoneDisputed MilestoneState = "disputed"
)

// ParseMilestoneState validates a state string from the API or the database.
func ParseMilestoneState(s string) (MilestoneState, error) {
	switch MilestoneState(strings.ToLower(strings.TrimSpace(s))) {
	case MilestonePending:
		return MilestonePending, nil
	case MilestoneFunded:
		return MilestoneFunded, nil
	case MilestoneReleased:
		return MilestoneReleased, nil
	case MilestoneDisputed:
		return MilestoneDisputed, nil
	default:
		return "", fmt.Errorf("unknown milestone state %q", s)
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s MilestoneState) Terminal() bool {
	return s == MilestoneReleased || s == MilestoneDisputed
}

// ValidTransition reports whether from → to follows the milestone machine:
// Pending → Funded → Released, with Pending|Funded → Disputed.
func ValidTransition(from, to MilestoneState) bool {
	switch from {
	case MilestonePending:
		return to == MilestoneFunded || to == MilestoneDisputed
	case MilestoneFunded:
		return to == MilestoneReleased || to == MilestoneDisputed
	default:
		return false
	}
}

// FromChainState maps the on-chain enum to the mirror state.
func FromChainState(s escrow.State) (MilestoneState, error) {
	switch s {
	case escrow.StatePending:
		return MilestonePending, nil
	case escrow.StateFunded:
		return MilestoneFunded, nil
	case escrow.StateReleased:
		return MilestoneReleased, nil
	case escrow.StateDisputed:
		return MilestoneDisputed, nil
	default:
		return "", fmt.Errorf("unknown chain state %d", s)
	}
}

// Milestone is one payable unit of the engagement. Order within the record
// matches the order submitted on-chain.
type Milestone struct {
	Description string
	AmountWei   *big.Int
	Deadline    int64 // unix seconds
	State       MilestoneState
}

func (m *Milestone) clone() Milestone {
	out := *m
	if m.AmountWei != nil {
		out.AmountWei = new(big.Int).Set(m.AmountWei)
	}
	return out
}

// Contract is the persisted mirror of one on-chain engagement.
type Contract struct {
	ID              string
	JobID           string
	BidID           string
	ContractAddress string
	Milestones      []Milestone
	TotalWei        *big.Int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy so store callers cannot mutate shared state.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	out := *c
	if c.TotalWei != nil {
		out.TotalWei = new(big.Int).Set(c.TotalWei)
	}
	out.Milestones = make([]Milestone, len(c.Milestones))
	for i := range c.Milestones {
		out.Milestones[i] = c.Milestones[i].clone()
	}
	return &out
}

// Validate checks the record invariants prior to persistence.
func (c *Contract) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidRecord)
	}
	if strings.TrimSpace(c.JobID) == "" {
		return fmt.Errorf("%w: job id required", ErrInvalidRecord)
	}
	if strings.TrimSpace(c.BidID) == "" {
		return fmt.Errorf("%w: bid id required", ErrInvalidRecord)
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("%w: invalid contract address %q", ErrInvalidRecord, c.ContractAddress)
	}
	if len(c.Milestones) == 0 {
		return fmt.Errorf("%w: at least one milestone required", ErrInvalidRecord)
	}
	if c.TotalWei == nil || c.TotalWei.Sign() <= 0 {
		return fmt.Errorf("%w: total must be positive", ErrInvalidRecord)
	}

	sum := new(big.Int)
	for i, m := range c.Milestones {
		if m.AmountWei == nil || m.AmountWei.Sign() <= 0 {
			return fmt.Errorf("%w: milestone %d amount must be positive", ErrInvalidRecord, i)
		}
		if _, err := ParseMilestoneState(string(m.State)); err != nil {
			return fmt.Errorf("%w: milestone %d: %v", ErrInvalidRecord, i, err)
		}
		sum.Add(sum, m.AmountWei)
	}
	if sum.Cmp(c.TotalWei) != 0 {
		return fmt.Errorf("%w: milestone amounts sum to %s, total is %s", ErrInvalidRecord, sum, c.TotalWei)
	}
	return nil
}
