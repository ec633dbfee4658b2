package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// FakeClient emulates the chain in memory: engagement addresses are derived
// deterministically from the request payload and milestone states follow the
// on-chain transitions.
type FakeClient struct {
	mu     sync.Mutex
	states map[string][]State
}

func NewFakeClient() *FakeClient {
	return &FakeClient{states: make(map[string][]State)}
}

func (f *FakeClient) CreateEngagement(_ context.Context, req CreateEngagementRequest) (CreateEngagementResult, error) {
	if err := ValidateCreateRequest(req, time.Now()); err != nil {
		return CreateEngagementResult{}, err
	}

	payload := req.Freelancer + req.TotalWei.String()
	for _, m := range req.Milestones {
		payload += m.Description + m.AmountWei.String() + fmt.Sprintf("%d", m.Deadline)
	}
	sum := sha256.Sum256([]byte(payload))
	address := "0x" + hex.EncodeToString(sum[:20])

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.states[address]; !exists {
		f.states[address] = make([]State, len(req.Milestones))
	}

	return CreateEngagementResult{
		ContractAddress: address,
		TxHash:          "0x" + hex.EncodeToString(sum[:]),
	}, nil
}

func (f *FakeClient) Deposit(_ context.Context, contractAddress string, milestoneIndex uint64, amountWei *big.Int) (TxResult, error) {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return TxResult{}, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidMilestones)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	states, err := f.milestones(contractAddress, milestoneIndex)
	if err != nil {
		return TxResult{}, err
	}
	if states[milestoneIndex] != StatePending {
		return TxResult{}, fmt.Errorf("%w: tx would revert, milestone %d not pending", ErrTransactionReverted, milestoneIndex)
	}
	states[milestoneIndex] = StateFunded
	return TxResult{TxHash: fakeHash(contractAddress, "fund", milestoneIndex), State: StateFunded}, nil
}

func (f *FakeClient) Release(_ context.Context, contractAddress string, milestoneIndex uint64) (TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	states, err := f.milestones(contractAddress, milestoneIndex)
	if err != nil {
		return TxResult{}, err
	}
	if states[milestoneIndex] != StateFunded {
		return TxResult{}, fmt.Errorf("%w: milestone %d is in state %d", ErrInvalidMilestoneState, milestoneIndex, states[milestoneIndex])
	}
	states[milestoneIndex] = StateReleased
	return TxResult{TxHash: fakeHash(contractAddress, "release", milestoneIndex), State: StateReleased}, nil
}

func (f *FakeClient) MilestoneState(_ context.Context, contractAddress string, milestoneIndex uint64) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	states, err := f.milestones(contractAddress, milestoneIndex)
	if err != nil {
		return 0, err
	}
	return states[milestoneIndex], nil
}

func (f *FakeClient) milestones(contractAddress string, index uint64) ([]State, error) {
	states, ok := f.states[contractAddress]
	if !ok {
		return nil, fmt.Errorf("unknown contract %s", contractAddress)
	}
	if index >= uint64(len(states)) {
		return nil, fmt.Errorf("milestone index %d out of range", index)
	}
	return states, nil
}

func fakeHash(parts ...interface{}) string {
	sum := sha256.Sum256([]byte(fmt.Sprint(parts...)))
	return "0x" + hex.EncodeToString(sum[:])
}
