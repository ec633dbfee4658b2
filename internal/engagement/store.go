package engagement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Store abstracts persistence of engagement mirror records.
type Store interface {
	Create(ctx context.Context, record *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	GetByAddress(ctx context.Context, contractAddress string) (*Contract, error)
	ListByJob(ctx context.Context, jobID string) ([]*Contract, error)
	// UpdateMilestoneState applies a state change and rejects anything the
	// milestone machine does not allow.
	UpdateMilestoneState(ctx context.Context, contractID string, milestoneIndex int, next MilestoneState) error
	// ReconcileMilestoneState applies a state confirmed on-chain. The chain
	// wins: the new state is written even when the mirror missed an
	// intermediate transition. Identical states are a no-op.
	ReconcileMilestoneState(ctx context.Context, contractAddress string, milestoneIndex int, confirmed MilestoneState) error
}

// MemoryStore keeps records in memory. Used in tests and development.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Contract
	byAddress map[string]string // lowercase address -> id
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Contract),
		byAddress: make(map[string]string),
		now:       time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, record *Contract) error {
	if err := record.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	addrKey := strings.ToLower(record.ContractAddress)
	if _, exists := s.byAddress[addrKey]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, record.ContractAddress)
	}
	if _, exists := s.byID[record.ID]; exists {
		return fmt.Errorf("%w: id %s", ErrDuplicateAddress, record.ID)
	}

	stored := record.Clone()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.byID[stored.ID] = stored
	s.byAddress[addrKey] = stored.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return record.Clone(), nil
}

func (s *MemoryStore) GetByAddress(_ context.Context, contractAddress string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getByAddressLocked(contractAddress)
}

func (s *MemoryStore) getByAddressLocked(contractAddress string) (*Contract, error) {
	id, ok := s.byAddress[strings.ToLower(contractAddress)]
	if !ok {
		return nil, fmt.Errorf("%w: address %s", ErrNotFound, contractAddress)
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) ListByJob(_ context.Context, jobID string) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Contract
	for _, record := range s.byID {
		if record.JobID == jobID {
			out = append(out, record.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateMilestoneState(_ context.Context, contractID string, milestoneIndex int, next MilestoneState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[contractID]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, contractID)
	}
	if milestoneIndex < 0 || milestoneIndex >= len(record.Milestones) {
		return fmt.Errorf("%w: milestone index %d", ErrNotFound, milestoneIndex)
	}

	current := record.Milestones[milestoneIndex].State
	if !ValidTransition(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	record.Milestones[milestoneIndex].State = next
	record.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ReconcileMilestoneState(_ context.Context, contractAddress string, milestoneIndex int, confirmed MilestoneState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAddress[strings.ToLower(contractAddress)]
	if !ok {
		return fmt.Errorf("%w: address %s", ErrNotFound, contractAddress)
	}
	record := s.byID[id]
	if milestoneIndex < 0 || milestoneIndex >= len(record.Milestones) {
		return fmt.Errorf("%w: milestone index %d", ErrNotFound, milestoneIndex)
	}
	if record.Milestones[milestoneIndex].State == confirmed {
		return nil
	}
	record.Milestones[milestoneIndex].State = confirmed
	record.UpdatedAt = s.now()
	return nil
}
