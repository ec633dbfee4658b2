package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps conversations in memory. Used in tests and development.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		now:           time.Now,
	}
}

func (s *MemoryStore) FindOrCreate(_ context.Context, participants []string, jobID string) (*Conversation, error) {
	normalized, err := NormalizeParticipants(participants)
	if err != nil {
		return nil, err
	}
	jobID = strings.TrimSpace(jobID)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.conversations {
		if conv.JobID == jobID && sameParticipants(conv.Participants, normalized) {
			return conv.Clone(), nil
		}
	}

	now := s.now().UTC()
	conv := &Conversation{
		ID:           uuid.NewString(),
		Participants: normalized,
		JobID:        jobID,
		UnreadCounts: make(map[string]int),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.conversations[conv.ID] = conv
	return conv.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) ListByParticipant(_ context.Context, userID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conversation
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, conv.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordMessage(_ context.Context, conversationID, senderID, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, conversationID)
	}
	if !conv.HasParticipant(senderID) {
		return nil, fmt.Errorf("%w: %s", ErrNotAParticipant, senderID)
	}

	now := s.now().UTC()
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		SentAt:         now,
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)

	conv.LastMessage = text
	conv.UpdatedAt = now
	for _, p := range conv.Participants {
		if p != senderID {
			conv.UnreadCounts[p]++
		}
	}
	return &msg, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, conversationID)
	}
	if conv.UnreadCounts[userID] == 0 {
		return nil
	}
	conv.UnreadCounts[userID] = 0
	conv.UpdatedAt = s.now().UTC()
	return nil
}

// Messages returns the recorded messages for a conversation in send order.
func (s *MemoryStore) Messages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, conversationID)
	}
	return append([]Message(nil), s.messages[conversationID]...), nil
}
