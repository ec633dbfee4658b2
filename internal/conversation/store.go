// Package conversation persists per-job chat threads between marketplace
// participants.
package conversation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no conversation matches the lookup.
	ErrNotFound = errors.New("conversation: not found")
	// ErrNoParticipants is returned when a creation request resolves to an
	// empty participant set.
	ErrNoParticipants = errors.New("conversation: participant set must not be empty")
	// ErrNotAParticipant rejects messages from users outside the thread.
	ErrNotAParticipant = errors.New("conversation: sender is not a participant")
	// ErrEmptyMessage rejects blank message bodies.
	ErrEmptyMessage = errors.New("conversation: message text must not be empty")
)

// Conversation is one thread. Participants is a set: deduplicated, sorted.
// UnreadCounts holds lazily created per-participant unread counters.
type Conversation struct {
	ID           string
	Participants []string
	JobID        string
	LastMessage  string
	UnreadCounts map[string]int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy so store callers cannot mutate shared state.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		out.UnreadCounts[k] = v
	}
	return &out
}

// HasParticipant reports set membership.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is one recorded chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	SentAt         time.Time
}

// Store abstracts conversation persistence.
type Store interface {
	// FindOrCreate returns the conversation with exactly this participant
	// set and job context, creating it when absent.
	FindOrCreate(ctx context.Context, participants []string, jobID string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	ListByParticipant(ctx context.Context, userID string) ([]*Conversation, error)
	// RecordMessage appends a message, refreshes the preview and bumps every
	// other participant's unread counter. Non-participants are rejected with
	// the conversation unchanged.
	RecordMessage(ctx context.Context, conversationID, senderID, text string) (*Message, error)
	// MarkRead resets the user's unread counter to zero. Idempotent.
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// NormalizeParticipants trims, drops empties, deduplicates and sorts the set.
// Every write path runs through this, so no conversation can hold two entries
// for the same user.
func NormalizeParticipants(participants []string) ([]string, error) {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, ErrNoParticipants
	}
	sort.Strings(out)
	return out, nil
}

func sameParticipants(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
