package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"workrails/internal/conversation"
	"workrails/internal/session"
)

type conversationView struct {
	ID           string         `json:"id"`
	Participants []string       `json:"participants"`
	JobID        string         `json:"jobId,omitempty"`
	LastMessage  string         `json:"lastMessage"`
	UnreadCounts map[string]int `json:"unreadCounts"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

type messageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sentAt"`
}

func toConversationView(c *conversation.Conversation) conversationView {
	return conversationView{
		ID:           c.ID,
		Participants: c.Participants,
		JobID:        c.JobID,
		LastMessage:  c.LastMessage,
		UnreadCounts: c.UnreadCounts,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func toMessageView(m conversation.Message) messageView {
	return messageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		SentAt:         m.SentAt,
	}
}

// handleFindOrCreateConversation resolves the thread for a participant set
// and job context. The caller is always included, so a user cannot open a
// thread they are not part of.
func (s *Server) handleFindOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	var payload struct {
		Participants []string `json:"participants"`
		JobID        string   `json:"jobId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json payload")
		return
	}

	participants := append(payload.Participants, sess.UserID)
	conv, err := s.conversations.FindOrCreate(r.Context(), participants, payload.JobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationView(conv))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	convs, err := s.conversations.ListByParticipant(r.Context(), sess.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	views := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		views = append(views, toConversationView(c))
	}
	writeJSON(w, http.StatusOK, struct {
		Conversations []conversationView `json:"conversations"`
	}{Conversations: views})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	conv, err := s.conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !conv.HasParticipant(sess.UserID) {
		writeError(w, http.StatusForbidden, "not_a_participant", conversation.ErrNotAParticipant.Error())
		return
	}
	writeJSON(w, http.StatusOK, toConversationView(conv))
}

func (s *Server) handleRecordMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json payload")
		return
	}

	msg, err := s.conversations.RecordMessage(r.Context(), r.PathValue("id"), sess.UserID, payload.Text)
	if err != nil {
		s.metrics.incMessage("error")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incMessage("recorded")
	writeJSON(w, http.StatusCreated, toMessageView(*msg))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	if err := s.conversations.MarkRead(r.Context(), r.PathValue("id"), sess.UserID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "read"})
}

// messageLister is satisfied by stores that keep full message history.
type messageLister interface {
	Messages(ctx context.Context, conversationID string) ([]conversation.Message, error)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	id := r.PathValue("id")
	conv, err := s.conversations.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !conv.HasParticipant(sess.UserID) {
		writeError(w, http.StatusForbidden, "not_a_participant", conversation.ErrNotAParticipant.Error())
		return
	}

	lister, ok := s.conversations.(messageLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "unsupported", "message history not available for this store")
		return
	}
	msgs, err := lister.Messages(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, toMessageView(m))
	}
	writeJSON(w, http.StatusOK, struct {
		Messages []messageView `json:"messages"`
	}{Messages: views})
}
