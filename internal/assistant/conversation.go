// Package assistant runs the chat loop of the medical assistant client:
// it feeds user messages to a responder, folds the replies back into the
// conversation record, and keeps triage state consistent.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/carebridge/caresync/internal/session"
)

// Reply is the responder's answer to one user message.
type Reply struct {
	Content   string
	Symptoms  []string
	Urgency   session.Urgency
	Emergency bool
	ToolsUsed []string
}

// Responder produces assistant replies. The conversation record passed
// in is a snapshot; implementations must not retain or mutate it.
type Responder interface {
	Respond(ctx context.Context, message string, rec *session.ConversationRecord) (Reply, error)
}

// recordClearer is the slice of session.Store that Clear needs.
type recordClearer interface {
	Clear(sessionID string) error
}

// Conversation serializes a session's message traffic. Concurrent
// SendMessage calls run one at a time, so every user message is paired
// with exactly one reply and the transcript interleaves cleanly.
type Conversation struct {
	mu        sync.Mutex
	saver     *session.Autosaver
	responder Responder
	logger    *slog.Logger
}

func NewConversation(saver *session.Autosaver, responder Responder, logger *slog.Logger) *Conversation {
	return &Conversation{
		saver:     saver,
		responder: responder,
		logger:    logger,
	}
}

// SendMessage records the user's message, asks the responder for a
// reply, and folds the reply's symptoms and triage level into the
// session. The user message is kept even when the responder fails.
func (c *Conversation) SendMessage(ctx context.Context, text string) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.saver.Update(func(rec *session.ConversationRecord) {
		rec.AddMessage(session.RoleUser, text)
	})

	reply, err := c.responder.Respond(ctx, text, c.saver.Snapshot())
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		c.logger.Warn("responder failed", slog.String("error", err.Error()))
		return Reply{}, fmt.Errorf("generating reply: %w", err)
	}

	c.saver.Update(func(rec *session.ConversationRecord) {
		rec.AddMessage(session.RoleAssistant, reply.Content, reply.ToolsUsed...)
		rec.AddSymptoms(reply.Symptoms...)
		if reply.Emergency {
			rec.Escalate(session.UrgencyEmergency)
		} else if reply.Urgency != "" {
			rec.Escalate(reply.Urgency)
		}
	})

	return reply, nil
}

// SwitchStage moves the session to a different task. Reports false when
// nothing changed.
func (c *Conversation) SwitchStage(to session.Stage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	c.saver.Update(func(rec *session.ConversationRecord) {
		changed = rec.SwitchStage(to)
	})
	if changed {
		c.logger.Info("stage switched", slog.String("stage", string(to)))
	}
	return changed
}

// Clear wipes the transcript and removes the cached record, keeping the
// session id.
func (c *Conversation) Clear(store recordClearer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.saver.Snapshot().SessionID
	c.saver.Update(func(rec *session.ConversationRecord) {
		rec.Reset()
	})
	if err := store.Clear(id); err != nil {
		return fmt.Errorf("clearing session %s: %w", id, err)
	}
	return nil
}

// NewSession abandons the current record for a fresh one and returns the
// new session id.
func (c *Conversation) NewSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := session.NewRecord("")
	c.saver.Replace(rec)
	c.logger.Info("new session", slog.String("session_id", rec.SessionID))
	return rec.SessionID
}
