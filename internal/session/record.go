// Package session holds the durable conversation state of the medical
// assistant client: the transcript record itself, an encrypted bbolt
// cache, and an autosaver that keeps the two in step.
package session

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Stage is the task the assistant is currently working on.
type Stage string

const (
	StageSymptomAnalysis Stage = "symptom_analysis"
	StageDoctorMatching  Stage = "doctor_matching"
	StageHealthQA        Stage = "health_qa"
	StageMedicationInfo  Stage = "medication_info"
)

// Urgency is the triage level of the conversation. It only ever moves
// upward within one session.
type Urgency string

const (
	UrgencyRoutine   Urgency = "routine"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

// rank orders urgencies for escalation. Unknown values rank lowest.
func (u Urgency) rank() int {
	switch u {
	case UrgencyUrgent:
		return 1
	case UrgencyEmergency:
		return 2
	default:
		return 0
	}
}

// ChatMessage is one transcript entry.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ToolsUsed []string  `json:"tools_used,omitempty"`
}

// StageSwitch records one task change within a session.
type StageSwitch struct {
	From Stage     `json:"from"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
}

// ConversationRecord is the complete state of one assistant session.
// CurrentSymptoms is kept normalized, sorted, and free of duplicates;
// LastActivity never moves backwards.
type ConversationRecord struct {
	SessionID       string            `json:"session_id"`
	Stage           Stage             `json:"stage"`
	Urgency         Urgency           `json:"urgency"`
	Messages        []ChatMessage     `json:"messages"`
	CurrentSymptoms []string          `json:"current_symptoms,omitempty"`
	StageSwitches   []StageSwitch     `json:"stage_switches,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActivity    time.Time         `json:"last_activity"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewRecord creates an empty record. An empty sessionID gets a fresh
// UUID.
func NewRecord(sessionID string) *ConversationRecord {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := time.Now().UTC()
	return &ConversationRecord{
		SessionID:    sessionID,
		Stage:        StageSymptomAnalysis,
		Urgency:      UrgencyRoutine,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     map[string]string{},
	}
}

// AddMessage appends a transcript entry and touches the activity clock.
func (r *ConversationRecord) AddMessage(role Role, content string, toolsUsed ...string) {
	r.Messages = append(r.Messages, ChatMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		ToolsUsed: toolsUsed,
	})
	r.touch()
}

// AddSymptoms merges symptoms into the current set and reports how many
// were new. Entries are normalized first; empty and duplicate entries
// are dropped.
func (r *ConversationRecord) AddSymptoms(symptoms ...string) int {
	added := 0
	for _, s := range symptoms {
		s = NormalizeSymptom(s)
		if s == "" {
			continue
		}
		i, found := slices.BinarySearch(r.CurrentSymptoms, s)
		if found {
			continue
		}
		r.CurrentSymptoms = slices.Insert(r.CurrentSymptoms, i, s)
		added++
	}
	if added > 0 {
		r.touch()
	}
	return added
}

// SwitchStage moves the session to a new task, recording the switch.
// Reports false when the session is already on that stage.
func (r *ConversationRecord) SwitchStage(to Stage) bool {
	if to == r.Stage {
		return false
	}
	r.StageSwitches = append(r.StageSwitches, StageSwitch{
		From: r.Stage,
		To:   to,
		At:   time.Now().UTC(),
	})
	r.Stage = to
	r.touch()
	return true
}

// Escalate raises the urgency to u. Downgrades are ignored; triage
// level never drops within a session.
func (r *ConversationRecord) Escalate(u Urgency) bool {
	if u.rank() <= r.Urgency.rank() {
		return false
	}
	r.Urgency = u
	r.touch()
	return true
}

// Expired reports whether the session has been idle longer than timeout.
func (r *ConversationRecord) Expired(timeout time.Duration) bool {
	return time.Since(r.LastActivity) > timeout
}

// Reset clears the transcript while keeping the session id.
func (r *ConversationRecord) Reset() {
	r.Messages = nil
	r.CurrentSymptoms = nil
	r.StageSwitches = nil
	r.Stage = StageSymptomAnalysis
	r.Urgency = UrgencyRoutine
	r.Metadata = map[string]string{}
	r.touch()
}

// Clone returns a deep copy safe to use from another goroutine.
func (r *ConversationRecord) Clone() *ConversationRecord {
	cp := *r
	cp.Messages = slices.Clone(r.Messages)
	cp.CurrentSymptoms = slices.Clone(r.CurrentSymptoms)
	cp.StageSwitches = slices.Clone(r.StageSwitches)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (r *ConversationRecord) touch() {
	now := time.Now().UTC()
	if now.After(r.LastActivity) {
		r.LastActivity = now
	}
}

// NormalizeSymptom canonicalizes a symptom label: NFKC-normalised,
// lowercased, with surrounding whitespace trimmed.
func NormalizeSymptom(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}
