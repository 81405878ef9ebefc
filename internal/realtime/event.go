// Package realtime manages push subscriptions to server-side change
// feeds: one logical topic per channel, with automatic retry and
// ordered delivery to per-topic callbacks.
package realtime

import (
	"encoding/json"
	"time"
)

// Topic names a server-side change feed.
type Topic string

const (
	TopicUserProfile    Topic = "user_profile"
	TopicMedicalRecords Topic = "medical_records"
)

// Topics lists every feed a client session subscribes to.
func Topics() []Topic {
	return []Topic{TopicUserProfile, TopicMedicalRecords}
}

// EventType is the kind of row change carried by a ChangeEvent.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is one row change received on a topic. New carries the
// post-image for inserts and updates; Old carries the pre-image for
// updates and deletes. Snapshots stay raw JSON so callers decode only
// the topics they understand.
type ChangeEvent struct {
	Topic     Topic
	Type      EventType
	New       json.RawMessage
	Old       json.RawMessage
	Timestamp time.Time
}

// ownerFilter builds the server-side row filter restricting a feed to
// one user's data.
func ownerFilter(ownerID string) string {
	return "owner_id=eq." + ownerID
}
