// Package session implements durable sessions and checkpoints on top of a
// pluggable key-value Store.
//
// A Session binds a user to an agent for a span of requests; Checkpoints are
// ordered snapshots of session payload that later requests can restore to
// resume prior context. The Manager owns the key layout, the index
// consistency, TTL expiry, and per-session mutual exclusion; Store
// implementations (inmem, redis, mongo) provide the raw keyed persistence.
//
// Persisted layout:
//
//	session:{sid}                 session record (JSON)
//	session:{sid}:checkpoints     ordered checkpoint id index (JSON array)
//	session:{sid}:checkpoint:{c}  checkpoint record (JSON)
//	session:{sid}:cpseq           monotonic checkpoint sequence counter
//	user:{uid}:sessions           session id index for the user (JSON array)
//	agent:{aid}:sessions          session id index for the agent (JSON array)
//
// Expiry policy: a session whose expiry has passed is treated as absent by
// reads (which delete it lazily) and reported as SESSION_EXPIRED by
// mutations. Reads of absent sessions return nil without error.
package session

import (
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateActive marks a session accepting requests.
	StateActive State = "ACTIVE"
	// StateIdle marks a session with no recent activity.
	StateIdle State = "IDLE"
	// StateArchived marks a session retained for reference only.
	StateArchived State = "ARCHIVED"
	// StateExpired marks a session past its TTL awaiting cleanup.
	StateExpired State = "EXPIRED"
)

// Valid reports whether s is one of the defined lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateIdle, StateArchived, StateExpired:
		return true
	}
	return false
}

type (
	// Session is a durable context binding a user to an agent. Instances
	// returned by the Manager are copies; mutating them does not affect the
	// stored record.
	Session struct {
		// ID is the opaque session identifier.
		ID string
		// UserID identifies the owning user.
		UserID string
		// AgentID identifies the agent bound to the session.
		AgentID string
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// LastActivity records the most recent mutation.
		LastActivity time.Time
		// ExpiresAt is the absolute expiry; the session is absent at and
		// after this instant.
		ExpiresAt time.Time
		// State is the lifecycle state.
		State State
		// Metadata stores caller-provided annotations.
		Metadata map[string]any
	}

	// Checkpoint is an ordered snapshot of session payload.
	Checkpoint struct {
		// ID is unique within the owning session and ordered by creation.
		ID string
		// SessionID identifies the owning session.
		SessionID string
		// CreatedAt records when the checkpoint was saved.
		CreatedAt time.Time
		// Label is an optional caller-provided tag.
		Label string
		// Payload is the opaque snapshot content.
		Payload map[string]any
	}

	// CheckpointInfo is the payload-free listing form of a checkpoint.
	CheckpointInfo struct {
		// ID is the checkpoint identifier.
		ID string
		// CreatedAt records when the checkpoint was saved.
		CreatedAt time.Time
		// Label is the optional caller-provided tag.
		Label string
	}

	// record is the persisted JSON form of a session.
	record struct {
		UserID       string         `json:"user_id"`
		AgentID      string         `json:"agent_id"`
		CreatedAt    time.Time      `json:"created_at"`
		LastActivity time.Time      `json:"last_activity"`
		ExpiresAt    time.Time      `json:"expires_at"`
		State        State          `json:"state"`
		Metadata     map[string]any `json:"metadata,omitempty"`
	}

	// checkpointRecord is the persisted JSON form of a checkpoint.
	checkpointRecord struct {
		CreatedAt time.Time      `json:"created_at"`
		Label     string         `json:"label,omitempty"`
		Payload   map[string]any `json:"payload"`
	}
)

// expired reports whether the record's expiry has passed at the given instant.
// The boundary itself counts as expired.
func (r *record) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *record) session(id string) *Session {
	md := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		md[k] = v
	}
	return &Session{
		ID:           id,
		UserID:       r.UserID,
		AgentID:      r.AgentID,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
		ExpiresAt:    r.ExpiresAt,
		State:        r.State,
		Metadata:     md,
	}
}
