package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"goa.design/orbit/agent"
	"goa.design/orbit/hooks"
	"goa.design/orbit/metrics"
	"goa.design/orbit/telemetry"
)

// Default manager bounds applied by NewManager.
const (
	DefaultTTL             = time.Hour
	DefaultMaxSessions     = 10000
	DefaultCleanupInterval = 5 * time.Minute
)

const lockStripes = 64

type (
	// Config configures a Manager. Zero values take the documented defaults;
	// Bus and Collector are optional and nil disables event publication and
	// metrics respectively.
	Config struct {
		// TTL is the session lifetime granted at creation and refresh.
		TTL time.Duration
		// MaxSessions is the global cap on live sessions.
		MaxSessions int
		// CleanupInterval is the period between RunCleanup sweeps.
		CleanupInterval time.Duration
		// Bus receives session lifecycle events when set.
		Bus *hooks.Bus
		// Collector records session metrics when set.
		Collector *metrics.Collector
		// Logger receives non-fatal warnings. Defaults to noop.
		Logger telemetry.Logger
	}

	// Manager owns sessions and checkpoints. All mutations of one session are
	// serialized through a striped per-session lock; reads are lock-free and
	// see the last committed record. Construct with NewManager.
	Manager struct {
		store Store
		cfg   Config
		locks [lockStripes]sync.Mutex
	}

	// Patch describes a partial session update. Nil fields are left unchanged;
	// Metadata entries are shallow-merged into the existing metadata.
	Patch struct {
		// State replaces the lifecycle state when non-nil.
		State *State
		// Metadata entries are merged into the session metadata.
		Metadata map[string]any
	}
)

// NewManager constructs a Manager on top of the given store.
func NewManager(store Store, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return &Manager{store: store, cfg: cfg}, nil
}

// CreateSession creates a session owned by userID and bound to agentID with
// the configured TTL. It fails with QUOTA_EXCEEDED when the global session
// cap is reached.
func (m *Manager) CreateSession(ctx context.Context, userID, agentID string, metadata map[string]any) (*Session, error) {
	if userID == "" {
		return nil, agent.NewError(agent.ValidationError, "user id is required")
	}
	if agentID == "" {
		return nil, agent.NewError(agent.ValidationError, "agent id is required")
	}

	count, err := m.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count >= m.cfg.MaxSessions {
		return nil, agent.NewError(agent.QuotaExceeded, "session limit %d reached", m.cfg.MaxSessions)
	}

	sid, err := newSessionID()
	if err != nil {
		return nil, agent.WrapError(agent.InternalError, err, "generate session id")
	}
	now := time.Now().UTC()
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	rec := &record{
		UserID:       userID,
		AgentID:      agentID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.cfg.TTL),
		State:        StateActive,
		Metadata:     md,
	}

	unlock := m.lock(sid)
	defer unlock()

	recOp, err := m.recordOp(sid, rec)
	if err != nil {
		return nil, err
	}
	userOp, err := m.appendIndexOp(ctx, userIndexKey(userID), sid)
	if err != nil {
		return nil, err
	}
	agentOp, err := m.appendIndexOp(ctx, agentIndexKey(agentID), sid)
	if err != nil {
		return nil, err
	}
	if err := m.apply(ctx, recOp, userOp, agentOp); err != nil {
		return nil, err
	}

	m.count("sessions_created_total", agentID)
	m.publish(ctx, hooks.Event{
		Type:      hooks.TypeSessionCreated,
		AgentID:   agentID,
		UserID:    userID,
		SessionID: sid,
	})
	return rec.session(sid), nil
}

// GetSession returns the session with the given id, or nil when it is absent
// or expired. Expired sessions are deleted lazily.
func (m *Manager) GetSession(ctx context.Context, sid string) (*Session, error) {
	rec, err := m.loadRecord(ctx, sid)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.expired(time.Now().UTC()) {
		unlock := m.lock(sid)
		m.purge(ctx, sid, rec, hooks.TypeSessionExpired)
		unlock()
		return nil, nil
	}
	return rec.session(sid), nil
}

// UpdateSession applies the patch to the session, refreshing its last
// activity but leaving the TTL unchanged. Absent sessions fail with
// SESSION_NOT_FOUND; sessions that expired since the caller last saw them
// fail with SESSION_EXPIRED.
func (m *Manager) UpdateSession(ctx context.Context, sid string, patch Patch) error {
	if patch.State != nil && !patch.State.Valid() {
		return agent.NewError(agent.ValidationError, "invalid session state %q", *patch.State)
	}
	unlock := m.lock(sid)
	defer unlock()

	rec, err := m.liveRecord(ctx, sid)
	if err != nil {
		return err
	}
	if patch.State != nil {
		rec.State = *patch.State
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, len(patch.Metadata))
	}
	for k, v := range patch.Metadata {
		rec.Metadata[k] = v
	}
	rec.LastActivity = time.Now().UTC()
	return m.putRecord(ctx, sid, rec)
}

// UpdateSessionMetadata shallow-merges metadata into the session.
func (m *Manager) UpdateSessionMetadata(ctx context.Context, sid string, metadata map[string]any) error {
	return m.UpdateSession(ctx, sid, Patch{Metadata: metadata})
}

// SetSessionState replaces the session lifecycle state.
func (m *Manager) SetSessionState(ctx context.Context, sid string, state State) error {
	return m.UpdateSession(ctx, sid, Patch{State: &state})
}

// GetSessionState returns the session state, or the empty state when the
// session is absent or expired.
func (m *Manager) GetSessionState(ctx context.Context, sid string) (State, error) {
	sess, err := m.GetSession(ctx, sid)
	if err != nil || sess == nil {
		return "", err
	}
	return sess.State, nil
}

// RefreshSession extends the session expiry to now plus the configured TTL.
func (m *Manager) RefreshSession(ctx context.Context, sid string) error {
	unlock := m.lock(sid)
	defer unlock()

	rec, err := m.liveRecord(ctx, sid)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.LastActivity = now
	rec.ExpiresAt = now.Add(m.cfg.TTL)
	return m.putRecord(ctx, sid, rec)
}

// DeleteSession removes the session, all its checkpoints, and its index
// entries. It reports whether a session was deleted.
func (m *Manager) DeleteSession(ctx context.Context, sid string) (bool, error) {
	unlock := m.lock(sid)
	defer unlock()

	rec, err := m.loadRecord(ctx, sid)
	if err != nil || rec == nil {
		return false, err
	}
	m.purge(ctx, sid, rec, hooks.TypeSessionDeleted)
	return true, nil
}

// SessionsByUser returns the live sessions owned by userID, filtered to the
// given states when any are provided.
func (m *Manager) SessionsByUser(ctx context.Context, userID string, states ...State) ([]*Session, error) {
	sids, err := m.readIndex(ctx, userIndexKey(userID))
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(sids))
	for _, sid := range sids {
		sess, err := m.GetSession(ctx, sid)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			continue
		}
		if len(states) > 0 && !containsState(states, sess.State) {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// DeleteUserSessions deletes every session owned by userID and returns the
// number deleted.
func (m *Manager) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	return m.deleteByIndex(ctx, userIndexKey(userID))
}

// DeleteAgentSessions deletes every session bound to agentID and returns the
// number deleted.
func (m *Manager) DeleteAgentSessions(ctx context.Context, agentID string) (int, error) {
	return m.deleteByIndex(ctx, agentIndexKey(agentID))
}

// CleanupExpired sweeps the session keyspace and deletes sessions whose
// expiry has passed. It is idempotent and safe to interleave with live
// operations; the count of deleted sessions is returned.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, "session:*")
	if err != nil {
		return 0, agent.WrapError(agent.StoreError, err, "list sessions")
	}
	now := time.Now().UTC()
	removed := 0
	for _, key := range keys {
		sid, ok := primarySessionID(key)
		if !ok {
			continue
		}
		rec, err := m.loadRecord(ctx, sid)
		if err != nil || rec == nil {
			continue
		}
		if !rec.expired(now) {
			continue
		}
		unlock := m.lock(sid)
		// Re-check under the lock: a concurrent refresh may have extended it.
		if cur, err := m.loadRecord(ctx, sid); err == nil && cur != nil && cur.expired(time.Now().UTC()) {
			m.purge(ctx, sid, cur, hooks.TypeSessionExpired)
			removed++
		}
		unlock()
	}
	return removed, nil
}

// RunCleanup sweeps expired sessions at the configured interval until the
// context is canceled. Intended to run in a dedicated goroutine.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.CleanupExpired(ctx); err != nil {
				m.cfg.Logger.Warn(ctx, "session cleanup failed", "err", err.Error())
			} else if n > 0 {
				m.cfg.Logger.Debug(ctx, "session cleanup", "removed", n)
			}
		}
	}
}

// Count returns the number of live session records. Records past their
// logical expiry awaiting the sweep are not counted.
func (m *Manager) Count(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, "session:*")
	if err != nil {
		return 0, agent.WrapError(agent.StoreError, err, "list sessions")
	}
	now := time.Now().UTC()
	n := 0
	for _, key := range keys {
		sid, ok := primarySessionID(key)
		if !ok {
			continue
		}
		rec, err := m.loadRecord(ctx, sid)
		if err != nil || rec == nil || rec.expired(now) {
			continue
		}
		n++
	}
	return n, nil
}

// lock acquires the stripe lock for sid and returns its release function.
func (m *Manager) lock(sid string) func() {
	h := fnv.New32a()
	h.Write([]byte(sid)) // nolint: errcheck
	mu := &m.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// loadRecord fetches and decodes the session record, returning nil when the
// key is absent. Expiry is not interpreted here.
func (m *Manager) loadRecord(ctx context.Context, sid string) (*record, error) {
	raw, err := m.store.Get(ctx, sessionKey(sid))
	if err == ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, agent.WrapError(agent.StoreError, err, "load session %s", sid)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, agent.WrapError(agent.StoreError, err, "decode session %s", sid)
	}
	return &rec, nil
}

// liveRecord fetches the record for a mutation, mapping absence to
// SESSION_NOT_FOUND and TTL races to SESSION_EXPIRED. Callers hold the
// session lock.
func (m *Manager) liveRecord(ctx context.Context, sid string) (*record, error) {
	rec, err := m.loadRecord(ctx, sid)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, agent.NewError(agent.SessionNotFound, "session %s not found", sid)
	}
	if rec.expired(time.Now().UTC()) {
		m.purge(ctx, sid, rec, hooks.TypeSessionExpired)
		return nil, agent.NewError(agent.SessionExpired, "session %s expired", sid)
	}
	return rec, nil
}

// recordOp encodes the record as an Apply write. The store-level TTL outlives
// the logical expiry by one cleanup interval: expiry is interpreted from the
// record's ExpiresAt, so mutations racing a TTL lapse observe SESSION_EXPIRED
// and the sweep can publish lifecycle events. The store TTL is only a backstop
// that reclaims records when no sweeper runs.
func (m *Manager) recordOp(sid string, rec *record) (Op, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return Op{}, agent.WrapError(agent.InternalError, err, "encode session %s", sid)
	}
	ttl := time.Until(rec.ExpiresAt) + m.cfg.CleanupInterval
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return PutOp(sessionKey(sid), raw, ttl), nil
}

// putRecord persists the record on its own. Multi-key mutations batch the
// record write with their index updates through apply instead.
func (m *Manager) putRecord(ctx context.Context, sid string, rec *record) error {
	op, err := m.recordOp(sid, rec)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, op.Key, op.Value, op.TTL); err != nil {
		return agent.WrapError(agent.StoreError, err, "store session %s", sid)
	}
	return nil
}

// apply commits a multi-key mutation through the store's batch path.
func (m *Manager) apply(ctx context.Context, ops ...Op) error {
	if err := m.store.Apply(ctx, ops); err != nil {
		return agent.WrapError(agent.StoreError, err, "apply session batch")
	}
	return nil
}

// purge removes the session record, its checkpoints, and its index entries as
// one batch, then publishes the given lifecycle event. Callers hold the
// session lock.
func (m *Manager) purge(ctx context.Context, sid string, rec *record, evt hooks.EventType) {
	cids, _ := m.readIndex(ctx, checkpointIndexKey(sid))
	ops := make([]Op, 0, len(cids)+5)
	ops = append(ops, DelOp(sessionKey(sid)))
	for _, cid := range cids {
		ops = append(ops, DelOp(checkpointKey(sid, cid)))
	}
	ops = append(ops, DelOp(checkpointIndexKey(sid)), DelOp(checkpointSeqKey(sid)))
	for _, key := range []string{userIndexKey(rec.UserID), agentIndexKey(rec.AgentID)} {
		op, err := m.removeIndexOp(ctx, key, sid)
		if err != nil {
			m.cfg.Logger.Warn(ctx, "index update failed", "index", key, "err", err.Error())
			continue
		}
		ops = append(ops, op)
	}
	if err := m.apply(ctx, ops...); err != nil {
		m.cfg.Logger.Warn(ctx, "session purge failed", "session_id", sid, "err", err.Error())
		return
	}

	switch evt {
	case hooks.TypeSessionExpired:
		m.count("sessions_expired_total", rec.AgentID)
	case hooks.TypeSessionDeleted:
		m.count("sessions_deleted_total", rec.AgentID)
	}
	m.publish(ctx, hooks.Event{
		Type:      evt,
		AgentID:   rec.AgentID,
		UserID:    rec.UserID,
		SessionID: sid,
	})
}

func (m *Manager) deleteByIndex(ctx context.Context, indexKey string) (int, error) {
	sids, err := m.readIndex(ctx, indexKey)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, sid := range sids {
		ok, err := m.DeleteSession(ctx, sid)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

func (m *Manager) readIndex(ctx context.Context, key string) ([]string, error) {
	raw, err := m.store.Get(ctx, key)
	if err == ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, agent.WrapError(agent.StoreError, err, "load index %s", key)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, agent.WrapError(agent.StoreError, err, "decode index %s", key)
	}
	return ids, nil
}

// indexOp encodes an index write, deleting the key when the index is empty.
func indexOp(key string, ids []string) (Op, error) {
	if len(ids) == 0 {
		return DelOp(key), nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return Op{}, agent.WrapError(agent.InternalError, err, "encode index %s", key)
	}
	return PutOp(key, raw, 0), nil
}

// appendIndexOp builds the write that adds id to the index. Appending an id
// already present leaves the index unchanged.
func (m *Manager) appendIndexOp(ctx context.Context, key, id string) (Op, error) {
	ids, err := m.readIndex(ctx, key)
	if err != nil {
		return Op{}, err
	}
	for _, existing := range ids {
		if existing == id {
			return indexOp(key, ids)
		}
	}
	return indexOp(key, append(ids, id))
}

// removeIndexOp builds the write that drops id from the index.
func (m *Manager) removeIndexOp(ctx context.Context, key, id string) (Op, error) {
	ids, err := m.readIndex(ctx, key)
	if err != nil {
		return Op{}, err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	return indexOp(key, kept)
}

func (m *Manager) publish(ctx context.Context, evt hooks.Event) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(ctx, evt)
	}
}

func (m *Manager) count(name, agentID string) {
	if m.cfg.Collector != nil {
		m.cfg.Collector.IncCounter(name, metrics.Labels{"agent": agentID}, 1)
	}
}

func sessionKey(sid string) string { return "session:" + sid }

func checkpointIndexKey(sid string) string { return "session:" + sid + ":checkpoints" }

func checkpointSeqKey(sid string) string { return "session:" + sid + ":cpseq" }

func checkpointKey(sid, cid string) string { return "session:" + sid + ":checkpoint:" + cid }

func userIndexKey(uid string) string { return "user:" + uid + ":sessions" }

func agentIndexKey(aid string) string { return "agent:" + aid + ":sessions" }

// primarySessionID extracts the session id from a primary record key,
// rejecting checkpoint and index keys that share the prefix.
func primarySessionID(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "session:")
	if !ok || rest == "" || strings.Contains(rest, ":") {
		return "", false
	}
	return rest, true
}

// newSessionID returns a URL-safe identifier carrying 144 bits of
// cryptographic entropy, prefixed for debuggability.
func newSessionID() (string, error) {
	var buf [18]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "sess-" + base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
