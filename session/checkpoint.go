package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/orbit/agent"
	"goa.design/orbit/hooks"
)

// SaveCheckpoint snapshots payload under a new checkpoint id and returns it.
// Checkpoint ids are monotonic within a session; checkpoints inherit the
// session's remaining TTL so they never outlive it.
func (m *Manager) SaveCheckpoint(ctx context.Context, sid string, payload map[string]any, label string) (string, error) {
	unlock := m.lock(sid)
	defer unlock()

	rec, err := m.liveRecord(ctx, sid)
	if err != nil {
		return "", err
	}
	remaining := time.Until(rec.ExpiresAt)
	if remaining <= 0 {
		remaining = time.Millisecond
	}

	seq, err := m.store.Incr(ctx, checkpointSeqKey(sid), 1)
	if err != nil {
		return "", agent.WrapError(agent.StoreError, err, "allocate checkpoint id for %s", sid)
	}
	cid := fmt.Sprintf("cp-%06d", seq)

	now := time.Now().UTC()
	pl := make(map[string]any, len(payload))
	for k, v := range payload {
		pl[k] = v
	}
	raw, err := json.Marshal(&checkpointRecord{CreatedAt: now, Label: label, Payload: pl})
	if err != nil {
		return "", agent.WrapError(agent.InternalError, err, "encode checkpoint %s", cid)
	}
	cids, err := m.readIndex(ctx, checkpointIndexKey(sid))
	if err != nil {
		return "", err
	}
	idx, err := json.Marshal(append(cids, cid))
	if err != nil {
		return "", agent.WrapError(agent.InternalError, err, "encode checkpoint index for %s", sid)
	}
	rec.LastActivity = now
	recOp, err := m.recordOp(sid, rec)
	if err != nil {
		return "", err
	}

	// The checkpoint record, its index entry, and the session's activity
	// refresh commit together.
	ops := []Op{
		PutOp(checkpointKey(sid, cid), raw, remaining),
		PutOp(checkpointIndexKey(sid), idx, remaining),
		recOp,
	}
	if err := m.apply(ctx, ops...); err != nil {
		return "", err
	}
	m.store.Expire(ctx, checkpointSeqKey(sid), remaining) // nolint: errcheck

	m.count("checkpoints_saved_total", rec.AgentID)
	m.publish(ctx, hooks.Event{
		Type:      hooks.TypeCheckpointSaved,
		AgentID:   rec.AgentID,
		UserID:    rec.UserID,
		SessionID: sid,
		Metadata:  map[string]any{"checkpoint_id": cid},
	})
	return cid, nil
}

// GetCheckpoint returns the checkpoint, or nil when the session or the
// checkpoint is absent. A successful load publishes CHECKPOINT_RESTORED.
func (m *Manager) GetCheckpoint(ctx context.Context, sid, cid string) (*Checkpoint, error) {
	sess, err := m.GetSession(ctx, sid)
	if err != nil || sess == nil {
		return nil, err
	}
	cp, err := m.loadCheckpoint(ctx, sid, cid)
	if err != nil || cp == nil {
		return nil, err
	}
	m.publish(ctx, hooks.Event{
		Type:      hooks.TypeCheckpointRestored,
		AgentID:   sess.AgentID,
		UserID:    sess.UserID,
		SessionID: sid,
		Metadata:  map[string]any{"checkpoint_id": cid},
	})
	return cp, nil
}

// LatestCheckpoint returns the most recently saved checkpoint, or nil when
// the session has none.
func (m *Manager) LatestCheckpoint(ctx context.Context, sid string) (*Checkpoint, error) {
	sess, err := m.GetSession(ctx, sid)
	if err != nil || sess == nil {
		return nil, err
	}
	cids, err := m.readIndex(ctx, checkpointIndexKey(sid))
	if err != nil || len(cids) == 0 {
		return nil, err
	}
	cp, err := m.loadCheckpoint(ctx, sid, cids[len(cids)-1])
	if err != nil || cp == nil {
		return nil, err
	}
	m.publish(ctx, hooks.Event{
		Type:      hooks.TypeCheckpointRestored,
		AgentID:   sess.AgentID,
		UserID:    sess.UserID,
		SessionID: sid,
		Metadata:  map[string]any{"checkpoint_id": cp.ID},
	})
	return cp, nil
}

// ListCheckpoints returns payload-free descriptors of the session's
// checkpoints in creation order. Absent sessions yield an empty list.
func (m *Manager) ListCheckpoints(ctx context.Context, sid string) ([]CheckpointInfo, error) {
	sess, err := m.GetSession(ctx, sid)
	if err != nil || sess == nil {
		return nil, err
	}
	cids, err := m.readIndex(ctx, checkpointIndexKey(sid))
	if err != nil {
		return nil, err
	}
	infos := make([]CheckpointInfo, 0, len(cids))
	for _, cid := range cids {
		cp, err := m.loadCheckpoint(ctx, sid, cid)
		if err != nil {
			return nil, err
		}
		if cp == nil {
			continue
		}
		infos = append(infos, CheckpointInfo{ID: cp.ID, CreatedAt: cp.CreatedAt, Label: cp.Label})
	}
	return infos, nil
}

// DeleteCheckpoint removes one checkpoint. It reports whether a checkpoint
// was removed.
func (m *Manager) DeleteCheckpoint(ctx context.Context, sid, cid string) (bool, error) {
	unlock := m.lock(sid)
	defer unlock()

	exists, err := m.store.Exists(ctx, checkpointKey(sid, cid))
	if err != nil {
		return false, agent.WrapError(agent.StoreError, err, "delete checkpoint %s", cid)
	}
	if !exists {
		return false, nil
	}
	idxOp, err := m.removeIndexOp(ctx, checkpointIndexKey(sid), cid)
	if err != nil {
		return false, err
	}
	if err := m.apply(ctx, DelOp(checkpointKey(sid, cid)), idxOp); err != nil {
		return false, err
	}
	return true, nil
}

// ClearCheckpoints removes every checkpoint of the session and returns the
// number removed. The sequence counter is retained so later checkpoint ids
// stay monotonic.
func (m *Manager) ClearCheckpoints(ctx context.Context, sid string) (int, error) {
	unlock := m.lock(sid)
	defer unlock()

	cids, err := m.readIndex(ctx, checkpointIndexKey(sid))
	if err != nil {
		return 0, err
	}
	removed := 0
	ops := make([]Op, 0, len(cids)+1)
	for _, cid := range cids {
		ok, err := m.store.Exists(ctx, checkpointKey(sid, cid))
		if err != nil {
			return 0, agent.WrapError(agent.StoreError, err, "delete checkpoint %s", cid)
		}
		if ok {
			removed++
		}
		ops = append(ops, DelOp(checkpointKey(sid, cid)))
	}
	ops = append(ops, DelOp(checkpointIndexKey(sid)))
	if err := m.apply(ctx, ops...); err != nil {
		return 0, err
	}
	return removed, nil
}

func (m *Manager) loadCheckpoint(ctx context.Context, sid, cid string) (*Checkpoint, error) {
	raw, err := m.store.Get(ctx, checkpointKey(sid, cid))
	if err == ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, agent.WrapError(agent.StoreError, err, "load checkpoint %s", cid)
	}
	var rec checkpointRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, agent.WrapError(agent.StoreError, err, "decode checkpoint %s", cid)
	}
	return &Checkpoint{
		ID:        cid,
		SessionID: sid,
		CreatedAt: rec.CreatedAt,
		Label:     rec.Label,
		Payload:   rec.Payload,
	}, nil
}
