package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/orbit/memory"
	"goa.design/orbit/session"
	"goa.design/orbit/session/inmem"
)

func TestInmemProviderRoundTrip(t *testing.T) {
	p := memory.NewInmemProvider()
	ctx := context.Background()

	state, err := p.Load(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, state)

	require.NoError(t, p.Save(ctx, "s1", map[string]any{"turn": 1}))
	state, err = p.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, state["turn"])

	// Loaded state is a copy.
	state["turn"] = 99
	again, err := p.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, again["turn"])
}

func TestCheckpointProvider(t *testing.T) {
	mgr, err := session.NewManager(inmem.New(), session.Config{})
	require.NoError(t, err)
	p, err := memory.NewCheckpointProvider(mgr)
	require.NoError(t, err)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, "u1", "chat", nil)
	require.NoError(t, err)

	state, err := p.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, state)

	require.NoError(t, p.Save(ctx, sess.ID, map[string]any{"turn": float64(1)}))
	require.NoError(t, p.Save(ctx, sess.ID, map[string]any{"turn": float64(2)}))

	state, err = p.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, float64(2), state["turn"])

	// Each save is a checkpoint, so history is preserved.
	infos, err := mgr.ListCheckpoints(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "memory", infos[0].Label)
}

func TestCheckpointProviderRequiresManager(t *testing.T) {
	_, err := memory.NewCheckpointProvider(nil)
	require.Error(t, err)
}
