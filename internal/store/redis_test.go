package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/orchestrator"
)

func newTestMirror(t *testing.T, size int) (*Mirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	m, err := NewMirror(context.Background(), client, "zat:history", size, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func TestMirrorTracksCurrentAttempt(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestMirror(t, 3)

	running := sampleRecord()
	running.Status = orchestrator.StatusRunning
	require.NoError(t, m.SaveRecord(ctx, running))

	cur, ok, err := m.Current(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, running.Seq, cur.Seq)
	assert.False(t, mr.Exists("zat:history"))

	require.NoError(t, m.SaveRecord(ctx, sampleRecord()))
	_, ok, err = m.Current(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	recent, err := m.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, sampleRecord().StartedAt.Equal(recent[0].StartedAt))
	assert.Equal(t, "S", recent[0].Rank)
}

func TestMirrorIsCapped(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestMirror(t, 3)

	for seq := uint64(1); seq <= 5; seq++ {
		r := sampleRecord()
		r.Seq = seq
		require.NoError(t, m.SaveRecord(ctx, r))
	}

	list, err := mr.List("zat:history")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	recent, err := m.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(5), recent[0].Seq)
	assert.Equal(t, uint64(4), recent[1].Seq)
}

func TestMirrorSkipsMalformedEntries(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestMirror(t, 5)

	require.NoError(t, m.SaveRecord(ctx, sampleRecord()))
	_, err := mr.Lpush("zat:history", "{not json")
	require.NoError(t, err)

	recent, err := m.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, uint64(7), recent[0].Seq)
}

func TestNewMirrorErrors(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err = NewMirror(context.Background(), client, "k", 0, zap.NewNop())
	assert.Error(t, err)

	mr.Close()
	_, err = NewMirror(context.Background(), client, "k", 5, zap.NewNop())
	assert.ErrorContains(t, err, "failed to ping redis")
}
