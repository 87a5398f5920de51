package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisMirrorWithClient(client, "test:", time.Minute), mr
}

func TestRedisMirror_Heartbeat(t *testing.T) {
	m, mr := testMirror(t)
	ctx := context.Background()

	alive, err := m.Alive(ctx, "epoch-1")
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, m.Heartbeat(ctx, "epoch-1"))

	alive, err = m.Alive(ctx, "epoch-1")
	require.NoError(t, err)
	assert.True(t, alive)

	// A crashed process stops refreshing; the key expires on its own.
	mr.FastForward(2 * time.Minute)

	alive, err = m.Alive(ctx, "epoch-1")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestRedisMirror_CheckpointRoundTrip(t *testing.T) {
	m, _ := testMirror(t)
	ctx := context.Background()

	cp := SegmentCheckpoint{
		RunID:           "run-1",
		SourceSegmentID: "s1",
		TranslatedText:  "bonjour",
		Status:          string(SegmentSucceeded),
	}
	require.NoError(t, m.MirrorCheckpoint(ctx, "run-1", cp))
	require.NoError(t, m.MirrorCheckpoint(ctx, "run-1", SegmentCheckpoint{
		RunID:           "run-1",
		SourceSegmentID: "s2",
		Status:          string(SegmentFailed),
	}))

	rows, err := m.MirroredCheckpoints(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "bonjour", rows["s1"].TranslatedText)
	assert.Equal(t, string(SegmentFailed), rows["s2"].Status)

	require.NoError(t, m.DropRun(ctx, "run-1"))
	rows, err = m.MirroredCheckpoints(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
