package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror keeps a fast cross-process view of checkpoint progress and
// process liveness. It is not the durable store: the gorm store stays
// authoritative, the mirror only lets a sibling process (or a restarted one)
// answer "is the run that owns these rows still alive" without touching the
// database heartbeat column.
type RedisMirror struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// RedisMirrorConfig configures the mirror.
type RedisMirrorConfig struct {
	Addr      string        `yaml:"addr" json:"addr"`
	Password  string        `yaml:"password" json:"-"`
	DB        int           `yaml:"db" json:"db"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
}

// NewRedisMirror connects to redis and returns a mirror.
func NewRedisMirror(cfg RedisMirrorConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentrun:"
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}

	return &RedisMirror{client: client, keyPrefix: prefix, ttl: ttl}, nil
}

// NewRedisMirrorWithClient wraps an existing client; used by tests.
func NewRedisMirrorWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisMirror {
	if keyPrefix == "" {
		keyPrefix = "agentrun:"
	}
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &RedisMirror{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Close closes the underlying client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) heartbeatKey(epoch string) string {
	return m.keyPrefix + "heartbeat:" + epoch
}

func (m *RedisMirror) checkpointKey(runID string) string {
	return m.keyPrefix + "checkpoint:" + runID
}

// Heartbeat refreshes the liveness key for a process epoch. Callers run this
// on a ticker while any run is active; the key expires on its own after the
// TTL so a crashed process needs no cleanup.
func (m *RedisMirror) Heartbeat(ctx context.Context, epoch string) error {
	return m.client.Set(ctx, m.heartbeatKey(epoch), time.Now().UnixMilli(), m.ttl).Err()
}

// Alive reports whether a process epoch still holds a live heartbeat.
func (m *RedisMirror) Alive(ctx context.Context, epoch string) (bool, error) {
	n, err := m.client.Exists(ctx, m.heartbeatKey(epoch)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MirrorCheckpoint records a segment's terminal status in the run's hash.
func (m *RedisMirror) MirrorCheckpoint(ctx context.Context, runID string, cp SegmentCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	pipe := m.client.Pipeline()
	pipe.HSet(ctx, m.checkpointKey(runID), cp.SourceSegmentID, data)
	pipe.Expire(ctx, m.checkpointKey(runID), m.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// MirroredCheckpoints returns the mirrored rows for a run, keyed by segment.
func (m *RedisMirror) MirroredCheckpoints(ctx context.Context, runID string) (map[string]SegmentCheckpoint, error) {
	raw, err := m.client.HGetAll(ctx, m.checkpointKey(runID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]SegmentCheckpoint, len(raw))
	for segID, data := range raw {
		var cp SegmentCheckpoint
		if err := json.Unmarshal([]byte(data), &cp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", segID, err)
		}
		out[segID] = cp
	}
	return out, nil
}

// DropRun removes the mirrored rows for a finished run.
func (m *RedisMirror) DropRun(ctx context.Context, runID string) error {
	return m.client.Del(ctx, m.checkpointKey(runID)).Err()
}
