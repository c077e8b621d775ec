package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

// SnapshotRepository journals the latest attempted progress snapshot of a
// student in Redis so a restarted client can recover edits the backend
// never acknowledged.
type SnapshotRepository struct {
	rdb       *redis.Client
	studentID string
	ttl       time.Duration
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(rdb *redis.Client, studentID string, ttl time.Duration) *SnapshotRepository {
	return &SnapshotRepository{rdb: rdb, studentID: studentID, ttl: ttl}
}

// Put stores p unless a snapshot with a higher sequence is already there.
func (r *SnapshotRepository) Put(ctx context.Context, assessmentID model.ID, p *model.Progress) error {
	key := config.CacheKey.StudentSnapshotKey(assessmentID.String(), r.studentID)

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := putIfNewer.Run(ctx, r.rdb, []string{key}, p.Sequence, data, r.ttl.Milliseconds()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Get returns the journaled snapshot, or nil when there is none.
func (r *SnapshotRepository) Get(ctx context.Context, assessmentID model.ID) (*model.Progress, error) {
	key := config.CacheKey.StudentSnapshotKey(assessmentID.String(), r.studentID)

	data, err := r.rdb.HGet(ctx, key, "body").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var p model.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &p, nil
}

// Delete drops the journal, typically after a successful submit.
func (r *SnapshotRepository) Delete(ctx context.Context, assessmentID model.ID) error {
	key := config.CacheKey.StudentSnapshotKey(assessmentID.String(), r.studentID)
	return r.rdb.Del(ctx, key).Err()
}

// putIfNewer keeps the hash {seq, body} at the highest sequence seen.
// ARGV: sequence, body, ttl in milliseconds (0 keeps no expiry).
var putIfNewer = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "seq") or "0")
local seq = tonumber(ARGV[1])
if seq ~= 0 and seq < current then
	return 0
end
redis.call("HSET", KEYS[1], "seq", ARGV[1], "body", ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)
