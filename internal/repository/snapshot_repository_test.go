package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

func redisForTest(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestSnapshotRepository_KeepsNewest(t *testing.T) {
	rdb, mr := redisForTest(t)
	ctx := context.Background()
	repo := NewSnapshotRepository(rdb, "student-9", time.Minute)

	got, err := repo.Get(ctx, "77")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.Put(ctx, "77", &model.Progress{Sequence: 3, FlaggedQuestions: []int{1}, Answers: model.AnswerSet{}}))
	require.NoError(t, repo.Put(ctx, "77", &model.Progress{Sequence: 2, FlaggedQuestions: []int{0}, Answers: model.AnswerSet{}}))

	got, err = repo.Get(ctx, "77")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(3), got.Sequence)
	assert.Equal(t, []int{1}, got.FlaggedQuestions)

	key := config.CacheKey.StudentSnapshotKey("77", "student-9")
	assert.Equal(t, time.Minute, mr.TTL(key))

	require.NoError(t, repo.Delete(ctx, "77"))
	got, err = repo.Get(ctx, "77")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotRepository_ZeroSequenceOverwrites(t *testing.T) {
	rdb, mr := redisForTest(t)
	ctx := context.Background()
	repo := NewSnapshotRepository(rdb, "student-9", 0)

	require.NoError(t, repo.Put(ctx, "77", &model.Progress{Sequence: 5, Answers: model.AnswerSet{}}))
	require.NoError(t, repo.Put(ctx, "77", &model.Progress{Sequence: 0, FlaggedQuestions: []int{2}, Answers: model.AnswerSet{}}))

	got, err := repo.Get(ctx, "77")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []int{2}, got.FlaggedQuestions)
	assert.Zero(t, mr.TTL(config.CacheKey.StudentSnapshotKey("77", "student-9")))
}
