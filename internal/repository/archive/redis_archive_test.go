package archive

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/events"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestArchive needs a live server; set REDIS_URL to run these tests.
func newTestArchive(t *testing.T) *RedisArchive {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	return NewRedisArchive(rdb, time.Minute, logger.NewNopLogger())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "dashtech:issue:abc", Key("abc"))
}

func TestHandleEventIgnoresOtherTypes(t *testing.T) {
	a := NewRedisArchive(nil, time.Minute, logger.NewNopLogger())
	assert.NoError(t, a.HandleEvent(context.Background(), events.NewEvent(events.TypeIssueCreated, nil)))
}

func TestHandleEventRequiresIssueID(t *testing.T) {
	a := NewRedisArchive(nil, time.Minute, logger.NewNopLogger())
	err := a.HandleEvent(context.Background(), events.NewEvent(events.TypeIssueClosed, map[string]interface{}{}))
	assert.Error(t, err)
}

func TestSaveLoadRecent(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, a.HandleEvent(ctx, events.NewEvent(events.TypeIssueClosed, map[string]interface{}{
		"issue_id": id,
		"snapshot": map[string]interface{}{"id": id, "phase": "resolved"},
	})))

	var got map[string]interface{}
	require.NoError(t, a.Load(ctx, id, &got))
	assert.Equal(t, "resolved", got["phase"])

	recent, err := a.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, recent, id)

	assert.ErrorIs(t, a.Load(ctx, uuid.NewString(), &got), ErrNotFound)
}
