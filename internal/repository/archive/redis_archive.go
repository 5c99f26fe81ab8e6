// Package archive keeps snapshots of closed issues for later review.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/events"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "dashtech:issue:"
	indexKey  = "dashtech:issues"
)

var ErrNotFound = errors.New("archive: issue not found")

// Key returns the redis key holding an issue snapshot.
func Key(issueID string) string {
	return keyPrefix + issueID
}

type RedisArchive struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger logger.ILogger
}

func NewRedisArchive(rdb *redis.Client, ttl time.Duration, log logger.ILogger) *RedisArchive {
	return &RedisArchive{rdb: rdb, ttl: ttl, logger: log}
}

// Save stores the snapshot under the issue id and records it in the index.
func (a *RedisArchive) Save(ctx context.Context, issueID string, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("archive marshal: %w", err)
	}
	pipe := a.rdb.TxPipeline()
	pipe.Set(ctx, Key(issueID), data, a.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(time.Now().Unix()), Member: issueID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive save %s: %w", issueID, err)
	}
	return nil
}

// Load decodes a stored snapshot into out.
func (a *RedisArchive) Load(ctx context.Context, issueID string, out any) error {
	data, err := a.rdb.Get(ctx, Key(issueID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("archive load %s: %w", issueID, err)
	}
	return json.Unmarshal(data, out)
}

// Recent lists up to n archived issue ids, newest first.
func (a *RedisArchive) Recent(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	return a.rdb.ZRevRange(ctx, indexKey, 0, n-1).Result()
}

// HandleEvent archives the snapshot carried by issue.closed events; other events are ignored.
func (a *RedisArchive) HandleEvent(ctx context.Context, event events.Event) error {
	if event.EventType() != events.TypeIssueClosed {
		return nil
	}
	payload := event.Payload()
	issueID, _ := payload["issue_id"].(string)
	if issueID == "" {
		return fmt.Errorf("issue.closed without issue_id")
	}
	snapshot, ok := payload["snapshot"]
	if !ok {
		snapshot = payload
	}
	if err := a.Save(ctx, issueID, snapshot); err != nil {
		return err
	}
	a.logger.Info("Archive", "Issue archived", map[string]interface{}{"issue_id": issueID})
	return nil
}
