package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("cache record not found")

// Cache holds live routing state and replay buffers in redis. Keys are
// partitioned by session/workspace id; writes refresh the 24 h session TTL.
type Cache struct {
	rdb    redis.Cmdable
	logger *slog.Logger
}

func New(rdb redis.Cmdable, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger.With("component", "cache")}
}

func (c *Cache) SetSession(ctx context.Context, s *Session) error {
	key := sessionKey(s.ID)
	fields := map[string]any{
		"id":           s.ID,
		"workspace_id": s.WorkspaceID,
		"user_id":      s.UserID,
		"container_id": s.ContainerID,
		"tmux_name":    s.TmuxName,
		"window_index": s.WindowIndex,
		"cols":         s.Cols,
		"rows":         s.Rows,
		"status":       s.Status,
		"created_at":   s.CreatedAt.UTC().Format(time.RFC3339Nano),
		"last_seen_at": s.LastSeenAt.UTC().Format(time.RFC3339Nano),
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, workspaceSessionsKey(s.WorkspaceID), s.ID)
	pipe.SAdd(ctx, userSessionsKey(s.UserID), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set session %s: %w", s.ID, err)
	}
	return nil
}

func (c *Cache) GetSession(ctx context.Context, id string) (*Session, error) {
	vals, err := c.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	s := &Session{
		ID:          vals["id"],
		WorkspaceID: vals["workspace_id"],
		UserID:      vals["user_id"],
		ContainerID: vals["container_id"],
		TmuxName:    vals["tmux_name"],
		Status:      vals["status"],
	}
	s.WindowIndex, _ = strconv.Atoi(vals["window_index"])
	s.Cols, _ = strconv.Atoi(vals["cols"])
	s.Rows, _ = strconv.Atoi(vals["rows"])
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, vals["created_at"])
	s.LastSeenAt, _ = time.Parse(time.RFC3339Nano, vals["last_seen_at"])
	return s, nil
}

// TouchSession refreshes the activity timestamp and the TTL of the session
// record and its replay buffer.
func (c *Cache) TouchSession(ctx context.Context, id string) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, sessionKey(id), "last_seen_at", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, sessionKey(id), SessionTTL)
	pipe.Expire(ctx, sessionBufferKey(id), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Cache) SetSessionStatus(ctx context.Context, id, status string) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, sessionKey(id), map[string]any{
		"status":       status,
		"last_seen_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, sessionKey(id), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveSession deletes the session record, its replay buffer and its
// membership in the workspace and user sets.
func (c *Cache) RemoveSession(ctx context.Context, id string) error {
	s, err := c.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.Del(ctx, sessionBufferKey(id))
	pipe.SRem(ctx, workspaceSessionsKey(s.WorkspaceID), id)
	pipe.SRem(ctx, userSessionsKey(s.UserID), id)
	_, err = pipe.Exec(ctx)
	return err
}

// AppendBuffer pushes an output chunk onto the replay ring, trimming to the
// newest BufferCap entries and refreshing the buffer TTL.
func (c *Cache) AppendBuffer(ctx context.Context, id string, chunk string) error {
	key := sessionBufferKey(id)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, chunk)
	pipe.LTrim(ctx, key, -int64(BufferCap), -1)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Cache) ReadBuffer(ctx context.Context, id string) ([]string, error) {
	chunks, err := c.rdb.LRange(ctx, sessionBufferKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read buffer %s: %w", id, err)
	}
	return chunks, nil
}

func (c *Cache) SessionIDs(ctx context.Context, workspaceID string) ([]string, error) {
	return c.rdb.SMembers(ctx, workspaceSessionsKey(workspaceID)).Result()
}

func (c *Cache) SessionCount(ctx context.Context, workspaceID string) (int, error) {
	n, err := c.rdb.SCard(ctx, workspaceSessionsKey(workspaceID)).Result()
	return int(n), err
}

func (c *Cache) SetWorkspace(ctx context.Context, w *Workspace) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, workspaceKey(w.ID), map[string]any{
		"id":           w.ID,
		"user_id":      w.UserID,
		"container_id": w.ContainerID,
		"status":       w.Status,
	})
	pipe.SAdd(ctx, userWorkspacesKey(w.UserID), w.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Cache) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	vals, err := c.rdb.HGetAll(ctx, workspaceKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get workspace %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return &Workspace{
		ID:          vals["id"],
		UserID:      vals["user_id"],
		ContainerID: vals["container_id"],
		Status:      vals["status"],
	}, nil
}

func (c *Cache) SetWorkspaceStatus(ctx context.Context, id, status string) error {
	return c.rdb.HSet(ctx, workspaceKey(id), "status", status).Err()
}

func (c *Cache) RemoveWorkspace(ctx context.Context, id string) error {
	w, err := c.GetWorkspace(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, workspaceKey(id))
	pipe.Del(ctx, workspaceSessionsKey(id))
	pipe.SRem(ctx, userWorkspacesKey(w.UserID), id)
	_, err = pipe.Exec(ctx)
	return err
}

// SetAuthToken mirrors an issued bearer token; expiry matches the issuer's.
func (c *Cache) SetAuthToken(ctx context.Context, token, userID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, authTokenKey(token), userID, ttl).Err()
}

// GetAuthToken resolves a bearer token to a user id, ErrNotFound if absent
// or expired.
func (c *Cache) GetAuthToken(ctx context.Context, token string) (string, error) {
	userID, err := c.rdb.Get(ctx, authTokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get auth token: %w", err)
	}
	return userID, nil
}

func (c *Cache) DeleteAuthToken(ctx context.Context, token string) error {
	return c.rdb.Del(ctx, authTokenKey(token)).Err()
}
