package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestKeyLayout(t *testing.T) {
	cases := map[string]string{
		sessionKey("s1"):           "session:s1",
		sessionBufferKey("s1"):     "session:s1:buffer",
		workspaceKey("w1"):         "workspace:w1",
		workspaceSessionsKey("w1"): "workspace:w1:sessions",
		userSessionsKey("u1"):      "user:u1:sessions",
		userWorkspacesKey("u1"):    "user:u1:workspaces",
		authTokenKey("tok"):        "auth:tok",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("key = %q, want %q", got, want)
		}
	}
}

// 下面的用例需要本地 redis（TEST_REDIS_ADDR，默认 localhost:6379）。
func testCache(t *testing.T) (*Cache, *redis.Client) {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	if err := rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, logger), rdb
}

func TestSessionRoundTrip(t *testing.T) {
	c, rdb := testCache(t)
	defer rdb.Close()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	s := &Session{
		ID:          "sess00000001",
		WorkspaceID: "ws1",
		UserID:      "u1",
		ContainerID: "cid",
		TmuxName:    "termflux-sess00000001",
		WindowIndex: 0,
		Cols:        120,
		Rows:        40,
		Status:      "active",
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if err := c.SetSession(ctx, s); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	got, err := c.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.TmuxName != s.TmuxName || got.Cols != 120 || got.Rows != 40 || got.Status != "active" {
		t.Fatalf("GetSession = %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, now)
	}

	// set 成员关系
	ids, err := c.SessionIDs(ctx, "ws1")
	if err != nil || len(ids) != 1 || ids[0] != s.ID {
		t.Fatalf("SessionIDs = %v (%v)", ids, err)
	}

	ttl := rdb.TTL(ctx, "session:"+s.ID).Val()
	if ttl <= 23*time.Hour || ttl > 24*time.Hour {
		t.Fatalf("session TTL = %v, want ~24h", ttl)
	}

	if _, err := c.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing session err = %v, want ErrNotFound", err)
	}
}

func TestRemoveSessionCleansEverything(t *testing.T) {
	c, rdb := testCache(t)
	defer rdb.Close()
	ctx := context.Background()

	s := &Session{ID: "sess1", WorkspaceID: "ws1", UserID: "u1", Status: "active"}
	if err := c.SetSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	if err := c.AppendBuffer(ctx, "sess1", "chunk"); err != nil {
		t.Fatal(err)
	}

	if err := c.RemoveSession(ctx, "sess1"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}

	if n := rdb.Exists(ctx, "session:sess1", "session:sess1:buffer").Val(); n != 0 {
		t.Fatalf("%d session keys survived removal", n)
	}
	if n := rdb.SCard(ctx, "workspace:ws1:sessions").Val(); n != 0 {
		t.Fatal("workspace set still contains removed session")
	}
	if n := rdb.SCard(ctx, "user:u1:sessions").Val(); n != 0 {
		t.Fatal("user set still contains removed session")
	}

	// 幂等
	if err := c.RemoveSession(ctx, "sess1"); err != nil {
		t.Fatalf("second RemoveSession: %v", err)
	}
}

func TestBufferRing(t *testing.T) {
	c, rdb := testCache(t)
	defer rdb.Close()
	ctx := context.Background()

	for i := 0; i < BufferCap+50; i++ {
		if err := c.AppendBuffer(ctx, "sess1", fmt.Sprintf("chunk-%04d", i)); err != nil {
			t.Fatalf("AppendBuffer: %v", err)
		}
	}

	chunks, err := c.ReadBuffer(ctx, "sess1")
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if len(chunks) != BufferCap {
		t.Fatalf("buffer holds %d chunks, want %d", len(chunks), BufferCap)
	}
	// 留下的是最新的 BufferCap 条，顺序保持追加顺序
	if chunks[0] != "chunk-0050" || chunks[len(chunks)-1] != fmt.Sprintf("chunk-%04d", BufferCap+49) {
		t.Fatalf("ring window = [%s .. %s]", chunks[0], chunks[len(chunks)-1])
	}

	ttl := rdb.TTL(ctx, "session:sess1:buffer").Val()
	if ttl <= 23*time.Hour || ttl > 24*time.Hour {
		t.Fatalf("buffer TTL = %v, want ~24h", ttl)
	}
}

func TestReplayOrderMatchesAppendOrder(t *testing.T) {
	c, rdb := testCache(t)
	defer rdb.Close()
	ctx := context.Background()

	var want strings.Builder
	for i := 0; i < 20; i++ {
		chunk := fmt.Sprintf("line %d\r\n", i)
		want.WriteString(chunk)
		if err := c.AppendBuffer(ctx, "sess1", chunk); err != nil {
			t.Fatal(err)
		}
	}

	chunks, err := c.ReadBuffer(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(chunks, ""); got != want.String() {
		t.Fatalf("replay = %q, want %q", got, want.String())
	}
}

func TestAuthToken(t *testing.T) {
	c, rdb := testCache(t)
	defer rdb.Close()
	ctx := context.Background()

	if err := c.SetAuthToken(ctx, "tok1", "u1", time.Minute); err != nil {
		t.Fatal(err)
	}
	userID, err := c.GetAuthToken(ctx, "tok1")
	if err != nil || userID != "u1" {
		t.Fatalf("GetAuthToken = %q (%v)", userID, err)
	}

	if _, err := c.GetAuthToken(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown token err = %v, want ErrNotFound", err)
	}

	if err := c.DeleteAuthToken(ctx, "tok1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetAuthToken(ctx, "tok1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted token err = %v, want ErrNotFound", err)
	}
}

func TestWorkspaceRecord(t *testing.T) {
	c, rdb := testCache(t)
	defer rdb.Close()
	ctx := context.Background()

	w := &Workspace{ID: "ws1", UserID: "u1", ContainerID: "cid", Status: "running"}
	if err := c.SetWorkspace(ctx, w); err != nil {
		t.Fatal(err)
	}

	got, err := c.GetWorkspace(ctx, "ws1")
	if err != nil || got.Status != "running" || got.ContainerID != "cid" {
		t.Fatalf("GetWorkspace = %+v (%v)", got, err)
	}

	if err := c.SetWorkspaceStatus(ctx, "ws1", "stopped"); err != nil {
		t.Fatal(err)
	}
	got, _ = c.GetWorkspace(ctx, "ws1")
	if got.Status != "stopped" {
		t.Fatalf("status = %q, want stopped", got.Status)
	}

	if err := c.RemoveWorkspace(ctx, "ws1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetWorkspace(ctx, "ws1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed workspace err = %v, want ErrNotFound", err)
	}
}
