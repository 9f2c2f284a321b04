package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"termflux/internal/cache"
	"termflux/internal/container"
	"termflux/internal/eventbus"
	"termflux/internal/store"
)

var (
	ErrAuth = errors.New("authentication failed")

	ErrAccessDenied = errors.New("workspace not found or access denied")
)

// Driver 是网关需要的容器操作子集。
type Driver interface {
	Exec(ctx context.Context, workspaceID string, argv []string, opts container.ExecOptions) (*container.ExecResult, error)
	AttachStream(ctx context.Context, workspaceID string, argv []string) (io.ReadWriteCloser, error)
}

// WrapDriver adapts the concrete docker driver to the gateway's interface.
func WrapDriver(d *container.Driver) Driver {
	return dockerDriver{d}
}

type dockerDriver struct{ d *container.Driver }

func (w dockerDriver) Exec(ctx context.Context, workspaceID string, argv []string, opts container.ExecOptions) (*container.ExecResult, error) {
	return w.d.Exec(ctx, workspaceID, argv, opts)
}

func (w dockerDriver) AttachStream(ctx context.Context, workspaceID string, argv []string) (io.ReadWriteCloser, error) {
	return w.d.AttachStream(ctx, workspaceID, argv)
}

type Config struct {
	PingInterval time.Duration
	DefaultCols  int
	DefaultRows  int
}

// Gateway owns the mapping {session → container attach stream → client
// socket}. It is the only writer of session cache records for the sessions
// it currently serves.
type Gateway struct {
	driver   Driver
	cache    *cache.Cache
	repo     *store.Repository
	bus      eventbus.EventBus
	registry *registry
	config   Config
	logger   *slog.Logger
}

func New(driver Driver, c *cache.Cache, repo *store.Repository, bus eventbus.EventBus, config Config, logger *slog.Logger) *Gateway {
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.DefaultCols == 0 {
		config.DefaultCols = 80
	}
	if config.DefaultRows == 0 {
		config.DefaultRows = 24
	}
	return &Gateway{
		driver:   driver,
		cache:    c,
		repo:     repo,
		bus:      bus,
		registry: newRegistry(),
		config:   config,
		logger:   logger.With("component", "gateway"),
	}
}

// HandleWS upgrades the request and serves one terminal connection until
// either side goes away.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify:   true, // CORS handled by middleware
		CompressionMode:      websocket.CompressionNoContextTakeover,
		CompressionThreshold: 1024,
	})
	if err != nil {
		g.logger.Error("websocket accept failed", "error", err)
		return
	}

	q := r.URL.Query()
	token := q.Get("token")
	workspaceID := q.Get("workspaceId")
	sessionID := q.Get("sessionId")

	if token == "" || workspaceID == "" {
		_ = ws.Close(CloseMissingParams, "missing required parameters")
		return
	}

	ctx := r.Context()

	userID, err := g.authenticate(ctx, token)
	if err != nil {
		g.sendFrame(ctx, ws, Frame{Type: FrameError, Error: "authentication failed"})
		_ = ws.Close(CloseAuthFailed, "authentication failed")
		return
	}

	if err := g.authorizeWorkspace(ctx, workspaceID, userID); err != nil {
		g.sendFrame(ctx, ws, Frame{Type: FrameError, Error: err.Error()})
		_ = ws.Close(CloseAccessDenied, "workspace not found or access denied")
		return
	}

	cols, _ := strconv.Atoi(q.Get("cols"))
	rows, _ := strconv.Atoi(q.Get("rows"))
	if cols == 0 {
		cols = g.config.DefaultCols
	}
	if rows == 0 {
		rows = g.config.DefaultRows
	}
	if cols < minCols || cols > maxCols || rows < minRows || rows > maxRows {
		_ = ws.Close(CloseMissingParams, "geometry out of range")
		return
	}

	g.serve(ws, workspaceID, userID, sessionID, cols, rows)
}

// authenticate resolves a bearer token cache-through to the relational auth
// table.
func (g *Gateway) authenticate(ctx context.Context, token string) (string, error) {
	userID, err := g.cache.GetAuthToken(ctx, token)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		g.logger.Warn("Auth cache read failed", "error", err)
	}

	row, err := g.repo.GetAuthToken(ctx, token)
	if err != nil {
		return "", ErrAuth
	}

	if ttl := time.Until(row.ExpiresAt); ttl > 0 {
		if err := g.cache.SetAuthToken(ctx, token, row.UserID, ttl); err != nil {
			g.logger.Warn("Auth cache write failed", "error", err)
		}
	}
	return row.UserID, nil
}

// authorizeWorkspace verifies ownership and that the container is running.
func (g *Gateway) authorizeWorkspace(ctx context.Context, workspaceID, userID string) error {
	if cw, err := g.cache.GetWorkspace(ctx, workspaceID); err == nil {
		if cw.UserID != userID {
			return ErrAccessDenied
		}
		if cw.Status != string(store.WorkspaceRunning) {
			return fmt.Errorf("%w: workspace not running", ErrAccessDenied)
		}
		return nil
	}

	row, err := g.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return ErrAccessDenied
	}
	if row.UserID != userID {
		return ErrAccessDenied
	}
	if row.Status != store.WorkspaceRunning {
		return fmt.Errorf("%w: workspace not running", ErrAccessDenied)
	}
	return nil
}

func (g *Gateway) sendFrame(ctx context.Context, ws *websocket.Conn, f Frame) {
	data, err := marshalFrame(f)
	if err != nil {
		g.logger.Error("Failed to marshal frame", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		g.logger.Debug("Frame write failed", "type", f.Type, "error", err)
	}
}

// DeleteSession kills the multiplexer session, evicts any live connection
// and marks the row terminated.
func (g *Gateway) DeleteSession(ctx context.Context, sessionID string) error {
	cs, err := g.cache.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}

	if c := g.registry.Get(sessionID); c != nil {
		c.shutdown(reasonDeleted)
	}

	if cs != nil {
		_, execErr := g.driver.Exec(ctx, cs.WorkspaceID,
			[]string{"tmux", "kill-session", "-t", cs.TmuxName}, container.ExecOptions{})
		if execErr != nil {
			g.logger.Warn("Failed to kill tmux session", "session_id", sessionID, "error", execErr)
		}
	}

	if err := g.cache.RemoveSession(ctx, sessionID); err != nil {
		g.logger.Warn("Failed to remove cached session", "session_id", sessionID, "error", err)
	}
	if err := g.repo.UpdateSessionStatus(ctx, sessionID, store.SessionTerminated); err != nil {
		return err
	}

	g.logger.Info("Session deleted", "session_id", sessionID)
	return nil
}

// ActiveConnections reports the number of live bindings, for health output.
func (g *Gateway) ActiveConnections() int {
	return g.registry.Count()
}
