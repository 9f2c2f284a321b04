package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"termflux/internal/cache"
	"termflux/internal/container"
	"termflux/internal/eventbus"
	"termflux/internal/monitor"
	"termflux/internal/store"
)

type closeReason int

const (
	// 客户端断开：tmux 会话保活，session 进入 disconnected，可重连
	reasonClientGone closeReason = iota
	// attach 流结束（tmux 退出 / 容器停止）：session 终结
	reasonStreamEnded
	// workspace 停止 / 显式删除 / 被新连接顶替
	reasonWorkspaceStopped
	reasonDeleted
	reasonEvicted
)

// termConn 是一条已绑定的终端连接：两个泵 + keepalive + 事件订阅。
// 任何一方退出都会走一次 shutdown，shutdown 只执行一次。
type termConn struct {
	gw        *Gateway
	ws        *websocket.Conn
	stream    io.ReadWriteCloser
	sessionID string
	workspace string
	userID    string
	tmuxName  string

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	reason closeReason
	logger *slog.Logger
}

func marshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// serve runs session setup and both pumps; it returns when the connection is
// torn down.
func (g *Gateway) serve(ws *websocket.Conn, workspaceID, userID, sessionID string, cols, rows int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reattach := sessionID != ""

	var (
		tmuxName string
		err      error
	)
	if reattach {
		tmuxName, err = g.reattachSession(ctx, ws, workspaceID, userID, sessionID, cols, rows)
	} else {
		sessionID = store.NewID()
		tmuxName, err = g.newSession(ctx, workspaceID, userID, sessionID, cols, rows)
	}
	if err != nil {
		if errors.Is(err, ErrAccessDenied) {
			g.sendFrame(ctx, ws, Frame{Type: FrameError, Error: err.Error()})
			_ = ws.Close(CloseAccessDenied, "access denied")
			return
		}
		g.logger.Error("Session setup failed",
			"workspace_id", workspaceID, "session_id", sessionID, "error", err)
		g.sendFrame(ctx, ws, Frame{Type: FrameError, Error: "session setup failed"})
		_ = ws.Close(CloseSetupFailed, "setup failed")
		return
	}

	stream, err := g.driver.AttachStream(ctx, workspaceID, []string{"tmux", "attach-session", "-t", tmuxName})
	if err != nil {
		g.logger.Error("Attach failed", "session_id", sessionID, "error", err)
		g.sendFrame(ctx, ws, Frame{Type: FrameError, Error: "failed to attach to session"})
		_ = ws.Close(CloseSetupFailed, "setup failed")
		return
	}

	c := &termConn{
		gw:        g,
		ws:        ws,
		stream:    stream,
		sessionID: sessionID,
		workspace: workspaceID,
		userID:    userID,
		tmuxName:  tmuxName,
		ctx:       ctx,
		cancel:    cancel,
		logger: g.logger.With(
			slog.String("session_id", sessionID),
			slog.String("workspace_id", workspaceID),
		),
	}

	// 单写者：顶掉旧的持有者（不等待它收尾，也不把它记为 disconnected；
	// session 记录此时已归新连接所有）
	if prev := g.registry.Bind(sessionID, c); prev != nil {
		prev.shutdown(reasonEvicted)
	}
	defer g.registry.Release(sessionID, c)

	monitor.GatewayActiveConnections.Inc()
	defer monitor.GatewayActiveConnections.Dec()

	// ready 之后客户端才会收到 output
	g.sendFrame(ctx, ws, Frame{Type: FrameReady, SessionID: sessionID})

	c.logger.Info("Terminal connected", "reattach", reattach)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.pumpClient() }()
	go func() { defer wg.Done(); c.pumpContainer() }()
	go c.keepalive()
	go c.watchWorkspace()

	wg.Wait()
	c.finalize()
}

// newSession mints the multiplexer session and persists row + cache record.
func (g *Gateway) newSession(ctx context.Context, workspaceID, userID, sessionID string, cols, rows int) (string, error) {
	tmuxName := TmuxSessionName(sessionID)

	res, err := g.driver.Exec(ctx, workspaceID, []string{
		"tmux", "new-session", "-d",
		"-s", tmuxName,
		"-x", strconv.Itoa(cols),
		"-y", strconv.Itoa(rows),
	}, container.ExecOptions{})
	if err != nil {
		return "", fmt.Errorf("create tmux session: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("tmux new-session exited %d: %s", res.ExitCode, res.Output)
	}

	now := time.Now()
	if err := g.repo.CreateSession(ctx, &store.SessionModel{
		ID:          sessionID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		TmuxName:    tmuxName,
		WindowIndex: 0,
		Cols:        cols,
		Rows:        rows,
		Status:      store.SessionActive,
	}); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}

	cw, err := g.cache.GetWorkspace(ctx, workspaceID)
	containerID := ""
	if err == nil {
		containerID = cw.ContainerID
	}

	if err := g.cache.SetSession(ctx, &cache.Session{
		ID:          sessionID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		ContainerID: containerID,
		TmuxName:    tmuxName,
		WindowIndex: 0,
		Cols:        cols,
		Rows:        rows,
		Status:      string(store.SessionActive),
		CreatedAt:   now,
		LastSeenAt:  now,
	}); err != nil {
		return "", fmt.Errorf("cache session: %w", err)
	}

	return tmuxName, nil
}

// reattachSession validates ownership against the cache record and emits the
// single reconnect prefix carrying the replay buffer.
func (g *Gateway) reattachSession(ctx context.Context, ws *websocket.Conn, workspaceID, userID, sessionID string, cols, rows int) (string, error) {
	cs, err := g.cache.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown session", ErrAccessDenied)
		}
		return "", err
	}
	if cs.UserID != userID || cs.WorkspaceID != workspaceID {
		return "", fmt.Errorf("%w: session ownership mismatch", ErrAccessDenied)
	}

	chunks, err := g.cache.ReadBuffer(ctx, sessionID)
	if err != nil {
		g.logger.Warn("Failed to read replay buffer", "session_id", sessionID, "error", err)
	}
	// 回放作为单个 reconnect 前缀下发，之后是正常 output；
	// 缓冲内容和实时输出之间没有分隔符。
	g.sendFrame(ctx, ws, Frame{Type: FrameReconnect, Data: strings.Join(chunks, "")})
	monitor.GatewayReconnects.Inc()

	if cols != cs.Cols || rows != cs.Rows {
		g.resize(ctx, workspaceID, cs.TmuxName, sessionID, cols, rows)
	}

	if err := g.cache.SetSessionStatus(ctx, sessionID, string(store.SessionActive)); err != nil {
		return "", fmt.Errorf("cache session: %w", err)
	}
	if err := g.repo.UpdateSessionStatus(ctx, sessionID, store.SessionActive); err != nil {
		g.logger.Warn("Failed to update session row", "session_id", sessionID, "error", err)
	}

	return cs.TmuxName, nil
}

// resize is best-effort: failures are logged only.
func (g *Gateway) resize(ctx context.Context, workspaceID, tmuxName, sessionID string, cols, rows int) {
	res, err := g.driver.Exec(ctx, workspaceID, []string{
		"tmux", "resize-window",
		"-t", tmuxName,
		"-x", strconv.Itoa(cols),
		"-y", strconv.Itoa(rows),
	}, container.ExecOptions{})
	if err != nil {
		g.logger.Warn("Resize failed", "session_id", sessionID, "error", err)
		return
	}
	if res.ExitCode != 0 {
		g.logger.Warn("Resize exited non-zero", "session_id", sessionID, "exit_code", res.ExitCode)
		return
	}
	if err := g.repo.UpdateSessionGeometry(ctx, sessionID, cols, rows); err != nil {
		g.logger.Warn("Failed to persist geometry", "session_id", sessionID, "error", err)
	}
}

// pumpClient forwards client frames into the attach stream.
func (c *termConn) pumpClient() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Client pump panicked", "panic", r)
		}
		// 读泵退出即客户端不可达
		c.shutdown(reasonClientGone)
	}()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}
		monitor.GatewayFramesIn.Inc()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("Dropping malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case FrameInput:
			if _, err := c.stream.Write([]byte(f.Data)); err != nil {
				c.shutdown(reasonStreamEnded)
				return
			}
			c.touch()

		case FrameResize:
			if f.Cols >= minCols && f.Cols <= maxCols && f.Rows >= minRows && f.Rows <= maxRows {
				go c.gw.resize(c.ctx, c.workspace, c.tmuxName, c.sessionID, f.Cols, f.Rows)
			}
			c.touch()

		case FramePing:
			c.gw.sendFrame(c.ctx, c.ws, Frame{Type: FramePong})

		default:
			c.logger.Debug("Ignoring frame", "type", f.Type)
		}
	}
}

// pumpContainer forwards attach-stream bytes to the client in arrival order
// and appends them to the replay buffer. Single producer: buffer order
// matches delivery order.
func (c *termConn) pumpContainer() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Container pump panicked", "panic", r)
			c.shutdown(reasonClientGone)
			return
		}
		c.shutdown(reasonStreamEnded)
	}()

	buf := make([]byte, 4096)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			// TTY 流按原样透传；防御非 TTY exec 的 8 字节帧头
			data := container.StripFrames(buf[:n])
			text := string(data)

			c.gw.sendFrame(c.ctx, c.ws, Frame{Type: FrameOutput, Data: text})
			monitor.GatewayFramesOut.Inc()

			if err := c.gw.cache.AppendBuffer(c.ctx, c.sessionID, text); err != nil {
				c.logger.Warn("Failed to append replay buffer", "error", err)
			}
			c.touch()
		}
		if err != nil {
			return
		}
	}
}

// keepalive sends a transport-level ping every interval and tears the
// connection down when one goes unanswered before the next tick.
func (c *termConn) keepalive() {
	interval := c.gw.config.PingInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, interval)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Info("Keepalive failed, dropping connection", "error", err)
				}
				c.shutdown(reasonClientGone)
				return
			}
		}
	}
}

// watchWorkspace subscribes to workspace lifecycle events so a stop or
// destroy closes the socket immediately instead of waiting for the attach
// stream to die.
func (c *termConn) watchWorkspace() {
	if c.gw.bus == nil {
		return
	}
	events, err := c.gw.bus.Subscribe(c.ctx, c.workspace)
	if err != nil {
		c.logger.Warn("Failed to subscribe to workspace events", "error", err)
		return
	}

	for ev := range events {
		switch ev.Type {
		case eventbus.EventWorkspaceStopped, eventbus.EventWorkspaceDestroyed:
			c.shutdown(reasonWorkspaceStopped)
			return
		}
	}
}

func (c *termConn) touch() {
	if err := c.gw.cache.TouchSession(c.ctx, c.sessionID); err != nil && c.ctx.Err() == nil {
		c.logger.Debug("Failed to touch session", "error", err)
	}
}

// shutdown records the first close reason and cancels the connection
// context; both pumps unwind from there.
func (c *termConn) shutdown(reason closeReason) {
	c.once.Do(func() {
		c.reason = reason
		c.cancel()
		_ = c.stream.Close()
	})
}

// finalize applies the lifecycle transition for the recorded reason after
// both pumps have drained.
func (c *termConn) finalize() {
	// 连接上下文已取消，收尾用独立的短超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch c.reason {
	case reasonEvicted:
		// 新连接已接管 session 记录，这里只负责关 socket
		_ = c.ws.Close(CloseNormal, "replaced by new connection")
		c.logger.Info("Terminal evicted by new attach")

	case reasonClientGone:
		// tmux 会话保活，回放缓冲保留，等待重连
		if err := c.gw.cache.SetSessionStatus(ctx, c.sessionID, string(store.SessionDisconnected)); err != nil {
			c.logger.Warn("Failed to mark session disconnected", "error", err)
		}
		if err := c.gw.repo.UpdateSessionStatus(ctx, c.sessionID, store.SessionDisconnected); err != nil {
			c.logger.Warn("Failed to update session row", "error", err)
		}
		_ = c.ws.Close(CloseNormal, "disconnected")
		c.logger.Info("Terminal disconnected, session kept alive")

	case reasonStreamEnded:
		// multiplexer 退出或容器停止：会话终结
		if err := c.gw.cache.RemoveSession(ctx, c.sessionID); err != nil {
			c.logger.Warn("Failed to remove cached session", "error", err)
		}
		if err := c.gw.repo.UpdateSessionStatus(ctx, c.sessionID, store.SessionTerminated); err != nil {
			c.logger.Warn("Failed to update session row", "error", err)
		}
		c.gw.sendFrame(ctx, c.ws, Frame{Type: FrameError, Error: "session ended"})
		_ = c.ws.Close(CloseNormal, "session ended")
		c.logger.Info("Terminal session ended")

	case reasonWorkspaceStopped:
		c.gw.sendFrame(ctx, c.ws, Frame{Type: FrameError, Error: "workspace stopped"})
		_ = c.ws.Close(CloseAccessDenied, "workspace not running")
		c.logger.Info("Terminal closed: workspace stopped")

	case reasonDeleted:
		c.gw.sendFrame(ctx, c.ws, Frame{Type: FrameError, Error: "session deleted"})
		_ = c.ws.Close(CloseNormal, "session deleted")
		c.logger.Info("Terminal closed: session deleted")
	}
}
