package workspace

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"termflux/internal/cache"
	"termflux/internal/container"
	"termflux/internal/monitor"
	"termflux/internal/store"
)

// ReaperConfig 清理循环配置
type ReaperConfig struct {
	Interval     time.Duration // 清理循环间隔
	ContainerAge time.Duration // 停止超过此时长的受管容器会被移除
}

// Reaper 定期收敛两类垃圾：cache 记录已过期但行还挂在 active/disconnected
// 的会话，以及停止已久的受管容器。
type Reaper struct {
	driver *container.Driver
	cache  *cache.Cache
	repo   *store.Repository
	config ReaperConfig
	logger *slog.Logger
	stopCh chan struct{}
}

func NewReaper(driver *container.Driver, c *cache.Cache, repo *store.Repository, config ReaperConfig, logger *slog.Logger) *Reaper {
	if config.Interval == 0 {
		config.Interval = 5 * time.Minute
	}
	if config.ContainerAge == 0 {
		config.ContainerAge = 24 * time.Hour
	}
	return &Reaper{
		driver: driver,
		cache:  c,
		repo:   repo,
		config: config,
		logger: logger.With("component", "reaper"),
		stopCh: make(chan struct{}),
	}
}

// Start 启动清理循环（阻塞，应在 goroutine 中调用）
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started", "interval", r.config.Interval, "container_age", r.config.ContainerAge)

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	r.reapSessions(ctx)
	r.reapContainers(ctx)
}

// reapSessions terminates session rows whose cache record has expired:
// nothing can ever reattach to them.
func (r *Reaper) reapSessions(ctx context.Context) {
	rows, err := r.repo.ListSessionsByStatus(ctx, []store.SessionStatus{
		store.SessionActive,
		store.SessionDisconnected,
	})
	if err != nil {
		r.logger.Error("Failed to list live sessions", "error", err)
		return
	}

	reaped := 0
	for _, row := range rows {
		_, err := r.cache.GetSession(ctx, row.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, cache.ErrNotFound) {
			r.logger.Error("Failed to probe cached session", "session_id", row.ID, "error", err)
			continue
		}

		r.logger.Warn("Reaping session with expired cache record",
			"session_id", row.ID,
			"status", row.Status,
			"last_seen_at", row.LastSeenAt,
		)
		if err := r.repo.UpdateSessionStatus(ctx, row.ID, store.SessionTerminated); err != nil {
			r.logger.Error("Failed to terminate stale session", "session_id", row.ID, "error", err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		r.logger.Info("Session sweep completed", "reaped", reaped)
	}
}

func (r *Reaper) reapContainers(ctx context.Context) {
	if handles, err := r.driver.List(ctx); err == nil {
		monitor.ManagedContainers.Set(float64(len(handles)))
	}

	n, err := r.driver.Cleanup(ctx, r.config.ContainerAge)
	if err != nil {
		r.logger.Error("Container cleanup failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("Container sweep completed", "removed", n)
	}
}
