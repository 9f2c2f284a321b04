package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"termflux/internal/cache"
	"termflux/internal/container"
	"termflux/internal/eventbus"
	"termflux/internal/store"
)

// Stop halts the container and terminates every session bound to the
// workspace. The volume and all rows survive for a later restart.
func (p *Provisioner) Stop(ctx context.Context, workspaceID string) error {
	model, err := p.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	if err := p.terminateSessions(ctx, workspaceID); err != nil {
		p.logger.Warn("Failed to terminate sessions on stop", "workspace_id", workspaceID, "error", err)
	}

	if err := p.driver.Stop(ctx, workspaceID, 10); err != nil {
		return err
	}

	if err := p.repo.UpdateWorkspaceStatus(ctx, workspaceID, store.WorkspaceStopped, ""); err != nil {
		return err
	}
	if err := p.cache.SetWorkspaceStatus(ctx, workspaceID, string(store.WorkspaceStopped)); err != nil {
		p.logger.Warn("Failed to update cached workspace status", "workspace_id", workspaceID, "error", err)
	}

	p.publish(workspaceID, eventbus.EventWorkspaceStopped, model.Name)
	p.logger.Info("Workspace stopped", "workspace_id", workspaceID)
	return nil
}

// Restart brings a stopped workspace back by re-running provision against
// the surviving volume.
func (p *Provisioner) Restart(ctx context.Context, workspaceID string) error {
	model, err := p.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	var env map[string]string
	if len(model.Env) > 0 {
		_ = json.Unmarshal(model.Env, &env)
	}

	containerID, err := p.driver.Provision(ctx, container.WorkspaceConfig{
		WorkspaceID: model.ID,
		UserID:      model.UserID,
		CPUCores:    model.CPUCores,
		MemoryMiB:   model.MemoryMiB,
		DiskMiB:     model.DiskMiB,
		Env:         env,
	})
	if err != nil {
		return err
	}

	if err := p.repo.UpdateWorkspaceStatus(ctx, workspaceID, store.WorkspaceRunning, containerID); err != nil {
		return err
	}
	return p.cache.SetWorkspace(ctx, &cache.Workspace{
		ID:          workspaceID,
		UserID:      model.UserID,
		ContainerID: containerID,
		Status:      string(store.WorkspaceRunning),
	})
}

// Destroy removes the container together with its volume and deletes the
// workspace row. Session and run history stays.
func (p *Provisioner) Destroy(ctx context.Context, workspaceID string) error {
	if err := p.terminateSessions(ctx, workspaceID); err != nil {
		p.logger.Warn("Failed to terminate sessions on destroy", "workspace_id", workspaceID, "error", err)
	}

	if err := p.driver.Remove(ctx, workspaceID, true); err != nil {
		return err
	}

	if err := p.cache.RemoveWorkspace(ctx, workspaceID); err != nil {
		p.logger.Warn("Failed to remove cached workspace", "workspace_id", workspaceID, "error", err)
	}
	if err := p.repo.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}

	p.publish(workspaceID, eventbus.EventWorkspaceDestroyed, "")
	p.logger.Info("Workspace destroyed", "workspace_id", workspaceID)
	return nil
}

func (p *Provisioner) terminateSessions(ctx context.Context, workspaceID string) error {
	ids, err := p.cache.SessionIDs(ctx, workspaceID)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := p.cache.RemoveSession(ctx, id); err != nil {
			p.logger.Warn("Failed to remove cached session", "session_id", id, "error", err)
		}
		if err := p.repo.UpdateSessionStatus(ctx, id, store.SessionTerminated); err != nil {
			p.logger.Warn("Failed to mark session terminated", "session_id", id, "error", err)
		}
		p.publish(workspaceID, eventbus.EventSessionTerminated, id)
	}

	// 行里可能还有 cache 已经过期的会话
	rows, err := p.repo.ListSessionsByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Status != store.SessionTerminated {
			if err := p.repo.UpdateSessionStatus(ctx, row.ID, store.SessionTerminated); err != nil {
				p.logger.Warn("Failed to mark session terminated", "session_id", row.ID, "error", err)
			}
		}
	}
	return nil
}

// Health aggregates container status/stats, disk usage from df, session
// count from the cache and uptime from the container start time.
func (p *Provisioner) Health(ctx context.Context, workspaceID string) (*Health, error) {
	status, err := p.driver.Status(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	h := &Health{Status: status}
	if status != container.StatusRunning {
		return h, nil
	}

	if stats, err := p.driver.Stats(ctx, workspaceID); err == nil {
		h.Stats = stats
	} else {
		p.logger.Warn("Failed to read container stats", "workspace_id", workspaceID, "error", err)
	}

	if used, total, err := p.diskUsage(ctx, workspaceID); err == nil {
		h.DiskUsed = used
		h.DiskTotal = total
	}

	if n, err := p.cache.SessionCount(ctx, workspaceID); err == nil {
		h.SessionCount = n
	}

	if startedAt, err := p.driver.StartedAt(ctx, workspaceID); err == nil && !startedAt.IsZero() {
		h.UptimeSec = int64(time.Since(startedAt).Seconds())
	}

	return h, nil
}

func (p *Provisioner) diskUsage(ctx context.Context, workspaceID string) (used, total int64, err error) {
	res, err := p.driver.Exec(ctx, workspaceID, []string{"df", "-B1", container.HomeDir}, container.ExecOptions{})
	if err != nil {
		return 0, 0, err
	}
	if res.ExitCode != 0 {
		return 0, 0, fmt.Errorf("df exited %d", res.ExitCode)
	}
	return ParseDF(res.Output)
}

// ParseDF extracts used/total bytes from `df -B1` output.
func ParseDF(output string) (used, total int64, err error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("unexpected df output")
	}
	fields := strings.Fields(lines[len(lines)-1])
	// 设备名太长时 df 折行，数据行缺第一列
	switch {
	case len(fields) >= 6:
		total, _ = strconv.ParseInt(fields[1], 10, 64)
		used, _ = strconv.ParseInt(fields[2], 10, 64)
	case len(fields) == 5:
		total, _ = strconv.ParseInt(fields[0], 10, 64)
		used, _ = strconv.ParseInt(fields[1], 10, 64)
	default:
		return 0, 0, fmt.Errorf("unexpected df output")
	}
	return used, total, nil
}
