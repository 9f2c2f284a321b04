package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// capAdd 是 drop ALL 之后重新授予的能力集合。
// 覆盖普通开发环境需要的文件/进程/网络操作，不含任何提权入口。
var capAdd = strslice.StrSlice{
	"CHOWN", "DAC_OVERRIDE", "FOWNER", "FSETID", "KILL",
	"SETGID", "SETUID", "SETPCAP", "NET_BIND_SERVICE",
	"SYS_CHROOT", "MKNOD", "AUDIT_WRITE", "SETFCAP",
}

// Driver is a typed facade over the docker daemon for workspace containers.
// All containers it creates carry the managed label and hardened defaults.
type Driver struct {
	client *client.Client
	image  string
	logger *slog.Logger
}

func NewDriver(client *client.Client, defaultImage string, logger *slog.Logger) *Driver {
	return &Driver{
		client: client,
		image:  defaultImage,
		logger: logger.With("component", "container-driver"),
	}
}

// Provision creates (or recreates) the workspace container and its named
// volume, starts it, and returns the container ID.
func (d *Driver) Provision(ctx context.Context, cfg WorkspaceConfig) (string, error) {
	l := d.logger.With(slog.String("workspace_id", cfg.WorkspaceID))

	img := cfg.Image
	if img == "" {
		img = d.image
	}

	if err := d.ensureImage(ctx, img); err != nil {
		return "", err
	}

	// 持久卷挂载到 /home/dev，VolumeCreate 对已存在的卷是幂等的
	volName := VolumeName(cfg.WorkspaceID)
	if _, err := d.client.VolumeCreate(ctx, volume.CreateOptions{
		Name: volName,
		Labels: map[string]string{
			ManagedLabel:   "true",
			WorkspaceLabel: cfg.WorkspaceID,
		},
	}); err != nil {
		return "", fmt.Errorf("%w: create volume: %v", ErrBackend, err)
	}

	name := ContainerName(cfg.WorkspaceID)

	// 同名容器先强制移除，失败则视为冲突
	if err := d.removeByName(ctx, name); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConflict, name, err)
	}

	env := []string{
		"WORKSPACE_ID=" + cfg.WorkspaceID,
		"USER_ID=" + cfg.UserID,
		"TERM=xterm-256color",
		"HOME=" + HomeDir,
	}
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	memBytes := cfg.MemoryMiB << 20

	config := &container.Config{
		Image:      img,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Env:        env,
		User:       "1000:1000",
		WorkingDir: HomeDir,
		Labels: map[string]string{
			ManagedLabel:   "true",
			WorkspaceLabel: cfg.WorkspaceID,
			"termflux.user_id": cfg.UserID,
		},
	}

	pidsLimit := int64(256)
	hostConfig := &container.HostConfig{
		Binds: []string{volName + ":" + HomeDir},
		Resources: container.Resources{
			NanoCPUs:   cfg.CPUCores * 1e9,
			Memory:     memBytes,
			MemorySwap: memBytes * 2,
			PidsLimit:  &pidsLimit,
		},
		CapDrop:     strslice.StrSlice{"ALL"},
		CapAdd:      capAdd,
		SecurityOpt: []string{"no-new-privileges"},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		LogConfig: container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": "10m",
				"max-file": "3",
			},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", fmt.Errorf("%w: %s: %v", ErrConflict, name, err)
		}
		if errdefs.IsInvalidArgument(err) {
			return "", fmt.Errorf("%w: %v", ErrResource, err)
		}
		return "", fmt.Errorf("%w: create container: %v", ErrBackend, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		if errdefs.IsInvalidArgument(err) {
			return "", fmt.Errorf("%w: %v", ErrResource, err)
		}
		return "", fmt.Errorf("%w: start container: %v", ErrBackend, err)
	}

	l.Info("Container provisioned",
		"container_id", resp.ID,
		"cpu_cores", cfg.CPUCores,
		"memory_mib", cfg.MemoryMiB,
	)
	return resp.ID, nil
}

func (d *Driver) ensureImage(ctx context.Context, img string) error {
	_, err := d.client.ImageInspect(ctx, img)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: inspect image: %v", ErrBackend, err)
	}

	d.logger.Info("Image not found, pulling...", "image", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	defer reader.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
		}
		d.logger.Info("Image pull completed", "image", img)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
	}
}

func (d *Driver) removeByName(ctx context.Context, name string) error {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Exec runs argv inside the workspace container and waits for completion.
// Output is the combined stdout/stderr with the docker stream framing
// stripped. No timeout is imposed here; callers own the deadline via ctx.
func (d *Driver) Exec(ctx context.Context, workspaceID string, argv []string, opts ExecOptions) (*ExecResult, error) {
	workDir := opts.WorkingDir
	if workDir == "" {
		workDir = HomeDir
	}
	user := opts.User
	if user == "" {
		user = "1000:1000"
	}

	createOpts := container.ExecOptions{
		User:         user,
		Cmd:          argv,
		Env:          opts.Env,
		WorkingDir:   workDir,
		Tty:          false,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := d.client.ContainerExecCreate(ctx, ContainerName(workspaceID), createOpts)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: create exec: %v", ErrExecFailed, err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: false})
	if err != nil {
		return nil, fmt.Errorf("%w: attach exec: %v", ErrExecFailed, err)
	}
	defer attach.Close()

	// TTY=false 时 docker 使用 8 字节多路复用帧，stdcopy 负责剥离。
	// stdout/stderr 合并进同一个 buffer。
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = stdcopy.StdCopy(&buf, &buf, attach.Reader)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspect, err := d.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect exec: %v", ErrExecFailed, err)
	}

	return &ExecResult{
		Output:   buf.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Stream is a hijacked bidirectional byte stream to a TTY exec.
// The caller owns its lifetime.
type Stream struct {
	hijack types.HijackedResponse
}

func (s *Stream) Read(p []byte) (int, error)  { return s.hijack.Reader.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.hijack.Conn.Write(p) }
func (s *Stream) Close() error {
	s.hijack.Close()
	return nil
}

// AttachStream opens a hijacked TTY stream running argv inside the workspace
// container. Used by the terminal gateway for multiplexer attach; bytes pass
// through unframed because the exec is TTY-backed.
func (d *Driver) AttachStream(ctx context.Context, workspaceID string, argv []string) (*Stream, error) {
	createOpts := container.ExecOptions{
		User:         "1000:1000",
		Cmd:          argv,
		Env:          []string{"TERM=xterm-256color"},
		WorkingDir:   HomeDir,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := d.client.ContainerExecCreate(ctx, ContainerName(workspaceID), createOpts)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: create exec: %v", ErrExecFailed, err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("%w: attach exec: %v", ErrExecFailed, err)
	}

	return &Stream{hijack: attach}, nil
}

func (d *Driver) Status(ctx context.Context, workspaceID string) (Status, error) {
	inspect, err := d.client.ContainerInspect(ctx, ContainerName(workspaceID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusNotFound, nil
		}
		return "", fmt.Errorf("%w: inspect: %v", ErrBackend, err)
	}
	if inspect.State != nil && inspect.State.Running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

// StartedAt returns the container start time from inspect, for uptime reporting.
func (d *Driver) StartedAt(ctx context.Context, workspaceID string) (time.Time, error) {
	inspect, err := d.client.ContainerInspect(ctx, ContainerName(workspaceID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("%w: inspect: %v", ErrBackend, err)
	}
	if inspect.State == nil {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse started_at: %w", err)
	}
	return t, nil
}

func (d *Driver) Stats(ctx context.Context, workspaceID string) (*Stats, error) {
	resp, err := d.client.ContainerStatsOneShot(ctx, ContainerName(workspaceID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: stats: %v", ErrBackend, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode stats: %v", ErrBackend, err)
	}

	stats := &Stats{
		MemUsed:  raw.MemoryStats.Usage,
		MemLimit: raw.MemoryStats.Limit,
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta >= 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		stats.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
	}

	for _, n := range raw.Networks {
		stats.NetRx += n.RxBytes
		stats.NetTx += n.TxBytes
	}

	return stats, nil
}

// Stop stops the workspace container. A missing container is not an error.
func (d *Driver) Stop(ctx context.Context, workspaceID string, graceSec int) error {
	err := d.client.ContainerStop(ctx, ContainerName(workspaceID), container.StopOptions{Timeout: &graceSec})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: stop: %v", ErrBackend, err)
	}
	return nil
}

// Remove force-removes the container; the named volume is kept unless
// removeVolume is set, so a retried provision can reuse the home directory.
func (d *Driver) Remove(ctx context.Context, workspaceID string, removeVolume bool) error {
	err := d.client.ContainerRemove(ctx, ContainerName(workspaceID), container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: remove: %v", ErrBackend, err)
	}

	if removeVolume {
		err := d.client.VolumeRemove(ctx, VolumeName(workspaceID), true)
		if err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: remove volume: %v", ErrBackend, err)
		}
	}
	return nil
}

// List returns handles for every container carrying the managed label.
func (d *Driver) List(ctx context.Context) ([]Handle, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrBackend, err)
	}

	handles := make([]Handle, 0, len(containers))
	for _, c := range containers {
		status := StatusStopped
		if c.State == "running" {
			status = StatusRunning
		}
		handles = append(handles, Handle{
			ContainerID: c.ID,
			WorkspaceID: c.Labels[WorkspaceLabel],
			Status:      status,
		})
	}
	return handles, nil
}

// Cleanup removes managed containers that have been stopped for longer than
// age. Returns the number removed.
func (d *Driver) Cleanup(ctx context.Context, age time.Duration) (int, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: list: %v", ErrBackend, err)
	}

	cutoff := time.Now().Add(-age)
	removed := 0
	for _, c := range containers {
		if c.State == "running" {
			continue
		}
		inspect, err := d.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue
		}
		finished, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		if err != nil || finished.After(cutoff) {
			continue
		}
		if err := d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Warn("Failed to remove stale container", "container_id", c.ID, "error", err)
			continue
		}
		d.logger.Info("Removed stale container",
			"container_id", c.ID,
			"workspace_id", c.Labels[WorkspaceLabel],
			"stopped_for", time.Since(finished).Round(time.Second).String(),
		)
		removed++
	}
	return removed, nil
}

func formatMode(mode int64) string {
	return "0" + strconv.FormatInt(mode, 8)
}
