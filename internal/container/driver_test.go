package container_test

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/client"

	"termflux/internal/container"
)

const (
	testImage   = "alpine:latest"
	testTimeout = 60 * time.Second
)

// TestHarness 管理测试基础设施
type TestHarness struct {
	t          *testing.T
	client     *client.Client
	driver     *container.Driver
	workspaces []string
}

func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("Docker client unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		t.Skipf("Docker daemon unavailable: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	return &TestHarness{
		t:      t,
		client: cli,
		driver: container.NewDriver(cli, testImage, logger),
	}
}

func (h *TestHarness) Provision(workspaceID string) string {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	id, err := h.driver.Provision(ctx, container.WorkspaceConfig{
		WorkspaceID: workspaceID,
		UserID:      "test-user",
		CPUCores:    1,
		MemoryMiB:   256,
	})
	if err != nil {
		h.t.Fatalf("Provision: %v", err)
	}
	h.workspaces = append(h.workspaces, workspaceID)
	return id
}

func (h *TestHarness) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, ws := range h.workspaces {
		_ = h.driver.Remove(ctx, ws, true)
	}
	h.client.Close()
}

func TestProvisionAndStatus(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()

	ws := "it-" + timestamp()
	id := h.Provision(ws)
	if id == "" {
		t.Fatal("empty container id")
	}

	ctx := context.Background()
	status, err := h.driver.Status(ctx, ws)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != container.StatusRunning {
		t.Fatalf("status = %s, want running", status)
	}

	// 重复 provision 会先移除同名容器
	if _, err := h.driver.Provision(ctx, container.WorkspaceConfig{
		WorkspaceID: ws,
		UserID:      "test-user",
		CPUCores:    1,
		MemoryMiB:   256,
	}); err != nil {
		t.Fatalf("re-Provision: %v", err)
	}
}

func TestExecCapturesCombinedOutput(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()

	ws := "it-" + timestamp()
	h.Provision(ws)

	ctx := context.Background()
	res, err := h.driver.Exec(ctx, ws, []string{"sh", "-c", "echo out; echo err >&2; exit 3"}, container.ExecOptions{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Fatalf("output = %q, want combined stdout+stderr", res.Output)
	}
}

func TestExecEnvironment(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()

	ws := "it-" + timestamp()
	h.Provision(ws)

	ctx := context.Background()
	res, err := h.driver.Exec(ctx, ws, []string{"sh", "-c", "echo $WORKSPACE_ID:$TERM:$EXTRA"}, container.ExecOptions{
		Env: []string{"EXTRA=extra-value"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	out := strings.TrimSpace(res.Output)
	if !strings.Contains(out, ws) || !strings.Contains(out, "extra-value") {
		t.Fatalf("env output = %q", out)
	}
}

func TestWriteFileAndInit(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()

	ws := "it-" + timestamp()
	h.Provision(ws)

	ctx := context.Background()
	if err := h.driver.InitFilesystem(ctx, ws); err != nil {
		t.Fatalf("InitFilesystem: %v", err)
	}

	// 目录结构与默认配置
	res, err := h.driver.Exec(ctx, ws, []string{"sh", "-c",
		"test -d ~/.config && test -d ~/.ssh && test -d ~/projects && test -f ~/.bashrc && test -f ~/.tmux.conf"},
		container.ExecOptions{})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("layout check failed: exit %d, err %v", res.ExitCode, err)
	}

	// .ssh 目录权限 0700
	res, err = h.driver.Exec(ctx, ws, []string{"stat", "-c", "%a", "/home/dev/.ssh"}, container.ExecOptions{})
	if err != nil || strings.TrimSpace(res.Output) != "700" {
		t.Fatalf("ssh dir mode = %q (%v)", res.Output, err)
	}

	if err := h.driver.WriteFile(ctx, ws, "/home/dev/.termflux_env", []byte("export X=1\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	res, err = h.driver.Exec(ctx, ws, []string{"stat", "-c", "%a", "/home/dev/.termflux_env"}, container.ExecOptions{})
	if err != nil || strings.TrimSpace(res.Output) != "600" {
		t.Fatalf("env file mode = %q (%v)", res.Output, err)
	}
}

func TestStopRemoveList(t *testing.T) {
	h := NewTestHarness(t)
	defer h.Cleanup()

	ws := "it-" + timestamp()
	h.Provision(ws)

	ctx := context.Background()

	handles, err := h.driver.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, handle := range handles {
		if handle.WorkspaceID == ws {
			found = true
		}
	}
	if !found {
		t.Fatalf("workspace %s missing from List()", ws)
	}

	if err := h.driver.Stop(ctx, ws, 2); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	status, _ := h.driver.Status(ctx, ws)
	if status != container.StatusStopped {
		t.Fatalf("status after stop = %s", status)
	}

	if err := h.driver.Remove(ctx, ws, true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	status, _ = h.driver.Status(ctx, ws)
	if status != container.StatusNotFound {
		t.Fatalf("status after remove = %s", status)
	}

	// not_found 不是错误
	if err := h.driver.Stop(ctx, ws, 2); err != nil {
		t.Fatalf("Stop on missing container: %v", err)
	}
	if err := h.driver.Remove(ctx, ws, true); err != nil {
		t.Fatalf("Remove on missing container: %v", err)
	}
}

func timestamp() string {
	return time.Now().Format("150405.000000")
}
