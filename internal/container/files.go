package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/docker/docker/api/types/container"
)

// WriteFile places a single file inside the workspace container via a tar
// upload, owned by the workspace user. Parent directories are created first.
func (d *Driver) WriteFile(ctx context.Context, workspaceID, filePath string, content []byte, mode int64) error {
	dir := path.Dir(filePath)
	if _, err := d.Exec(ctx, workspaceID, []string{"mkdir", "-p", dir}, ExecOptions{}); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name: path.Base(filePath),
		Mode: mode,
		Size: int64(len(content)),
		Uid:  1000,
		Gid:  1000,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("tar write: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close: %w", err)
	}

	err := d.client.CopyToContainer(ctx, ContainerName(workspaceID), dir, &buf, container.CopyToContainerOptions{
		AllowOverwriteDirWithFile: true,
	})
	if err != nil {
		return fmt.Errorf("%w: copy to container: %v", ErrBackend, err)
	}

	// CopyToContainer 不保证 mode 位在所有 storage driver 上一致，再 chmod 一次
	if _, err := d.Exec(ctx, workspaceID, []string{"chmod", formatMode(mode), filePath}, ExecOptions{}); err != nil {
		return err
	}
	return nil
}

// FileExists reports whether a regular file exists inside the container.
func (d *Driver) FileExists(ctx context.Context, workspaceID, filePath string) (bool, error) {
	res, err := d.Exec(ctx, workspaceID, []string{"test", "-f", filePath}, ExecOptions{})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// AppendLineOnce appends line to filePath guarded by a sentinel comment, so
// repeated calls leave a single copy.
func (d *Driver) AppendLineOnce(ctx context.Context, workspaceID, filePath, sentinel, line string) error {
	script := fmt.Sprintf(
		"grep -qF %q %s 2>/dev/null || printf '\\n%s\\n%s\\n' >> %s",
		sentinel, filePath, sentinel, line, filePath,
	)
	res, err := d.Exec(ctx, workspaceID, []string{"sh", "-c", script}, ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: append to %s: %s", ErrExecFailed, filePath, res.Output)
	}
	return nil
}
