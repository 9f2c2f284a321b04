package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"termflux/internal/cache"
	"termflux/internal/container"
	"termflux/internal/eventbus"
	"termflux/internal/monitor"
	"termflux/internal/secret"
	"termflux/internal/store"
)

// Provisioner orchestrates the first-boot sequence and workspace lifecycle.
// The filesystem layout and registration always run; the steps after them
// are individually optional. Any failure after the container start rolls the
// container back without touching the volume, so a retry can resume against
// the same home directory.
type Provisioner struct {
	driver  *container.Driver
	cache   *cache.Cache
	repo    *store.Repository
	secrets *secret.Store
	bus     eventbus.EventBus
	logger  *slog.Logger
}

func NewProvisioner(driver *container.Driver, c *cache.Cache, repo *store.Repository, secrets *secret.Store, bus eventbus.EventBus, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		driver:  driver,
		cache:   c,
		repo:    repo,
		secrets: secrets,
		bus:     bus,
		logger:  logger.With("component", "provisioner"),
	}
}

func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (*store.WorkspaceModel, error) {
	start := time.Now()

	envJSON, _ := json.Marshal(req.Env)
	model := &store.WorkspaceModel{
		Name:      req.Name,
		UserID:    req.UserID,
		OrgID:     req.OrgID,
		Status:    store.WorkspaceCreating,
		CPUCores:  req.CPUCores,
		MemoryMiB: req.MemoryMiB,
		DiskMiB:   req.DiskMiB,
		Env:       envJSON,
	}
	if err := p.repo.CreateWorkspace(ctx, model); err != nil {
		return nil, fmt.Errorf("persist workspace: %w", err)
	}

	l := p.logger.With(slog.String("workspace_id", model.ID))

	// step 1: 容器 + 基础文件布局
	containerID, err := p.driver.Provision(ctx, container.WorkspaceConfig{
		WorkspaceID: model.ID,
		UserID:      req.UserID,
		Image:       req.Image,
		CPUCores:    req.CPUCores,
		MemoryMiB:   req.MemoryMiB,
		DiskMiB:     req.DiskMiB,
		Env:         req.Env,
	})
	if err != nil {
		monitor.ProvisionErrors.Inc()
		_ = p.repo.UpdateWorkspaceStatus(ctx, model.ID, store.WorkspaceError, "")
		return nil, err
	}

	if err := p.firstBoot(ctx, model.ID, containerID, req); err != nil {
		monitor.ProvisionErrors.Inc()
		l.Error("First boot failed, rolling back container", "error", err)
		// 保留卷，幂等重试可以继续用同一个 home 目录
		_ = p.driver.Remove(context.Background(), model.ID, false)
		_ = p.repo.UpdateWorkspaceStatus(ctx, model.ID, store.WorkspaceError, "")
		_ = p.cache.SetWorkspaceStatus(ctx, model.ID, string(store.WorkspaceError))
		p.publish(model.ID, eventbus.EventWorkspaceError, err.Error())
		return nil, err
	}

	model.Status = store.WorkspaceRunning
	model.ContainerID = containerID

	monitor.ProvisionLatency.Observe(time.Since(start).Seconds())
	l.Info("Workspace provisioned", "container_id", containerID, "took", time.Since(start).Round(time.Millisecond).String())
	return model, nil
}

// firstBoot runs steps 1b–11. The workspace is registered as running right
// after the filesystem layout so that health probes and the terminal gateway
// agree with the container state for the remainder of the sequence.
func (p *Provisioner) firstBoot(ctx context.Context, workspaceID, containerID string, req ProvisionRequest) error {
	if err := p.driver.InitFilesystem(ctx, workspaceID); err != nil {
		return fmt.Errorf("init filesystem: %w", err)
	}

	// step 2: 注册为 running
	if err := p.repo.UpdateWorkspaceStatus(ctx, workspaceID, store.WorkspaceRunning, containerID); err != nil {
		return fmt.Errorf("register workspace: %w", err)
	}
	if err := p.cache.SetWorkspace(ctx, &cache.Workspace{
		ID:          workspaceID,
		UserID:      req.UserID,
		ContainerID: containerID,
		Status:      string(store.WorkspaceRunning),
	}); err != nil {
		return fmt.Errorf("cache workspace: %w", err)
	}

	// step 3: SSH key
	if req.SSHKey != nil && req.SSHKey.PrivateKey != "" {
		if err := p.installSSHKey(ctx, workspaceID, req.SSHKey); err != nil {
			return fmt.Errorf("install ssh key: %w", err)
		}
	}

	// step 4: GPG key
	if req.GPGKey != nil && req.GPGKey.ArmoredKey != "" {
		if err := p.importGPGKey(ctx, workspaceID, req.GPGKey); err != nil {
			return fmt.Errorf("import gpg key: %w", err)
		}
	}

	// step 5: git identity
	if req.GitIdentity != nil {
		if err := p.configureGit(ctx, workspaceID, req.GitIdentity); err != nil {
			return fmt.Errorf("configure git identity: %w", err)
		}
	}

	// step 6: dotfiles
	if req.Dotfiles != nil {
		if err := p.setupDotfiles(ctx, workspaceID, req.Dotfiles); err != nil {
			return fmt.Errorf("setup dotfiles: %w", err)
		}
	}

	// step 7: app installs
	for _, appName := range req.Apps {
		if err := p.installApp(ctx, workspaceID, appName); err != nil {
			return fmt.Errorf("install app %s: %w", appName, err)
		}
	}

	// step 8: repo clones
	for _, repo := range req.Repos {
		if err := p.cloneRepo(ctx, workspaceID, repo); err != nil {
			return fmt.Errorf("clone %s: %w", repo.URL, err)
		}
	}

	// step 9: secrets
	if err := p.secrets.InjectIntoContainer(ctx, workspaceID); err != nil {
		return fmt.Errorf("inject secrets: %w", err)
	}

	// step 10: workspace env 文件
	if len(req.Env) > 0 {
		if err := p.writeEnvFile(ctx, workspaceID, req.Env); err != nil {
			return fmt.Errorf("write env file: %w", err)
		}
	}

	// step 11: startup script
	if req.Startup != "" {
		res, err := p.driver.Exec(ctx, workspaceID, []string{"sh", "-c", req.Startup}, container.ExecOptions{})
		if err != nil {
			return fmt.Errorf("startup script: %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("startup script exited %d: %s", res.ExitCode, tail(res.Output, 512))
		}
	}

	return nil
}

func (p *Provisioner) installSSHKey(ctx context.Context, workspaceID string, key *SSHKeyConfig) error {
	pk := key.PrivateKey
	if !strings.HasSuffix(pk, "\n") {
		pk += "\n"
	}
	if err := p.driver.WriteFile(ctx, workspaceID, container.HomeDir+"/.ssh/id_ed25519", []byte(pk), 0600); err != nil {
		return err
	}
	return p.driver.WriteFile(ctx, workspaceID, container.HomeDir+"/.ssh/config", []byte(sshConfig), 0600)
}

func (p *Provisioner) importGPGKey(ctx context.Context, workspaceID string, key *GPGKeyConfig) error {
	keyPath := "/tmp/import.gpg"
	if err := p.driver.WriteFile(ctx, workspaceID, keyPath, []byte(key.ArmoredKey), 0600); err != nil {
		return err
	}
	res, err := p.driver.Exec(ctx, workspaceID, []string{"sh", "-c",
		fmt.Sprintf("gpg --batch --import %s && rm -f %s", keyPath, keyPath)}, container.ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("gpg import exited %d: %s", res.ExitCode, tail(res.Output, 512))
	}

	args := []string{"git", "config", "--global", "commit.gpgsign", "true"}
	if _, err := p.driver.Exec(ctx, workspaceID, args, container.ExecOptions{}); err != nil {
		return err
	}
	if key.KeyID != "" {
		_, err = p.driver.Exec(ctx, workspaceID,
			[]string{"git", "config", "--global", "user.signingkey", key.KeyID}, container.ExecOptions{})
	}
	return err
}

func (p *Provisioner) configureGit(ctx context.Context, workspaceID string, id *GitIdentity) error {
	if id.Name != "" {
		res, err := p.driver.Exec(ctx, workspaceID,
			[]string{"git", "config", "--global", "user.name", id.Name}, container.ExecOptions{})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("git config user.name exited %d", res.ExitCode)
		}
	}
	if id.Email != "" {
		res, err := p.driver.Exec(ctx, workspaceID,
			[]string{"git", "config", "--global", "user.email", id.Email}, container.ExecOptions{})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("git config user.email exited %d", res.ExitCode)
		}
	}
	return nil
}

func (p *Provisioner) setupDotfiles(ctx context.Context, workspaceID string, cfg *DotfilesConfig) error {
	if cfg.RepoURL != "" {
		res, err := p.driver.Exec(ctx, workspaceID,
			[]string{"git", "clone", "--depth", "1", cfg.RepoURL, container.HomeDir + "/.dotfiles"},
			container.ExecOptions{})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("dotfiles clone exited %d: %s", res.ExitCode, tail(res.Output, 512))
		}

		if cfg.InstallScript != "" {
			res, err := p.driver.Exec(ctx, workspaceID,
				[]string{"sh", "-c", "cd ~/.dotfiles && sh " + cfg.InstallScript},
				container.ExecOptions{})
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("dotfiles install script exited %d: %s", res.ExitCode, tail(res.Output, 512))
			}
		} else {
			// 没有安装脚本就把常见文件直接符号链接过去
			for _, name := range dotfileLinks {
				script := fmt.Sprintf("[ -f ~/.dotfiles/%s ] && ln -sf ~/.dotfiles/%s ~/%s || true", name, name, name)
				if _, err := p.driver.Exec(ctx, workspaceID, []string{"sh", "-c", script}, container.ExecOptions{}); err != nil {
					return err
				}
			}
		}
	}

	for path, content := range cfg.Files {
		if !strings.HasPrefix(path, "/") {
			path = container.HomeDir + "/" + path
		}
		if err := p.driver.WriteFile(ctx, workspaceID, path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

// installApp looks the app up in the catalog, runs its install script with
// the declared config env, and records the install.
func (p *Provisioner) installApp(ctx context.Context, workspaceID, appName string) error {
	app, err := p.repo.GetAppByName(ctx, appName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("app %q not in catalog", appName)
		}
		return err
	}

	var env []string
	if len(app.ConfigEnv) > 0 {
		var cfgEnv map[string]string
		if err := json.Unmarshal(app.ConfigEnv, &cfgEnv); err == nil {
			for k, v := range cfgEnv {
				env = append(env, k+"="+v)
			}
		}
	}

	res, err := p.driver.Exec(ctx, workspaceID, []string{"sh", "-c", app.InstallScript}, container.ExecOptions{Env: env})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("install script exited %d: %s", res.ExitCode, tail(res.Output, 512))
	}

	if err := p.repo.RecordAppInstall(ctx, workspaceID, app.ID); err != nil {
		return fmt.Errorf("record install: %w", err)
	}
	p.logger.Info("App installed", "workspace_id", workspaceID, "app", appName)
	return nil
}

func (p *Provisioner) cloneRepo(ctx context.Context, workspaceID string, repo RepoClone) error {
	args := []string{"git", "clone"}
	if repo.Branch != "" {
		args = append(args, "-b", repo.Branch)
	}
	path := repo.Path
	if path == "" {
		path = "projects/" + strings.TrimSuffix(lastPathSegment(repo.URL), ".git")
	}
	args = append(args, repo.URL, path)

	res, err := p.driver.Exec(ctx, workspaceID, args, container.ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git clone exited %d: %s", res.ExitCode, tail(res.Output, 512))
	}
	return nil
}

func (p *Provisioner) writeEnvFile(ctx context.Context, workspaceID string, env map[string]string) error {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	content := secret.FormatEnvFile(env, sortedCopy(names))

	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		if line == "" {
			continue
		}
		sb.WriteString("export ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	if err := p.driver.WriteFile(ctx, workspaceID, envFile, []byte(sb.String()), 0600); err != nil {
		return err
	}
	sourceLine := fmt.Sprintf("[ -f %s ] && source %s", envFile, envFile)
	return p.driver.AppendLineOnce(ctx, workspaceID, bashrcPath, envSentinel, sourceLine)
}

func (p *Provisioner) publish(workspaceID string, typ eventbus.EventType, detail string) {
	if p.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.bus.Publish(ctx, workspaceID, eventbus.Event{
		Type:    typ,
		Payload: map[string]string{"detail": detail},
	}); err != nil {
		p.logger.Warn("Failed to publish workspace event", "workspace_id", workspaceID, "error", err)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func lastPathSegment(url string) string {
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		return url[i+1:]
	}
	return url
}

func sortedCopy(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
