package workspace

import (
	"errors"

	"termflux/internal/container"
)

var ErrNotFound = errors.New("workspace not found")

// ProvisionRequest 描述一次完整的首次启动。除资源配置外的所有环节都可选，
// 缺省即跳过。
type ProvisionRequest struct {
	Name      string            `json:"name"`
	UserID    string            `json:"user_id"`
	OrgID     string            `json:"org_id,omitempty"`
	Image     string            `json:"image,omitempty"`
	CPUCores  int64             `json:"cpu_cores"`
	MemoryMiB int64             `json:"memory_mib"`
	DiskMiB   int64             `json:"disk_mib"`
	Env       map[string]string `json:"env,omitempty"`

	SSHKey      *SSHKeyConfig   `json:"ssh_key,omitempty"`
	GPGKey      *GPGKeyConfig   `json:"gpg_key,omitempty"`
	GitIdentity *GitIdentity    `json:"git_identity,omitempty"`
	Dotfiles    *DotfilesConfig `json:"dotfiles,omitempty"`
	Apps        []string        `json:"apps,omitempty"`
	Repos       []RepoClone     `json:"repos,omitempty"`
	Startup     string          `json:"startup_script,omitempty"`
}

type SSHKeyConfig struct {
	PrivateKey string `json:"private_key"`
}

type GPGKeyConfig struct {
	ArmoredKey string `json:"armored_key"`
	KeyID      string `json:"key_id"`
}

type GitIdentity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// DotfilesConfig 三种来源可以并存：先 clone（可跑安装脚本或默认符号链接），
// 再落 inline 文件。
type DotfilesConfig struct {
	RepoURL       string            `json:"repo_url,omitempty"`
	InstallScript string            `json:"install_script,omitempty"`
	Files         map[string]string `json:"files,omitempty"`
}

type RepoClone struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
	Path   string `json:"path"`
}

// Health aggregates the live view of one workspace.
type Health struct {
	Status       container.Status `json:"status"`
	Stats        *container.Stats `json:"stats,omitempty"`
	DiskUsed     int64            `json:"disk_used"`
	DiskTotal    int64            `json:"disk_total"`
	SessionCount int              `json:"session_count"`
	UptimeSec    int64            `json:"uptime_sec"`
}

// 首启时依赖的容器内路径
const (
	envFile     = container.HomeDir + "/.termflux_env"
	bashrcPath  = container.HomeDir + "/.bashrc"
	envSentinel = "# termflux: workspace environment"
)

// dotfileLinks are the files default-symlinked from a cloned dotfiles repo
// when no install script is given.
var dotfileLinks = []string{".bashrc", ".zshrc", ".vimrc", ".tmux.conf", ".gitconfig"}

const sshConfig = `Host github.com
  HostName github.com
  User git
  IdentityFile ~/.ssh/id_ed25519

Host gitlab.com
  HostName gitlab.com
  User git
  IdentityFile ~/.ssh/id_ed25519

Host bitbucket.org
  HostName bitbucket.org
  User git
  IdentityFile ~/.ssh/id_ed25519

Host *
  StrictHostKeyChecking accept-new
  AddKeysToAgent yes
`
