package container

// WorkspaceConfig 描述一个 workspace 容器的启动参数。
// 资源单位：CPU 为整核数，内存/磁盘为 MiB（见 provision 中的换算）。
type WorkspaceConfig struct {
	WorkspaceID string
	UserID      string
	Image       string
	CPUCores    int64
	MemoryMiB   int64
	DiskMiB     int64
	Env         map[string]string
}

type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusNotFound Status = "not_found"
)

type ExecResult struct {
	Output   string
	ExitCode int
}

type ExecOptions struct {
	Env        []string
	WorkingDir string
	User       string
}

type Stats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemUsed    uint64  `json:"mem_used"`
	MemLimit   uint64  `json:"mem_limit"`
	NetRx      uint64  `json:"net_rx"`
	NetTx      uint64  `json:"net_tx"`
}

type Handle struct {
	ContainerID string
	WorkspaceID string
	Status      Status
}

const (
	// ManagedLabel 标记平台管理的容器，list/cleanup 只认这个 label。
	ManagedLabel   = "termflux.managed"
	WorkspaceLabel = "termflux.workspace_id"

	HomeDir = "/home/dev"
)

func ContainerName(workspaceID string) string {
	return "termflux-" + workspaceID
}

func VolumeName(workspaceID string) string {
	return "termflux-vol-" + workspaceID
}
