package store

import (
	"encoding/json"
	"time"
)

// 行模型。权威状态在别处（cache / 引擎内存）的表只负责历史与列表查询。

type WorkspaceStatus string

const (
	WorkspaceCreating WorkspaceStatus = "creating"
	WorkspaceRunning  WorkspaceStatus = "running"
	WorkspaceStopped  WorkspaceStatus = "stopped"
	WorkspaceError    WorkspaceStatus = "error"
)

type WorkspaceModel struct {
	tableName struct{} `pg:"workspaces"`

	ID          string          `json:"id" pg:"id,pk"`
	Name        string          `json:"name" pg:"name,notnull"`
	UserID      string          `json:"user_id" pg:"user_id,notnull"`
	OrgID       string          `json:"org_id" pg:"org_id"`
	Status      WorkspaceStatus `json:"status" pg:"status,notnull"`
	ContainerID string          `json:"container_id" pg:"container_id"`
	CPUCores    int64           `json:"cpu_cores" pg:"cpu_cores,notnull,default:1"`
	MemoryMiB   int64           `json:"memory_mib" pg:"memory_mib,notnull,default:512"`
	DiskMiB     int64           `json:"disk_mib" pg:"disk_mib,notnull,default:2048"`
	Env         json.RawMessage `json:"env" pg:"env,type:jsonb"`
	CreatedAt   time.Time       `json:"created_at" pg:"created_at,notnull,default:now()"`
	UpdatedAt   time.Time       `json:"updated_at" pg:"updated_at,notnull,default:now()"`
}

type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionDisconnected SessionStatus = "disconnected"
	SessionTerminated   SessionStatus = "terminated"
)

type SessionModel struct {
	tableName struct{} `pg:"sessions"`

	ID          string        `json:"id" pg:"id,pk"`
	WorkspaceID string        `json:"workspace_id" pg:"workspace_id,notnull"`
	UserID      string        `json:"user_id" pg:"user_id,notnull"`
	TmuxName    string        `json:"tmux_name" pg:"tmux_name,notnull"`
	WindowIndex int           `json:"window_index" pg:"window_index,notnull,use_zero"`
	Cols        int           `json:"cols" pg:"cols,notnull,default:80"`
	Rows        int           `json:"rows" pg:"rows,notnull,default:24"`
	Status      SessionStatus `json:"status" pg:"status,notnull"`
	CreatedAt   time.Time     `json:"created_at" pg:"created_at,notnull,default:now()"`
	LastSeenAt  time.Time     `json:"last_seen_at" pg:"last_seen_at,notnull,default:now()"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty" pg:"closed_at"`
}

type WorkflowModel struct {
	tableName struct{} `pg:"workflows"`

	ID          string          `json:"id" pg:"id,pk"`
	WorkspaceID string          `json:"workspace_id" pg:"workspace_id,notnull"`
	Name        string          `json:"name" pg:"name,notnull"`
	Definition  json.RawMessage `json:"definition" pg:"definition,type:jsonb,notnull"`
	CreatedAt   time.Time       `json:"created_at" pg:"created_at,notnull,default:now()"`
	UpdatedAt   time.Time       `json:"updated_at" pg:"updated_at,notnull,default:now()"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type WorkflowRunModel struct {
	tableName struct{} `pg:"workflow_runs"`

	ID          string          `json:"id" pg:"id,pk"`
	WorkflowID  string          `json:"workflow_id" pg:"workflow_id,notnull"`
	WorkspaceID string          `json:"workspace_id" pg:"workspace_id,notnull"`
	UserID      string          `json:"user_id" pg:"user_id,notnull"`
	Status      RunStatus       `json:"status" pg:"status,notnull"`
	Results     json.RawMessage `json:"results" pg:"results,type:jsonb"`
	Variables   json.RawMessage `json:"variables" pg:"variables,type:jsonb"`
	Error       string          `json:"error,omitempty" pg:"error"`
	CreatedAt   time.Time       `json:"created_at" pg:"created_at,notnull,default:now()"`
	StartedAt   *time.Time      `json:"started_at,omitempty" pg:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" pg:"completed_at"`
}

type SecretModel struct {
	tableName struct{} `pg:"secrets"`

	ID          string    `json:"id" pg:"id,pk"`
	WorkspaceID string    `json:"workspace_id" pg:"workspace_id,notnull,unique:ws_name"`
	Name        string    `json:"name" pg:"name,notnull,unique:ws_name"`
	Ciphertext  string    `json:"-" pg:"ciphertext,notnull"`
	CreatedAt   time.Time `json:"created_at" pg:"created_at,notnull,default:now()"`
	UpdatedAt   time.Time `json:"updated_at" pg:"updated_at,notnull,default:now()"`
}

type AppModel struct {
	tableName struct{} `pg:"apps"`

	ID            string          `json:"id" pg:"id,pk"`
	Name          string          `json:"name" pg:"name,notnull,unique"`
	InstallScript string          `json:"install_script" pg:"install_script,notnull"`
	ConfigEnv     json.RawMessage `json:"config_env" pg:"config_env,type:jsonb"`
	CreatedAt     time.Time       `json:"created_at" pg:"created_at,notnull,default:now()"`
}

type AppInstallModel struct {
	tableName struct{} `pg:"app_installs"`

	ID          string    `json:"id" pg:"id,pk"`
	WorkspaceID string    `json:"workspace_id" pg:"workspace_id,notnull"`
	AppID       string    `json:"app_id" pg:"app_id,notnull"`
	InstalledAt time.Time `json:"installed_at" pg:"installed_at,notnull,default:now()"`
}

type AuthTokenModel struct {
	tableName struct{} `pg:"auth_tokens"`

	Token     string    `json:"-" pg:"token,pk"`
	UserID    string    `json:"user_id" pg:"user_id,notnull"`
	ExpiresAt time.Time `json:"expires_at" pg:"expires_at,notnull"`
	CreatedAt time.Time `json:"created_at" pg:"created_at,notnull,default:now()"`
}

// Models lists every table for startup auto-migration.
func Models() []any {
	return []any{
		(*WorkspaceModel)(nil),
		(*SessionModel)(nil),
		(*WorkflowModel)(nil),
		(*WorkflowRunModel)(nil),
		(*SecretModel)(nil),
		(*AppModel)(nil),
		(*AppInstallModel)(nil),
		(*AuthTokenModel)(nil),
	}
}
