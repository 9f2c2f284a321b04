package cache

import "time"

// Session 是路由权威记录：gateway 依据它定位容器与 tmux 会话。
// 关系库中的行只负责历史查询。
type Session struct {
	ID          string
	WorkspaceID string
	UserID      string
	ContainerID string
	TmuxName    string
	WindowIndex int
	Cols        int
	Rows        int
	Status      string
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

type Workspace struct {
	ID          string
	UserID      string
	ContainerID string
	Status      string
}

const (
	// SessionTTL 会话及其回放缓冲的存活时间，任何写操作都会刷新
	SessionTTL = 24 * time.Hour

	// BufferCap 回放缓冲保留的输出片段数
	BufferCap = 1000
)

func sessionKey(id string) string           { return "session:" + id }
func sessionBufferKey(id string) string     { return "session:" + id + ":buffer" }
func workspaceKey(id string) string         { return "workspace:" + id }
func workspaceSessionsKey(id string) string { return "workspace:" + id + ":sessions" }
func userSessionsKey(id string) string      { return "user:" + id + ":sessions" }
func userWorkspacesKey(id string) string    { return "user:" + id + ":workspaces" }
func authTokenKey(token string) string      { return "auth:" + token }
