package gateway

import "github.com/coder/websocket"

// Frame 是客户端连接上的双向 JSON 消息。每条消息一个 JSON 对象。
type Frame struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// 客户端发送 input / resize / ping；网关发送 output / ready / reconnect /
// error / pong。ready 之后才会出现 output；reconnect 只在重连时出现一次，
// 携带整个回放缓冲。
const (
	FrameInput     = "input"
	FrameOutput    = "output"
	FrameResize    = "resize"
	FramePing      = "ping"
	FramePong      = "pong"
	FrameError     = "error"
	FrameReady     = "ready"
	FrameReconnect = "reconnect"
)

// Geometry bounds; anything outside is rejected at connect and ignored on
// resize frames.
const (
	minCols = 20
	maxCols = 500
	minRows = 5
	maxRows = 300
)

// Close codes surfaced to the client.
const (
	CloseNormal        = websocket.StatusNormalClosure
	CloseGoingAway     = websocket.StatusGoingAway
	CloseMissingParams = websocket.StatusCode(4001)
	CloseAuthFailed    = websocket.StatusCode(4002)
	CloseAccessDenied  = websocket.StatusCode(4003)
	CloseSetupFailed   = websocket.StatusCode(4004)
)

// TmuxSessionName 是容器内 multiplexer 会话的命名约定，
// 在单个容器内由 session id 保证唯一。
func TmuxSessionName(sessionID string) string {
	return "termflux-" + sessionID
}
