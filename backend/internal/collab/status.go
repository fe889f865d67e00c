package collab

// Status 是同步会话的状态机：
// Disconnected -> Connecting -> Syncing -> Connected
// 任何阶段出错回到 Disconnected（可重连）或 Error（需要人工介入）。
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusSyncing
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusSyncing:
		return "syncing"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	}
	return "unknown"
}
