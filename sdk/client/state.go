package client

import (
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// connState 一个 Client 独占的连接状态，只在 Client.mu 下读写
type connState struct {
	state   State
	attempt int    // 连续失败次数
	gen     uint64 // 连接代数；旧 goroutine 据此退出

	started    bool
	closing    bool
	primary    bool
	route      string
	authFailed bool
	expired    bool // 4003，等待 TokenRefreshed
	exhausted  bool
	immediate  bool // 心跳超时：下一次不等退避
	healthy    bool // 当前连接收到过 pong
	holder     bool // 已向协调器宣告 connected

	userID   string
	ws       *websocket.Conn
	retry    *clock.Timer
	retrySeq uint64
}
