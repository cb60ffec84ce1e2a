package chat

import (
	"context"
	"time"

	"PPRealtime/logger"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// HeartbeatMonitor 周期检查 alive 标记：false 则强制断开并回收，true 则清零并发 ping
type HeartbeatMonitor struct {
	hub      *Hub
	interval time.Duration
	clk      clock.Clock
	metrics  *Metrics
}

func NewHeartbeatMonitor(hub *Hub, interval time.Duration, clk clock.Clock, metrics *Metrics) *HeartbeatMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &HeartbeatMonitor{hub: hub, interval: interval, clk: clk, metrics: metrics}
}

// Run 阻塞直到 ctx 结束
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	t := m.clk.Ticker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Sweep 一轮检查，返回被回收的连接数
func (m *HeartbeatMonitor) Sweep() int {
	reaped := 0
	for _, c := range m.hub.Registry().All() {
		if !c.clearAlive() {
			// 上一轮 ping 之后没有 pong：半开连接
			logger.Info("[Heartbeat] reap silent connection",
				zap.String("conn", c.ID),
				zap.String("user", c.UserID()),
				zap.Time("lastPong", c.LastPongAt()))
			c.Terminate()
			m.hub.Drop(c)
			m.metrics.connReaped()
			reaped++
			continue
		}
		if err := c.Ping(); err != nil {
			logger.Debug("[Heartbeat] ping failed", zap.String("conn", c.ID), zap.Error(err))
		}
	}
	m.hub.RefreshPresence()
	return reaped
}
