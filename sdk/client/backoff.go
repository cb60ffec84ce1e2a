package client

import (
	"math"
	"time"
)

// Backoff 指数退避：min(Max, Base*2^attempt) * jitter
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int     // 连续失败上限，到达后停止直到显式重置
	JitterMin   float64 // 默认 0.85
	JitterMax   float64 // 默认 1.15
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 10, JitterMin: 0.85, JitterMax: 1.15}
}

func (b *Backoff) norm() {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Max < b.Base {
		b.Max = max(d.Max, b.Base)
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = d.MaxAttempts
	}
	if b.JitterMin <= 0 || b.JitterMax < b.JitterMin {
		b.JitterMin, b.JitterMax = d.JitterMin, d.JitterMax
	}
}

func (b Backoff) base(attempt int) float64 {
	d := float64(b.Base) * math.Pow(2, float64(attempt))
	return math.Min(d, float64(b.Max))
}

// Delay r ∈ [0,1) 决定抖动位置
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	j := b.JitterMin + (b.JitterMax-b.JitterMin)*r
	return time.Duration(b.base(attempt) * j)
}

// Bounds 某次尝试的延迟上下界
func (b Backoff) Bounds(attempt int) (lo, hi time.Duration) {
	return b.Delay(attempt, 0), b.Delay(attempt, 1)
}
