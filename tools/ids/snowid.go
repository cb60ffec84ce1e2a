package ids

import (
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Generator 雪花 ID：41 位毫秒时间戳 | 10 位节点 | 12 位序列
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	seq      int64
	lastTSMS int64
	now      func() time.Time
}

// NewGenerator nodeID 取值 0~1023，越界回落到 1
func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > maxNode {
		nodeID = 1
	}
	return &Generator{nodeID: nodeID, now: time.Now}
}

var (
	defaultGen = NewGenerator(1)
	defaultMu  sync.RWMutex
)

// SetNodeID 在 main() 初始化时调用，替换默认生成器
func SetNodeID(nodeID int64) {
	defaultMu.Lock()
	defaultGen = NewGenerator(nodeID)
	defaultMu.Unlock()
}

func Default() *Generator {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultGen
}

// Generate 默认生成器生成一个新的雪花ID
func Generate() int64 { return Default().Next() }

func GenerateString() string { return strconv.FormatInt(Generate(), 10) }

func (g *Generator) NextString() string { return strconv.FormatInt(g.Next(), 10) }

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	if now < g.lastTSMS {
		// 时钟回拨：沿用上一个时间戳继续递增序列
		now = g.lastTSMS
	}
	if now == g.lastTSMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// 序列溢出，借用下一毫秒
			now = g.lastTSMS + 1
		}
	} else {
		g.seq = 0
	}
	g.lastTSMS = now

	ts := (now - epoch) & (1<<41 - 1)
	return ts<<(nodeBits+seqBits) | g.nodeID<<seqBits | g.seq
}

// Time 还原 ID 中的时间戳
func Time(id int64) time.Time {
	return time.UnixMilli(id>>(nodeBits+seqBits) + epoch)
}
