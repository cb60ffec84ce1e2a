package client

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"PPRealtime/protocol"
	"PPRealtime/tools/errs"
)

// Priority 断线期间排队信封的发送优先级
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// QueuedEnvelope 排队项
type QueuedEnvelope struct {
	Envelope   *protocol.Envelope `json:"envelope"`
	Priority   Priority           `json:"priority"`
	NeedAck    bool               `json:"needAck"`
	Seq        uint64             `json:"seq"`
	EnqueuedAt int64              `json:"enqueuedAt"`
}

// QueueStore 排队内容的持久化
type QueueStore interface {
	Load() ([]QueuedEnvelope, error)
	Save(items []QueuedEnvelope) error
}

// MemQueueStore 不落盘
type MemQueueStore struct{}

func (MemQueueStore) Load() ([]QueuedEnvelope, error) { return nil, nil }
func (MemQueueStore) Save([]QueuedEnvelope) error     { return nil }

// FileQueueStore 整体写 JSON 文件，先写临时文件再 rename
type FileQueueStore struct {
	Path string
}

func (s FileQueueStore) Load() ([]QueuedEnvelope, error) {
	raw, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "read outbox", "path", s.Path)
	}
	var items []QueuedEnvelope
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errs.WrapMsg(err, "parse outbox", "path", s.Path)
	}
	return items, nil
}

func (s FileQueueStore) Save(items []QueuedEnvelope) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return errs.WrapMsg(err, "encode outbox")
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return errs.WrapMsg(err, "mkdir outbox", "path", s.Path)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errs.WrapMsg(err, "write outbox", "path", tmp)
	}
	return errs.Wrap(os.Rename(tmp, s.Path))
}

// OutgoingQueue 有界；满了丢最老的一条
type OutgoingQueue struct {
	mu    sync.Mutex
	cap   int
	seq   uint64
	items []QueuedEnvelope
	store QueueStore
}

func NewOutgoingQueue(capacity int, store QueueStore) (*OutgoingQueue, error) {
	if capacity <= 0 {
		capacity = 500
	}
	if store == nil {
		store = MemQueueStore{}
	}
	q := &OutgoingQueue{cap: capacity, store: store}
	items, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Envelope == nil {
			continue
		}
		if it.Seq > q.seq {
			q.seq = it.Seq
		}
		q.items = append(q.items, it)
	}
	q.trimLocked()
	return q, nil
}

// Push 入队；返回被挤掉的那条（没有则为 nil）
func (q *OutgoingQueue) Push(it QueuedEnvelope) (*QueuedEnvelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	it.Seq = q.seq
	q.items = append(q.items, it)
	dropped := q.trimLocked()
	return dropped, q.store.Save(q.items)
}

// Requeue 写失败的条目放回去，保留原序号
func (q *OutgoingQueue) Requeue(items []QueuedEnvelope) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]QueuedEnvelope(nil), items...), q.items...)
	q.trimLocked()
	return q.store.Save(q.items)
}

func (q *OutgoingQueue) trimLocked() *QueuedEnvelope {
	if len(q.items) <= q.cap {
		return nil
	}
	sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].Seq < q.items[j].Seq })
	var last QueuedEnvelope
	for len(q.items) > q.cap {
		last = q.items[0]
		q.items = q.items[1:]
	}
	return &last
}

// Drain 取出全部：high > normal > low，同优先级按入队顺序
func (q *OutgoingQueue) Drain() ([]QueuedEnvelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out, q.store.Save(nil)
}

// TakeNeedAck 取出所有等 ack 的条目，其余留在队列
func (q *OutgoingQueue) TakeNeedAck() ([]QueuedEnvelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var taken, rest []QueuedEnvelope
	for _, it := range q.items {
		if it.NeedAck {
			taken = append(taken, it)
		} else {
			rest = append(rest, it)
		}
	}
	if len(taken) == 0 {
		return nil, nil
	}
	q.items = rest
	return taken, q.store.Save(q.items)
}

func (q *OutgoingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
