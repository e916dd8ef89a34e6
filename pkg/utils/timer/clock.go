// 提供定时调度功能：离散事件虚拟时钟，以及按名称管理的一次性定时器
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Handle 已调度事件的句柄，0表示无效句柄
type Handle uint64

// Scheduler 调度器接口，连接只通过它感知时间
type Scheduler interface {
	// Now 自时钟起点以来经过的时间
	Now() time.Duration
	// Schedule 在after之后执行cb
	Schedule(after time.Duration, cb func()) Handle
	// Cancel 取消尚未执行的事件，对已执行或无效的句柄无效果
	Cancel(h Handle)
}

type event struct {
	at     time.Duration
	seq    uint64 // 同一时刻按调度顺序执行
	handle Handle
	cb     func()
	index  int
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].at == q[j].at {
		return q[i].seq < q[j].seq
	}
	return q[i].at < q[j].at
}
func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *eventQueue) Push(x any) {
	e := x.(*event)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	e.index = -1
	return e
}

// VirtualClock 离散事件虚拟时钟
// 时间只在Step/RunUntil中推进，回调在调用者的协程中依次执行完毕
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	queue   eventQueue
	pending map[Handle]*event
}

func NewVirtualClock() *VirtualClock {
	return &VirtualClock{pending: make(map[Handle]*event)}
}

func (c *VirtualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) Schedule(after time.Duration, cb func()) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if after < 0 {
		after = 0
	}
	c.seq++
	e := &event{at: c.now + after, seq: c.seq, handle: Handle(c.seq), cb: cb}
	heap.Push(&c.queue, e)
	c.pending[e.handle] = e
	return e.handle
}

func (c *VirtualClock) Cancel(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pending[h]; ok {
		heap.Remove(&c.queue, e.index)
		delete(c.pending, h)
	}
}

// Pending 尚未执行的事件数
func (c *VirtualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// NextAt 下一个事件的时间
func (c *VirtualClock) NextAt() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return 0, false
	}
	return c.queue[0].at, true
}

// Step 执行下一个事件，没有事件时返回false
func (c *VirtualClock) Step() bool {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	e := heap.Pop(&c.queue).(*event)
	delete(c.pending, e.handle)
	c.now = e.at
	c.mu.Unlock()
	e.cb()
	return true
}

// RunUntil 执行deadline之前（含）的所有事件，随后把时间推进到deadline
func (c *VirtualClock) RunUntil(deadline time.Duration) {
	for {
		at, ok := c.NextAt()
		if !ok || at > deadline {
			break
		}
		c.Step()
	}
	c.mu.Lock()
	if c.now < deadline {
		c.now = deadline
	}
	c.mu.Unlock()
}

// Advance 在当前时间基础上推进d
func (c *VirtualClock) Advance(d time.Duration) {
	c.RunUntil(c.Now() + d)
}

// Run 执行事件直到队列为空或执行数达到limit（limit<=0表示不限制），返回执行数
func (c *VirtualClock) Run(limit int) int {
	n := 0
	for (limit <= 0 || n < limit) && c.Step() {
		n++
	}
	return n
}
