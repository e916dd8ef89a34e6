package timer

import (
	"sync"
	"time"
)

// Timer 按名称管理的一次性定时器状态：已调度的截止时间或未调度
type Timer struct {
	id       string        // 定时器唯一标识
	deadline time.Duration // 截止时间（调度器时间）
	handle   Handle        // 调度器句柄
	gen      uint64        // 每次重新调度递增，用于识别过期回调
	running  bool
}

// Manager 定时器管理器，所有定时器共用一个调度器
type Manager struct {
	mu     sync.Mutex
	clock  Scheduler
	guard  sync.Locker
	timers map[string]*Timer
}

func NewManager(clock Scheduler) *Manager {
	return &Manager{
		clock:  clock,
		timers: make(map[string]*Timer),
	}
}

// SetGuard 设置到期回调的外部锁
//
// 设置后，到期时先持有guard再检查定时器是否仍然有效，回调在持有guard期间执行并由guard.Unlock收尾。
// 在guard保护下的Cancel和Reset因此总能阻止旧回调执行。
func (m *Manager) SetGuard(guard sync.Locker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guard = guard
}

// Clock 底层调度器
func (m *Manager) Clock() Scheduler {
	return m.clock
}

// Reset 在delay之后触发callback；同名定时器正在运行时先取消
func (m *Manager) Reset(id string, delay time.Duration, callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[id]
	if !ok {
		t = &Timer{id: id}
		m.timers[id] = t
	}
	if t.running {
		m.clock.Cancel(t.handle)
	}
	t.gen++
	gen := t.gen
	t.running = true
	t.deadline = m.clock.Now() + delay
	guard := m.guard
	t.handle = m.clock.Schedule(delay, func() {
		if guard != nil {
			guard.Lock()
			defer guard.Unlock()
		}
		m.mu.Lock()
		if t.gen != gen || !t.running {
			m.mu.Unlock()
			return
		}
		t.running = false
		m.mu.Unlock()
		callback()
	})
}

// Cancel 取消定时器，返回取消前是否在运行
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[id]
	if !ok || !t.running {
		return false
	}
	m.clock.Cancel(t.handle)
	t.running = false
	t.gen++
	return true
}

// IsRunning 定时器是否已调度且尚未触发
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[id]
	return ok && t.running
}

// DelayLeft 距离触发的剩余时间，未运行时为0
func (m *Manager) DelayLeft(id string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[id]
	if !ok || !t.running {
		return 0
	}
	left := t.deadline - m.clock.Now()
	if left < 0 {
		return 0
	}
	return left
}

// StopAll 取消所有定时器
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.timers {
		if t.running {
			m.clock.Cancel(t.handle)
			t.running = false
			t.gen++
		}
	}
}

// GetTimerCount 正在运行的定时器数量
func (m *Manager) GetTimerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.timers {
		if t.running {
			n++
		}
	}
	return n
}

// Backoff 指数退避：当前值翻倍，不超过max
func Backoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next <= 0 || next > max {
		return max
	}
	return next
}
