package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtualClock_Order(t *testing.T) {
	c := NewVirtualClock()
	var fired []string
	c.Schedule(3*time.Second, func() { fired = append(fired, "c") })
	c.Schedule(1*time.Second, func() { fired = append(fired, "a") })
	c.Schedule(1*time.Second, func() { fired = append(fired, "b") })
	h := c.Schedule(2*time.Second, func() { fired = append(fired, "x") })
	c.Cancel(h)
	c.Cancel(h)

	assert.Equal(t, 3, c.Pending())
	assert.Equal(t, 3, c.Run(0))
	assert.Equal(t, []string{"a", "b", "c"}, fired, "同一时刻按调度顺序执行，已取消的事件不执行")
	assert.Equal(t, 3*time.Second, c.Now())
}

func TestVirtualClock_RunUntil(t *testing.T) {
	c := NewVirtualClock()
	count := 0
	var tick func()
	tick = func() {
		count++
		c.Schedule(time.Second, tick)
	}
	c.Schedule(time.Second, tick)

	c.RunUntil(5500 * time.Millisecond)
	assert.Equal(t, 5, count)
	assert.Equal(t, 5500*time.Millisecond, c.Now(), "时间推进到截止点")

	c.Advance(time.Second)
	assert.Equal(t, 6, count)
}

func TestManager_ResetAndCancel(t *testing.T) {
	c := NewVirtualClock()
	m := NewManager(c)
	fired := map[string]int{}

	m.Reset("rto", time.Second, func() { fired["rto"]++ })
	m.Reset("persist", 2*time.Second, func() { fired["persist"]++ })
	assert.Equal(t, 2, m.GetTimerCount())
	assert.Equal(t, time.Second, m.DelayLeft("rto"))

	// 重新调度会取消旧实例
	c.Advance(500 * time.Millisecond)
	m.Reset("rto", time.Second, func() { fired["rto"]++ })
	assert.Equal(t, time.Second, m.DelayLeft("rto"))

	assert.True(t, m.Cancel("persist"))
	assert.False(t, m.Cancel("persist"), "重复取消无效果")
	assert.False(t, m.IsRunning("persist"))

	c.Run(0)
	assert.Equal(t, 1, fired["rto"], "旧的rto实例不应触发")
	assert.Equal(t, 0, fired["persist"])
	assert.False(t, m.IsRunning("rto"))
	assert.Equal(t, time.Duration(0), m.DelayLeft("rto"))
}

func TestManager_StopAll(t *testing.T) {
	c := NewVirtualClock()
	m := NewManager(c)
	m.Reset("a", time.Second, func() { t.Fatal("不应触发") })
	m.Reset("b", time.Second, func() { t.Fatal("不应触发") })
	m.StopAll()
	assert.Equal(t, 0, m.GetTimerCount())
	assert.Equal(t, 0, c.Pending())
}

// hookLocker 加锁前执行一次hook，模拟回调等待锁期间另一方修改了定时器
type hookLocker struct {
	sync.Mutex
	hook  func()
	locks int
}

func (l *hookLocker) Lock() {
	if h := l.hook; h != nil {
		l.hook = nil
		h()
	}
	l.Mutex.Lock()
	l.locks++
}

func TestManager_GuardedExpiry(t *testing.T) {
	c := NewVirtualClock()
	m := NewManager(c)
	g := &hookLocker{}
	m.SetGuard(g)
	fired := 0

	// 回调等锁期间被取消
	m.Reset("rto", time.Second, func() { fired++ })
	g.hook = func() { require.True(t, m.Cancel("rto")) }
	c.Run(0)
	assert.Equal(t, 0, fired, "持锁后发现已取消，回调不执行")
	assert.Equal(t, 1, g.locks)
	assert.False(t, m.IsRunning("rto"))

	// 回调等锁期间被重新调度，只有新实例执行
	m.Reset("rto", time.Second, func() { fired++ })
	g.hook = func() { m.Reset("rto", 2*time.Second, func() { fired += 10 }) }
	c.Run(0)
	assert.Equal(t, 10, fired, "旧实例不执行，新实例按新的截止时间执行")
	assert.Equal(t, 3, g.locks)
	assert.Equal(t, 4*time.Second, c.Now())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(time.Second, time.Minute))
	assert.Equal(t, time.Minute, Backoff(40*time.Second, time.Minute), "不超过上限")
	assert.Equal(t, time.Minute, Backoff(time.Minute, time.Minute))
}
