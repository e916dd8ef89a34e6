package simulation

import (
	"math"
	"math/rand"
	"time"

	"github.com/junbin-yang/scpstp-go/api"
	"github.com/junbin-yang/scpstp-go/pkg/utils/timer"
)

// IP与UDP封装开销，计入串行化时间
const encapOverhead = 28

// DropReason 报文被链路丢弃的原因
type DropReason uint8

const (
	DropNone DropReason = iota
	DropCorruption
	DropCongestion
	DropOutage
)

var dropReasonNames = [...]string{"none", "corruption", "congestion", "outage"}

func (r DropReason) String() string {
	if int(r) < len(dropReasonNames) {
		return dropReasonNames[r]
	}
	return "unknown"
}

// LossType 丢包原因对应的连接分类
func (r DropReason) LossType() api.LossType {
	switch r {
	case DropCongestion:
		return api.LossCongestion
	case DropOutage:
		return api.LossLinkOutage
	}
	return api.LossCorruption
}

// LinkStats 单向链路统计
type LinkStats struct {
	Packets           uint64
	Bytes             uint64
	Delivered         uint64
	DroppedCorruption uint64
	DroppedCongestion uint64
	DroppedOutage     uint64
	Marked            uint64 // 打了CE标记的报文
}

// Link 单向链路：先进先出的发送队列，按速率串行化后经过固定传播时延到达
type Link struct {
	cfg       LinkConfig
	clock     timer.Scheduler
	rng       *rand.Rand
	busyUntil time.Duration
	stats     LinkStats
}

func NewLink(cfg LinkConfig, clock timer.Scheduler, rng *rand.Rand) *Link {
	return &Link{cfg: cfg, clock: clock, rng: rng}
}

func (l *Link) Stats() LinkStats { return l.stats }

// InOutage 时刻t是否处于中断窗口
func (l *Link) InOutage(t time.Duration) bool {
	for _, o := range l.cfg.Outages {
		if t >= o.Start && t < o.End() {
			return true
		}
	}
	return false
}

// backlog 队列中尚未串行化完的字节数
func (l *Link) backlog(now time.Duration) uint64 {
	if l.cfg.Rate == 0 || l.busyUntil <= now {
		return 0
	}
	return uint64(float64(l.busyUntil-now) * float64(l.cfg.Rate) / 8 / float64(time.Second))
}

func (l *Link) serialization(bytes int) time.Duration {
	if l.cfg.Rate == 0 {
		return 0
	}
	return time.Duration(float64(bytes*8) / float64(l.cfg.Rate) * float64(time.Second))
}

// Transmit 发送一个长度为n的报文，返回到达前的时延、是否打CE标记以及丢弃原因
func (l *Link) Transmit(n int, ect bool) (time.Duration, bool, DropReason) {
	now := l.clock.Now()
	size := n + encapOverhead
	l.stats.Packets++
	l.stats.Bytes += uint64(size)

	if l.InOutage(now) {
		l.stats.DroppedOutage++
		return 0, false, DropOutage
	}

	mark := false
	if limit := uint64(l.cfg.QueueLimit); limit > 0 {
		q := l.backlog(now)
		if q+uint64(size) > limit {
			l.stats.DroppedCongestion++
			return 0, false, DropCongestion
		}
		if l.cfg.ECN && ect && q > limit/2 {
			mark = true
			l.stats.Marked++
		}
	}

	start := max(now, l.busyUntil)
	l.busyUntil = start + l.serialization(size)

	// 误码的报文同样占用链路时间
	if l.cfg.BER > 0 {
		pErr := 1 - math.Pow(1-l.cfg.BER, float64(size*8))
		if l.rng.Float64() < pErr {
			l.stats.DroppedCorruption++
			return 0, false, DropCorruption
		}
	}
	l.stats.Delivered++
	return l.busyUntil - now + l.cfg.Delay, mark, DropNone
}
