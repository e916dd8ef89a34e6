package congestion

import (
	"math"
	"time"

	"github.com/junbin-yang/scpstp-go/api"
)

// ------------------------------
// CUBIC拥塞控制算法实现（TCP CUBIC变种）
// 特点：基于时间的拥塞窗口增长，高带宽场景下性能优于传统Reno
// ------------------------------

type Cubic struct {
	beta        float64       // 丢包后窗口缩减系数（通常为0.7）
	c           float64       // CUBIC系数（通常为0.4）
	lastMaxCWnd float64       // 上次拥塞时的最大窗口（段）
	epochStart  time.Duration // 当前拥塞周期开始时间，0表示尚未开始
	originPoint float64       // 本周期的平台窗口（段）
	k           float64       // 窗口恢复到originPoint所需的时间（秒）
	cwndCnt     float64       // 小数部分的窗口增长累计（段）
}

func NewCubic() *Cubic {
	return &Cubic{
		beta: 0.7,
		c:    0.4,
	}
}

func (c *Cubic) Name() string { return "cubic" }

// GetSsThresh 丢包时记录当前窗口为上次最大窗口，窗口缩减为beta倍
func (c *Cubic) GetSsThresh(s *SocketState, bytesInFlight uint32) uint32 {
	segs := float64(s.CWnd) / float64(s.SegmentSize)
	c.lastMaxCWnd = segs
	c.epochStart = 0
	ss := uint32(math.Round(float64(s.CWnd) * c.beta))
	if min := 2 * s.SegmentSize; ss < min {
		return min
	}
	return ss
}

func (c *Cubic) IncreaseWindow(s *SocketState, segsAcked uint32) {
	if s.InSlowStart() {
		segsAcked = slowStart(s, segsAcked)
	}
	if s.InSlowStart() || segsAcked == 0 {
		return
	}

	// 拥塞避免阶段：CUBIC的核心增长公式
	cwnd := float64(s.CWnd) / float64(s.SegmentSize)
	if c.epochStart == 0 {
		c.epochStart = s.Now
		if c.lastMaxCWnd <= cwnd {
			c.k = 0
			c.originPoint = cwnd
		} else {
			// 计算K值：恢复到lastMaxCWnd所需的时间
			c.k = math.Cbrt((c.lastMaxCWnd - cwnd) / c.c)
			c.originPoint = c.lastMaxCWnd
		}
	}
	t := (s.Now - c.epochStart + s.MinRTT).Seconds()
	// 窗口增长公式：target = C*(t-K)^3 + originPoint
	target := c.c*math.Pow(t-c.k, 3) + c.originPoint

	// 每个确认的段增长 (target-cwnd)/cwnd 段，目标低于当前窗口时缓慢增长
	var inc float64
	if target > cwnd {
		inc = (target - cwnd) / cwnd
	} else {
		inc = 0.01 / cwnd
	}
	// 每次增长不超过一个数据包大小
	if inc > 1 {
		inc = 1
	}
	c.cwndCnt += inc * float64(segsAcked)
	if c.cwndCnt >= 1 {
		whole := math.Floor(c.cwndCnt)
		c.cwndCnt -= whole
		s.CWnd += uint32(whole) * s.SegmentSize
	}
}

func (c *Cubic) PktsAcked(s *SocketState, segsAcked uint32, rtt time.Duration) {
	if rtt > 0 && (s.MinRTT == 0 || rtt < s.MinRTT) {
		s.MinRTT = rtt
	}
}

func (c *Cubic) CongestionStateSet(s *SocketState, state api.CongState) {
	if state == api.CongLoss {
		// 重置拥塞周期
		c.epochStart = 0
		c.cwndCnt = 0
	}
}

func (c *Cubic) CwndEvent(s *SocketState, ev CwndEvent) {
	if ev == EventLoss {
		c.epochStart = 0
	}
}
