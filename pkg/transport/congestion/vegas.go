package congestion

import (
	"time"

	"github.com/junbin-yang/scpstp-go/api"
)

// ------------------------------
// Vegas拥塞控制算法实现（基于延迟的拥塞控制）
// 特点：通过比较预期吞吐量和实际吞吐量检测拥塞，避免等到丢包才反应
// ------------------------------

type Vegas struct {
	alpha uint32 // 排队段数下限，低于此值增加窗口
	beta  uint32 // 排队段数上限，高于此值减少窗口
	gamma uint32 // 慢启动阶段允许的排队段数

	baseRTT  time.Duration // 全局最小RTT
	minRTT   time.Duration // 本轮最小RTT
	cntRTT   uint32        // 本轮RTT样本数
	roundEnd time.Duration // 本轮结束时间
	enabled  bool
	reno     NewReno // 样本不足时退化为Reno增长
}

func NewVegas() *Vegas {
	return &Vegas{
		alpha:   2,
		beta:    4,
		gamma:   1,
		enabled: true,
	}
}

func (v *Vegas) Name() string { return "vegas" }

// Vegas对丢包的处理更保守（丢包通常意味着严重拥塞）：阈值减半
func (v *Vegas) GetSsThresh(s *SocketState, bytesInFlight uint32) uint32 {
	return halfFlight(s, bytesInFlight)
}

func (v *Vegas) PktsAcked(s *SocketState, segsAcked uint32, rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	if v.baseRTT == 0 || rtt < v.baseRTT {
		v.baseRTT = rtt
	}
	if v.minRTT == 0 || rtt < v.minRTT {
		v.minRTT = rtt
	}
	v.cntRTT++
}

func (v *Vegas) IncreaseWindow(s *SocketState, segsAcked uint32) {
	if !v.enabled || v.cntRTT <= 2 || v.minRTT == 0 {
		// 样本太少，无法可靠比较吞吐量
		v.reno.IncreaseWindow(s, segsAcked)
		return
	}
	if s.Now < v.roundEnd {
		if s.InSlowStart() {
			slowStart(s, segsAcked)
		}
		return
	}

	// 预期吞吐量 cwnd/baseRTT 与实际吞吐量 cwnd/minRTT 之差换算为排队中的段数
	segCwnd := s.CWnd / s.SegmentSize
	target := uint32(uint64(segCwnd) * uint64(v.baseRTT) / uint64(v.minRTT))
	diff := segCwnd - target
	if target > segCwnd {
		diff = 0
	}

	switch {
	case diff > v.gamma && s.InSlowStart():
		// 慢启动阶段出现排队：退出慢启动
		if w := (target + 1) * s.SegmentSize; w < s.CWnd {
			s.CWnd = w
		}
		s.SsThresh = v.GetSsThresh(s, s.CWnd)
	case s.InSlowStart():
		slowStart(s, segsAcked)
	case diff > v.beta:
		// 严重拥塞：减少窗口
		if s.CWnd > 2*s.SegmentSize {
			s.CWnd -= s.SegmentSize
		}
		if s.SsThresh > s.CWnd-s.SegmentSize {
			s.SsThresh = s.CWnd - s.SegmentSize
		}
	case diff < v.alpha:
		// 无拥塞：增加窗口
		s.CWnd += s.SegmentSize
	}
	// 介于alpha和beta之间：保持窗口不变

	if floor := s.CWnd / 4 * 3; s.SsThresh < floor {
		s.SsThresh = floor
	}
	v.roundEnd = s.Now + v.minRTT
	v.cntRTT = 0
	v.minRTT = 0
}

func (v *Vegas) CongestionStateSet(s *SocketState, state api.CongState) {
	switch state {
	case api.CongOpen:
		v.enabled = true
		v.roundEnd = s.Now
		v.cntRTT = 0
		v.minRTT = 0
	default:
		v.enabled = false
	}
}

func (v *Vegas) CwndEvent(s *SocketState, ev CwndEvent) {}
