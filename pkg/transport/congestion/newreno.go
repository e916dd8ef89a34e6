package congestion

import (
	"time"

	"github.com/junbin-yang/scpstp-go/api"
)

// ------------------------------
// NewReno拥塞控制算法（经典TCP Reno的增长规则）
// 特点：慢启动指数增长，拥塞避免阶段每个窗口增加一个MSS，丢包后阈值减半
// ------------------------------

type NewReno struct {
	cwndCnt uint32 // 拥塞避免阶段累计确认的段数
}

func NewNewReno() *NewReno {
	return &NewReno{}
}

func (r *NewReno) Name() string { return "newreno" }

// GetSsThresh 慢启动阈值 = 在途字节/2，且不小于2个MSS
func (r *NewReno) GetSsThresh(s *SocketState, bytesInFlight uint32) uint32 {
	return halfFlight(s, bytesInFlight)
}

func (r *NewReno) IncreaseWindow(s *SocketState, segsAcked uint32) {
	if s.InSlowStart() {
		segsAcked = slowStart(s, segsAcked)
	}
	if !s.InSlowStart() {
		r.congestionAvoidance(s, segsAcked)
	}
}

// 拥塞避免：每确认一个窗口的段数增加一个MSS
func (r *NewReno) congestionAvoidance(s *SocketState, segsAcked uint32) {
	if segsAcked == 0 {
		return
	}
	w := s.CWnd / s.SegmentSize
	if w == 0 {
		w = 1
	}
	r.cwndCnt += segsAcked
	if r.cwndCnt >= w {
		delta := r.cwndCnt / w
		r.cwndCnt -= delta * w
		s.CWnd += delta * s.SegmentSize
	}
}

func (r *NewReno) PktsAcked(s *SocketState, segsAcked uint32, rtt time.Duration) {}

func (r *NewReno) CongestionStateSet(s *SocketState, state api.CongState) {
	if state == api.CongLoss {
		r.cwndCnt = 0
	}
}

func (r *NewReno) CwndEvent(s *SocketState, ev CwndEvent) {}
