package congestion

import "github.com/junbin-yang/scpstp-go/api"

// ClassicRecovery 经典快速恢复：
// 进入时窗口 = 慢启动阈值 + 重复ACK数*MSS，恢复期间每个重复ACK增加一个MSS，
// 退出时由Controller把窗口收回到慢启动阈值
type ClassicRecovery struct {
	bytesSent uint32
}

func NewClassicRecovery() *ClassicRecovery {
	return &ClassicRecovery{}
}

func (r *ClassicRecovery) Name() string { return "classic" }

func (r *ClassicRecovery) EnterRecovery(s *SocketState, dupAcks, unackBytes, deliveredBytes uint32) {
	r.bytesSent = 0
	s.CWnd = s.SsThresh + dupAcks*s.SegmentSize
}

func (r *ClassicRecovery) DoRecovery(s *SocketState, deliveredBytes uint32) {
	// 只在快速恢复中膨胀窗口，CWR期间保持ssthresh
	if s.CongState == api.CongRecovery {
		s.CWnd += s.SegmentSize
	}
}

func (r *ClassicRecovery) ExitRecovery(s *SocketState) {
	r.bytesSent = 0
}

func (r *ClassicRecovery) UpdateBytesSent(n uint32) {
	r.bytesSent += n
}

// BytesSent 本次恢复期间发送的字节数
func (r *ClassicRecovery) BytesSent() uint32 {
	return r.bytesSent
}
