package congestion

import (
	"time"

	"github.com/junbin-yang/scpstp-go/api"
)

// SocketState 拥塞控制相关的连接状态，由Controller持有并交给策略读写
type SocketState struct {
	CWnd          uint32        // 拥塞窗口（字节）
	SsThresh      uint32        // 慢启动阈值（字节）
	SegmentSize   uint32        // MSS（字节）
	InitialCwnd   uint32        // 初始窗口（段数）
	CongState     api.CongState // 当前拥塞状态
	BytesInFlight uint32        // 最近一次计算的在途字节数
	LastRTT       time.Duration // 最近一次RTT采样
	MinRTT        time.Duration // 最小RTT
	Now           time.Duration // 当前时间（调度器时间）
}

// InSlowStart 是否处于慢启动阶段
func (s *SocketState) InSlowStart() bool {
	return s.CWnd < s.SsThresh
}

// CwndEvent 拥塞窗口事件
type CwndEvent uint8

const (
	EventLoss          CwndEvent = iota // 超时丢包
	EventCompleteCwr                    // 降窗结束
	EventDelayedAck                     // 延迟确认
	EventNonDelayedAck                  // 立即确认
	EventEcnIsCE                        // 收到CE标记
)

// Strategy 拥塞控制算法，只负责窗口计算
type Strategy interface {
	Name() string
	// GetSsThresh 丢包后的慢启动阈值
	GetSsThresh(s *SocketState, bytesInFlight uint32) uint32
	// IncreaseWindow 收到新确认后增长窗口
	IncreaseWindow(s *SocketState, segsAcked uint32)
	// PktsAcked 每个确认的段与RTT样本
	PktsAcked(s *SocketState, segsAcked uint32, rtt time.Duration)
	CongestionStateSet(s *SocketState, state api.CongState)
	CwndEvent(s *SocketState, ev CwndEvent)
}

// RecoveryStrategy 快速恢复期间的窗口调整
type RecoveryStrategy interface {
	Name() string
	EnterRecovery(s *SocketState, dupAcks, unackBytes, deliveredBytes uint32)
	DoRecovery(s *SocketState, deliveredBytes uint32)
	ExitRecovery(s *SocketState)
	UpdateBytesSent(n uint32)
}

// slowStart 慢启动：每个确认段增加一个MSS，不超过ssthresh，返回剩余未消耗的段数
func slowStart(s *SocketState, segsAcked uint32) uint32 {
	if segsAcked == 0 {
		return 0
	}
	before := s.CWnd
	grown := uint64(s.CWnd) + uint64(segsAcked)*uint64(s.SegmentSize)
	if grown > uint64(s.SsThresh) {
		grown = uint64(s.SsThresh)
	}
	s.CWnd = uint32(grown)
	used := (s.CWnd - before) / s.SegmentSize
	if used >= segsAcked {
		return 0
	}
	return segsAcked - used
}

// halfFlight 在途字节的一半，不小于2个MSS
func halfFlight(s *SocketState, bytesInFlight uint32) uint32 {
	half := bytesInFlight / 2
	if min := 2 * s.SegmentSize; half < min {
		return min
	}
	return half
}
