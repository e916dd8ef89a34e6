// 拥塞控制模块：可替换的窗口增长算法、快速恢复算法，以及根据丢包原因选择响应方式的拥塞状态机
package congestion

import (
	"time"

	"github.com/junbin-yang/scpstp-go/api"
	"github.com/junbin-yang/scpstp-go/pkg/transport/buffer"
	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
	"github.com/junbin-yang/scpstp-go/pkg/utils/logger"
)

// Clock 只需要读取当前时间
type Clock interface {
	Now() time.Duration
}

// ControllerConfig 状态机参数
type ControllerConfig struct {
	SegmentSize     uint32
	InitialCwnd     uint32 // 段数
	InitialSsThresh uint32
	ReTxThresh      uint32
	SackEnabled     bool
	LimitedTransmit bool
}

// CongestionStats 拥塞控制统计信息
type CongestionStats struct {
	CongestionWindow uint32
	Ssthresh         uint32
	State            api.CongState
	LossType         api.LossType
	DupAcks          uint32
	InFlight         uint32
	MinRTT           time.Duration
}

// AckInput 一次确认处理需要的序列号信息
type AckInput struct {
	Ack               seqnum.Value
	OldHead           seqnum.Value // 丢弃已确认数据之前的发送缓冲区首字节
	HighTxMark        seqnum.Value
	HighRxAck         seqnum.Value // 收到过的最高确认号
	ScoreboardUpdated bool         // 本次SACK选项确认了新数据
	WindowUpdate      bool         // 窗口更新或探测应答，不算重复确认
}

// AckAction 状态机要求连接执行的动作
type AckAction struct {
	DupAck          bool // 被判定为重复确认
	Retransmit      bool // 重传一个丢失段
	NewAck          bool // 执行新确认处理
	ResetRTO        bool // 新确认处理时重新计算并重启重传定时器
	LimitedTransmit bool // 允许越过窗口发送一个新段
	EnteredRecovery bool
	CongestionLoss  bool // 进入的恢复按拥塞处理
	ExitedRecovery  bool
}

// RtoInput 重传超时时的发送状态
type RtoInput struct {
	InFlight          uint32 // 标记丢失之前的在途字节
	HighTxMark        seqnum.Value
	HeadRetransmitted bool // 标记丢失之前首段是否已重传过
}

// Controller 拥塞状态机
//
// 窗口的增减交给Strategy和RecoveryStrategy，丢包时按Classifier给出的原因选择响应：
// 拥塞丢包降低窗口，误码丢包只重传，链路中断按误码处理并由连接负责探测
type Controller struct {
	tcb   *SocketState
	cc    Strategy
	rec   RecoveryStrategy
	loss  *Classifier
	tx    *buffer.TxBuffer
	clock Clock
	log   *logger.Logger

	retxThresh  uint32
	sackEnabled bool
	limitedTx   bool

	dupAckCount            uint32
	recover                seqnum.Value // 恢复点：进入恢复时的最高发送序号
	recoverActive          bool
	isCorruptionRecovery   bool
	isFirstPartialAck      bool
	preRecoveryCwnd        uint32
	bytesAckedNotProcessed uint32
}

func NewController(cfg ControllerConfig, cc Strategy, rec RecoveryStrategy, loss *Classifier,
	tx *buffer.TxBuffer, clock Clock, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.Nop()
	}
	c := &Controller{
		tcb: &SocketState{
			SegmentSize: cfg.SegmentSize,
			InitialCwnd: cfg.InitialCwnd,
			CWnd:        cfg.InitialCwnd * cfg.SegmentSize,
			SsThresh:    cfg.InitialSsThresh,
			CongState:   api.CongOpen,
		},
		cc:                cc,
		rec:               rec,
		loss:              loss,
		tx:                tx,
		clock:             clock,
		log:               log,
		retxThresh:        cfg.ReTxThresh,
		sackEnabled:       cfg.SackEnabled,
		limitedTx:         cfg.LimitedTransmit,
		isFirstPartialAck: true,
	}
	if c.retxThresh == 0 {
		c.retxThresh = 3
	}
	return c
}

func (c *Controller) Socket() *SocketState               { return c.tcb }
func (c *Controller) State() api.CongState               { return c.tcb.CongState }
func (c *Controller) CWnd() uint32                       { return c.tcb.CWnd }
func (c *Controller) SsThresh() uint32                   { return c.tcb.SsThresh }
func (c *Controller) DupAckCount() uint32                { return c.dupAckCount }
func (c *Controller) Recover() seqnum.Value              { return c.recover }
func (c *Controller) RecoverActive() bool                { return c.recoverActive }
func (c *Controller) IsCorruptionRecovery() bool         { return c.isCorruptionRecovery }
func (c *Controller) Strategy() Strategy                 { return c.cc }
func (c *Controller) RecoveryStrategy() RecoveryStrategy { return c.rec }
func (c *Controller) Classifier() *Classifier            { return c.loss }
func (c *Controller) SetSackEnabled(on bool)             { c.sackEnabled = on }

// SetSegmentSize 协商后的MSS
func (c *Controller) SetSegmentSize(mss uint32) {
	c.tcb.SegmentSize = mss
}

// InitWindow 握手收到SYN时初始化拥塞窗口，并把恢复点设为初始序号
func (c *Controller) InitWindow(isn seqnum.Value) {
	c.tcb.CWnd = c.tcb.InitialCwnd * c.tcb.SegmentSize
	c.recover = isn
}

// SetCWnd 直接设置窗口（测试与外部重置使用）
func (c *Controller) SetCWnd(cwnd uint32) {
	c.tcb.CWnd = cwnd
}

func (c *Controller) SetSsThresh(ss uint32) {
	c.tcb.SsThresh = ss
}

// UpdateRTT 记录最新RTT样本
func (c *Controller) UpdateRTT(rtt time.Duration) {
	c.tcb.LastRTT = rtt
	if rtt > 0 && (c.tcb.MinRTT == 0 || rtt < c.tcb.MinRTT) {
		c.tcb.MinRTT = rtt
	}
}

// Window 发送窗口：链路中断期间只允许一个MSS的探测
func (c *Controller) Window(rWnd uint32) uint32 {
	if c.loss.IsOutage() {
		return c.tcb.SegmentSize
	}
	if rWnd < c.tcb.CWnd {
		return rWnd
	}
	return c.tcb.CWnd
}

// AvailableWindow 窗口中扣除在途字节后剩余的可发送字节
func (c *Controller) AvailableWindow(rWnd uint32) uint32 {
	win := c.Window(rWnd)
	inflight := c.bytesInFlight()
	if inflight >= win {
		return 0
	}
	return win - inflight
}

func (c *Controller) bytesInFlight() uint32 {
	n := c.tx.BytesInFlight()
	c.tcb.BytesInFlight = n
	return n
}

func (c *Controller) tick() {
	if c.clock != nil {
		c.tcb.Now = c.clock.Now()
	}
}

func (c *Controller) setState(st api.CongState) {
	if c.tcb.CongState != st {
		c.log.Debug("congestion state change",
			logger.Stringer("from", c.tcb.CongState), logger.Stringer("to", st),
			logger.Uint32("cwnd", c.tcb.CWnd), logger.Uint32("ssthresh", c.tcb.SsThresh))
	}
	c.cc.CongestionStateSet(c.tcb, st)
	c.tcb.CongState = st
}

// ProcessAck 处理一个不早于发送缓冲区首字节的确认
// 调用前发送缓冲区已丢弃ack之前的数据
func (c *Controller) ProcessAck(in AckInput) AckAction {
	c.tick()
	var act AckAction
	exited := false
	oldDupAck := c.dupAckCount
	mss := c.tcb.SegmentSize

	var isDupack bool
	if c.sackEnabled {
		isDupack = in.ScoreboardUpdated
	} else {
		isDupack = in.Ack == in.OldHead && in.Ack.LessThan(in.HighTxMark) && !in.WindowUpdate
	}
	if isDupack {
		act.DupAck = true
		c.dupAck(in, &act)
	}

	if in.Ack == in.OldHead {
		// 没有确认新数据：FIN的确认由连接处理
		if in.Ack.LessThan(in.HighTxMark) {
			c.cc.PktsAcked(c.tcb, 1, c.tcb.LastRTT)
		}
		return act
	}
	if !in.Ack.GreaterThan(in.OldHead) {
		return act
	}

	bytesAcked := uint32(in.OldHead.Size(in.Ack))
	segsAcked := bytesAcked / mss
	c.bytesAckedNotProcessed += bytesAcked % mss
	if c.bytesAckedNotProcessed >= mss {
		segsAcked++
		c.bytesAckedNotProcessed -= mss
	}
	if !isDupack {
		c.dupAckCount = 0
	}

	state := c.tcb.CongState
	switch {
	case in.Ack.LessThan(c.recover) && state == api.CongRecovery:
		// 部分确认：继续重传下一个丢失段，不退出恢复
		if !c.sackEnabled {
			c.tx.MarkHeadAsLost()
		}
		if !c.isCorruptionRecovery && segsAcked >= 1 {
			c.rec.DoRecovery(c.tcb, bytesAcked)
		}
		act.Retransmit = true
		c.cc.PktsAcked(c.tcb, 1, c.tcb.LastRTT)
		act.NewAck = true
		act.ResetRTO = c.isFirstPartialAck
		c.isFirstPartialAck = false

	case in.Ack.LessThan(c.recover) && state == api.CongLoss:
		c.cc.PktsAcked(c.tcb, segsAcked, c.tcb.LastRTT)
		c.cc.IncreaseWindow(c.tcb, segsAcked)
		act.NewAck = true
		act.ResetRTO = true

	case state == api.CongCWR:
		c.cc.PktsAcked(c.tcb, segsAcked, c.tcb.LastRTT)
		act.NewAck = true
		act.ResetRTO = true

	default:
		switch state {
		case api.CongOpen:
			c.cc.PktsAcked(c.tcb, segsAcked, c.tcb.LastRTT)
		case api.CongDisorder:
			if segsAcked >= oldDupAck {
				c.cc.PktsAcked(c.tcb, segsAcked-oldDupAck, c.tcb.LastRTT)
			}
			if !isDupack {
				c.setState(api.CongOpen)
			}
		case api.CongRecovery:
			c.isFirstPartialAck = true
			segsAcked = bytesAcked / mss
			c.cc.PktsAcked(c.tcb, segsAcked, c.tcb.LastRTT)
			c.cc.CwndEvent(c.tcb, EventCompleteCwr)
			c.setState(api.CongOpen)
			exited = true
			c.dupAckCount = 0
		case api.CongLoss:
			c.isFirstPartialAck = true
			segsAcked = uint32(c.recover.Size(in.Ack)) / mss
			c.cc.PktsAcked(c.tcb, segsAcked, c.tcb.LastRTT)
			c.setState(api.CongOpen)
		}

		if in.Ack.GreaterThanEq(c.recover) {
			c.recoverActive = false
		}
		if exited {
			act.NewAck = true
			act.ResetRTO = true
			act.ExitedRecovery = true
			c.exitRecovery()
		}
		if c.tcb.CongState == api.CongOpen {
			c.cc.IncreaseWindow(c.tcb, segsAcked)
			act.NewAck = true
			act.ResetRTO = true
		}
	}
	return act
}

func (c *Controller) exitRecovery() {
	if c.isCorruptionRecovery {
		// 误码恢复期间窗口未变，恢复进入时的值
		c.tcb.CWnd = c.preRecoveryCwnd
		c.isCorruptionRecovery = false
		c.log.Debug("corruption recovery finished", logger.Uint32("cwnd", c.tcb.CWnd))
		return
	}
	c.tcb.CWnd = c.tcb.SsThresh
	c.rec.ExitRecovery(c.tcb)
	c.log.Debug("fast recovery finished", logger.Uint32("cwnd", c.tcb.CWnd))
}

func (c *Controller) dupAck(in AckInput, act *AckAction) {
	state := c.tcb.CongState
	if state == api.CongLoss {
		return
	}
	if state != api.CongRecovery {
		c.dupAckCount++
	}
	if state == api.CongOpen {
		c.setState(api.CongDisorder)
		state = api.CongDisorder
	}

	switch state {
	case api.CongRecovery:
		if !c.isCorruptionRecovery {
			c.rec.DoRecovery(c.tcb, 0)
		}
	case api.CongDisorder:
		afterRecover := !in.HighRxAck.LessThan(c.recover) || !c.recoverActive
		if (c.dupAckCount == c.retxThresh && afterRecover) || c.tx.IsLost(in.HighRxAck) {
			c.enterRecovery(in.HighTxMark, act)
		} else if c.limitedTx && c.tx.SizeFromSequence(in.HighTxMark) > 0 {
			act.LimitedTransmit = true
		}
	}
}

func (c *Controller) enterRecovery(highTxMark seqnum.Value, act *AckAction) {
	if !c.sackEnabled || !c.tx.IsHeadLost() {
		c.tx.MarkHeadAsLost()
	}
	c.recover = highTxMark
	c.recoverActive = true
	act.EnteredRecovery = true
	act.Retransmit = true

	if c.loss.IsCongestion() {
		c.isCorruptionRecovery = false
		c.setState(api.CongRecovery)
		inflight := c.bytesInFlight()
		if !c.sackEnabled {
			inflight += c.tcb.SegmentSize
		}
		c.tcb.SsThresh = c.cc.GetSsThresh(c.tcb, inflight)
		c.rec.EnterRecovery(c.tcb, c.dupAckCount, c.tx.SentSize(), 0)
		act.CongestionLoss = true
		c.log.Debug("enter fast recovery",
			logger.Uint32("dupacks", c.dupAckCount), logger.Uint32("ssthresh", c.tcb.SsThresh),
			logger.Uint32("cwnd", c.tcb.CWnd), logger.Uint32("recover", uint32(c.recover)))
		return
	}

	// 误码或链路中断：只重传，不降窗
	c.isCorruptionRecovery = true
	c.preRecoveryCwnd = c.tcb.CWnd
	c.setState(api.CongRecovery)
	c.log.Debug("enter corruption recovery",
		logger.Stringer("loss", c.loss.Get()), logger.Uint32("cwnd", c.tcb.CWnd),
		logger.Uint32("recover", uint32(c.recover)))
}

// EnterCwr 收到有效的ECN回显：降低窗口但不重传
func (c *Controller) EnterCwr(highTxMark seqnum.Value) {
	c.tick()
	c.tcb.SsThresh = c.cc.GetSsThresh(c.tcb, c.bytesInFlight())
	c.setState(api.CongCWR)
	c.recover = highTxMark
	c.rec.EnterRecovery(c.tcb, 0, c.tx.SentSize(), 0)
}

// ExitCwrIfDone 确认越过恢复点时结束CWR，返回是否结束
func (c *Controller) ExitCwrIfDone(ack seqnum.Value) bool {
	if c.tcb.CongState != api.CongCWR || !ack.GreaterThan(c.recover) {
		return false
	}
	c.setState(api.CongOpen)
	c.tcb.CWnd = c.tcb.SsThresh
	c.rec.ExitRecovery(c.tcb)
	c.cc.CwndEvent(c.tcb, EventCompleteCwr)
	return true
}

// OnRetransmitTimeout 重传超时，返回是否按拥塞处理（需要退避RTO并清空RTT历史）
func (c *Controller) OnRetransmitTimeout(in RtoInput) bool {
	c.tick()
	c.dupAckCount = 0
	c.recover = in.HighTxMark
	c.recoverActive = true
	c.isCorruptionRecovery = false

	if c.loss.IsCongestion() {
		// 同一次丢失的重复超时不再降低阈值
		if c.tcb.CongState != api.CongLoss || !in.HeadRetransmitted {
			c.tcb.SsThresh = c.cc.GetSsThresh(c.tcb, in.InFlight)
		}
		c.cc.CwndEvent(c.tcb, EventLoss)
		c.setState(api.CongLoss)
		c.tcb.CWnd = c.tcb.SegmentSize
		c.log.Debug("retransmission timeout as congestion",
			logger.Uint32("ssthresh", c.tcb.SsThresh), logger.Uint32("inflight", in.InFlight))
		return true
	}

	c.setState(api.CongLoss)
	c.log.Debug("retransmission timeout without window reduction",
		logger.Stringer("loss", c.loss.Get()), logger.Uint32("cwnd", c.tcb.CWnd))
	return false
}

// CwndEvent 把连接上发生的确认与ECN事件交给窗口算法
func (c *Controller) CwndEvent(ev CwndEvent) {
	c.cc.CwndEvent(c.tcb, ev)
}

// UpdateBytesSent 恢复或CWR期间发送的字节交给恢复算法
func (c *Controller) UpdateBytesSent(n uint32) {
	if st := c.tcb.CongState; st == api.CongRecovery || st == api.CongCWR {
		c.rec.UpdateBytesSent(n)
	}
}

// GetStatistics 获取当前拥塞控制的统计信息
func (c *Controller) GetStatistics() CongestionStats {
	return CongestionStats{
		CongestionWindow: c.tcb.CWnd,
		Ssthresh:         c.tcb.SsThresh,
		State:            c.tcb.CongState,
		LossType:         c.loss.Get(),
		DupAcks:          c.dupAckCount,
		InFlight:         c.bytesInFlight(),
		MinRTT:           c.tcb.MinRTT,
	}
}
