package scpstp

import (
	"net"
	"time"

	"github.com/junbin-yang/scpstp-go/api"
	"github.com/junbin-yang/scpstp-go/pkg/transport/congestion"
	"github.com/junbin-yang/scpstp-go/pkg/transport/option"
	"github.com/junbin-yang/scpstp-go/pkg/transport/segment"
	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
	"github.com/junbin-yang/scpstp-go/pkg/utils/logger"
)

// 状态处理时忽略的标志位
const ignoredFlags = segment.FlagPSH | segment.FlagURG | segment.FlagECE | segment.FlagCWR

// ReceiveSegment 交付一个来自网络层的报文段
func (c *Connection) ReceiveSegment(seg *segment.Segment, from, to net.Addr) {
	c.mu.Lock()
	defer c.unlock()

	c.stats.SegmentsReceived++
	c.log.Debug("receive segment", logger.Stringer("seg", seg), logger.Stringer("state", c.state))
	c.forwardUp(seg, from, to)
}

func (c *Connection) forwardUp(seg *segment.Segment, from, to net.Addr) {
	flags := seg.Flags
	if c.ecnOn && seg.CE {
		c.ecnRx = ecnRxCeRcvd
		c.ctrl.CwndEvent(congestion.EventEcnIsCE)
	}
	if c.state == api.StateEstablished && flags.Has(segment.FlagCWR) && !flags.Has(segment.FlagRST) &&
		c.ecnRx != ecnRxCeRcvd {
		c.ecnRx = ecnRxIdle
	}

	switch {
	case flags.Has(segment.FlagSYN) && c.handshaking():
		c.processSynOptions(seg)
		if flags.Has(segment.FlagACK) {
			c.estimateRtt(seg)
			c.highRxAck = seg.Ack
		}
	case flags.Has(segment.FlagACK) && !flags.Has(segment.FlagRST):
		if c.tsEnabled {
			if seg.Timestamp == nil {
				c.log.Debug("drop segment without timestamp", logger.Stringer("seg", seg))
				return
			}
			c.tsRecent = seg.Timestamp.Value
		}
		c.estimateRtt(seg)
		c.updateWindowSize(seg)
	}

	c.maybeEnterPersist()

	switch c.state {
	case api.StateClosed:
		c.replyToClosed(seg, from, to)
		return
	case api.StateListen:
		c.processListen(seg, from, to)
	case api.StateSynSent:
		c.processSynSent(seg)
	case api.StateSynRcvd:
		c.processSynRcvd(seg)
	case api.StateEstablished:
		c.processEstablished(seg)
	case api.StateFinWait1, api.StateFinWait2, api.StateCloseWait:
		c.processWait(seg)
	case api.StateClosing:
		c.processClosing(seg)
	case api.StateLastAck:
		c.processLastAck(seg)
	case api.StateTimeWait:
		c.processTimeWait(seg)
	}

	if !c.peerWindowBlocked() && c.timers.Cancel(timerPersist) {
		c.log.Debug("peer window reopened", logger.Uint32("rwnd", c.rWnd))
		c.persistTimeout = c.cfg.PersistTimeout
		c.sendPendingData()
		if c.tx.SentSize() > 0 && !c.timers.IsRunning(timerRetx) {
			c.timers.Reset(timerRetx, c.rto, c.onRetransmitTimeout)
		}
	}
}

func (c *Connection) handshaking() bool {
	switch c.state {
	case api.StateListen, api.StateSynSent, api.StateSynRcvd:
		return true
	}
	return false
}

// processSynOptions 协商窗口缩放、SACK、时间戳与MSS，并初始化拥塞窗口
func (c *Connection) processSynOptions(seg *segment.Segment) {
	c.rWnd = uint32(seg.Window)
	c.lastWnd = c.rWnd
	if seg.HasWindowScale && c.cfg.WindowScaling {
		c.winScaling = true
		c.sndWScale = min(seg.WindowScale, maxWindowShift)
		c.rcvWScale = windowShift(c.cfg.RcvBufSize)
	} else {
		c.winScaling = false
		c.sndWScale = 0
		c.rcvWScale = 0
	}
	if seg.SackPermitted && c.cfg.SackEnabled {
		c.sackEnabled = true
		c.snackEnabled = c.cfg.SnackEnabled
	} else {
		c.sackEnabled = false
		c.snackEnabled = false
	}
	c.ctrl.SetSackEnabled(c.sackEnabled)
	if seg.Timestamp != nil && c.cfg.Timestamps {
		c.tsEnabled = true
		c.tsRecent = seg.Timestamp.Value
	} else {
		c.tsEnabled = false
	}
	if seg.MSS != 0 && uint32(seg.MSS) < c.segmentSize {
		c.segmentSize = uint32(seg.MSS)
		c.tx.SetSegmentSize(c.segmentSize)
		c.ctrl.SetSegmentSize(c.segmentSize)
	}
	c.ctrl.InitWindow(c.isn)
	c.ctrl.SetSsThresh(c.cfg.InitialSsThresh)
	c.highRxMark = seg.Seq
}

// estimateRtt 用最早一条未重传的发送记录或时间戳回显得到RTT样本
func (c *Connection) estimateRtt(seg *segment.Segment) {
	sent, ok := c.history.sample(seg.Ack)
	if !ok {
		return
	}
	now := c.clock.Now()
	var m time.Duration
	if c.tsEnabled && seg.Timestamp != nil {
		m = now - time.Duration(seg.Timestamp.Echo)*time.Millisecond
	} else {
		m = now - sent
	}
	if m <= 0 {
		m = time.Microsecond
	}
	c.rtt.Measurement(m)
	c.rto = c.rtt.RTO(c.cfg.MinRTO, c.cfg.MaxRTO, c.cfg.ClockGranularity)
	c.ctrl.UpdateRTT(m)
	c.stats.LastRTT = m
}

// updateWindowSize 只接受更新的确认、更新的序列号或更大的窗口
func (c *Connection) updateWindowSize(seg *segment.Segment) {
	w := uint32(seg.Window) << c.sndWScale
	c.wndChanged = w != c.lastWnd
	c.lastWnd = w
	if c.handshaking() {
		c.rWnd = w
		return
	}
	update := false
	if seg.Ack.GreaterThan(c.highRxAck) {
		c.highRxAck = seg.Ack
		update = true
	}
	if seg.Seq.GreaterThan(c.highRxMark) {
		c.highRxMark = seg.Seq
		update = true
	}
	if update || w > c.rWnd {
		c.rWnd = w
	}
}

// replyToClosed 关闭的连接对非RST段回复RST
func (c *Connection) replyToClosed(seg *segment.Segment, from, to net.Addr) {
	if seg.Flags.Has(segment.FlagRST) {
		return
	}
	rst := &segment.Segment{
		SrcPort: seg.DstPort,
		DstPort: seg.SrcPort,
		Seq:     seg.Ack,
		Ack:     seg.Seq.Add(seg.Len()),
		Flags:   segment.FlagRST | segment.FlagACK,
	}
	c.emitTo(rst, to, from)
}

func (c *Connection) processListen(seg *segment.Segment, from, to net.Addr) {
	if seg.Flags&^ignoredFlags != segment.FlagSYN {
		return
	}
	if c.peerAddr == nil {
		c.peerAddr = from
	}
	if c.localAddr == nil {
		c.localAddr = to
	}
	if c.peerPort == 0 {
		c.peerPort = seg.SrcPort
	}
	if c.localPort == 0 {
		c.localPort = seg.DstPort
	}
	c.setState(api.StateSynRcvd)
	c.synCount = c.cfg.SynRetries
	c.dataRetrCount = c.cfg.DataRetries
	c.rx.SetNextRxSequence(seg.Seq.Add(1))
	c.ecnOn = c.cfg.EcnEnabled && seg.Flags.Has(segment.FlagECE|segment.FlagCWR)
	c.sendEmptyPacket(c.synAckFlags())
}

func (c *Connection) processSynSent(seg *segment.Segment) {
	flags := seg.Flags &^ (segment.FlagPSH | segment.FlagURG)
	switch {
	case flags.Has(segment.FlagACK) && !flags.Has(segment.FlagSYN) && !flags.Has(segment.FlagRST):
		// 握手完成前的确认，忽略
	case flags&^(segment.FlagECE|segment.FlagCWR) == segment.FlagSYN:
		// 同时打开
		c.setState(api.StateSynRcvd)
		c.synCount = c.cfg.SynRetries
		c.rx.SetNextRxSequence(seg.Seq.Add(1))
		c.ecnOn = c.cfg.EcnEnabled && flags.Has(segment.FlagECE|segment.FlagCWR)
		c.timers.Cancel(timerRetx)
		c.sendEmptyPacket(c.synAckFlags())
	case flags&^(segment.FlagECE|segment.FlagCWR) == segment.FlagSYN|segment.FlagACK &&
		seg.Ack == c.isn.Add(1):
		c.rx.SetNextRxSequence(seg.Seq.Add(1))
		c.ecnOn = c.cfg.EcnEnabled && flags.Has(segment.FlagECE) && !flags.Has(segment.FlagCWR)
		c.establish()
		c.highRxAck = seg.Ack
		c.sendAck()
		c.delAckCount = c.cfg.DelAckCount
		c.sendPendingData()
	case flags.Has(segment.FlagRST):
		c.failConnect(api.ErrConnectionReset)
	default:
		c.sendRst()
		c.failConnect(api.ErrConnectionFailed)
	}
}

func (c *Connection) processSynRcvd(seg *segment.Segment) {
	flags := seg.Flags &^ ignoredFlags
	handshakeAck := seg.Ack == c.isn.Add(1)
	switch {
	case flags == 0 && len(seg.Payload) > 0:
		c.establish()
		c.delAckCount = c.cfg.DelAckCount
		c.receivedData(seg)
	case flags == segment.FlagACK && handshakeAck:
		c.establish()
		c.highRxAck = seg.Ack
		c.delAckCount = c.cfg.DelAckCount
		c.processAck(seg, true)
	case flags == segment.FlagSYN:
		// 对端没有收到SYN-ACK
		c.rx.SetNextRxSequence(seg.Seq.Add(1))
		c.timers.Cancel(timerRetx)
		c.sendEmptyPacket(c.synAckFlags())
	case flags == segment.FlagFIN|segment.FlagACK && handshakeAck:
		c.establish()
		c.highRxAck = seg.Ack
		c.peerClose(seg)
	case flags.Has(segment.FlagRST):
		c.closeAndNotify(api.ErrConnectionReset)
	default:
		c.sendRst()
		c.closeAndNotify(api.ErrConnectionReset)
	}
}

func (c *Connection) processEstablished(seg *segment.Segment) {
	flags := seg.Flags &^ ignoredFlags
	switch {
	case flags == segment.FlagACK:
		c.processAck(seg, true)
	case flags == segment.FlagSYN:
		// 重复的SYN
	case flags == segment.FlagSYN|segment.FlagACK:
		// 对端没有收到握手的ACK
		c.sendAck()
	case flags == segment.FlagFIN, flags == segment.FlagFIN|segment.FlagACK:
		c.peerClose(seg)
	case flags == 0:
		if len(seg.Payload) > 0 {
			c.receivedData(seg)
		}
	default:
		c.resetAndClose(seg)
	}
}

// resetAndClose 收到RST或非法标志组合
func (c *Connection) resetAndClose(seg *segment.Segment) {
	if !seg.Flags.Has(segment.FlagRST) {
		c.log.Warn("unexpected flags, resetting", logger.Stringer("flags", seg.Flags))
		c.sendRst()
	} else {
		c.log.Warn("connection reset by peer")
	}
	c.closeAndNotify(api.ErrConnectionReset)
}

// ackedSeq 对FIN的确认不对应发送缓冲区里的字节，换算回FIN的序号
func (c *Connection) ackedSeq(ack seqnum.Value) seqnum.Value {
	if c.finSent && ack == c.finSeq.Add(1) {
		if !c.finAcked {
			c.finAcked = true
			c.log.Debug("fin acknowledged", logger.Uint32("fin", uint32(c.finSeq)))
		}
		return c.finSeq
	}
	return ack
}

// processAck 检查确认号范围后进入确认处理，withData为true时一并处理携带的数据
func (c *Connection) processAck(seg *segment.Segment, withData bool) {
	ack := c.ackedSeq(seg.Ack)

	if c.loss.IsOutage() && (ack.GreaterThan(c.outageUna) || ack.GreaterThan(c.nextTx)) {
		// 对端的确认说明链路已恢复
		c.loss.Set(api.LossCorruption)
	}
	if ack.LessThan(c.tx.HeadSequence()) {
		// 过时的确认，数据仍然交付
		if withData && len(seg.Payload) > 0 {
			c.receivedData(seg)
		}
		return
	}
	if ack.GreaterThan(c.highTxMark) {
		c.sendAck()
		return
	}
	c.receivedAck(seg, ack, withData)
}

func (c *Connection) receivedAck(seg *segment.Segment, ack seqnum.Value, withData bool) {
	oldHead := c.tx.HeadSequence()
	var sacked uint32
	if c.sackEnabled && len(seg.Sack) > 0 {
		sacked = c.tx.Update(seg.Sack)
	}
	if c.snackEnabled && len(seg.Snack) > 0 {
		c.processSnack(seg.Snack, seg.Sack, seg.Ack)
	}

	c.tx.DiscardUpTo(ack)
	c.ctrl.ExitCwrIfDone(ack)

	// ECN回显
	if c.ecnOn {
		if ack.GreaterThan(oldHead) && seg.Flags.Has(segment.FlagECE) {
			if c.ecnEchoSeq.LessThan(ack) {
				c.ecnEchoSeq = ack
				c.stats.EcnEchoes++
				c.ecnTx = ecnTxEceRcvd
				c.loss.Set(api.LossCongestion)
				if st := c.ctrl.State(); st == api.CongOpen || st == api.CongDisorder {
					c.log.Debug("ecn echo, reduce window", logger.Uint32("cwnd", c.ctrl.CWnd()))
					c.ctrl.EnterCwr(c.highTxMark)
				}
			}
		} else if c.ecnTx != ecnTxIdle && !seg.Flags.Has(segment.FlagECE) {
			c.ecnTx = ecnTxIdle
			if c.loss.IsCongestion() {
				c.loss.Set(api.LossCorruption)
			}
		}
	}

	act := c.ctrl.ProcessAck(congestion.AckInput{
		Ack:               ack,
		OldHead:           oldHead,
		HighTxMark:        c.highTxMark,
		HighRxAck:         c.highRxAck,
		ScoreboardUpdated: sacked > 0,
		WindowUpdate:      c.timers.IsRunning(timerPersist) || c.wndChanged || len(seg.Payload) > 0,
	})
	if act.DupAck {
		c.stats.DupAcks++
	}
	if act.EnteredRecovery {
		if act.CongestionLoss {
			c.stats.CongestionRecovery++
		} else {
			c.stats.CorruptionRecovery++
		}
		c.log.Info("enter recovery", logger.Bool("congestion", act.CongestionLoss),
			logger.Uint32("una", uint32(ack)), logger.Uint32("cwnd", c.ctrl.CWnd()))
	}
	if act.Retransmit {
		c.doRetransmit()
	}
	if act.LimitedTransmit {
		c.limitedTransmit()
	}
	if act.NewAck {
		c.newAck(ack, act.ResetRTO)
	}

	if withData && len(seg.Payload) > 0 {
		c.receivedData(seg)
	}
	c.sendPendingData()
}

// processSnack 把对端报告的空洞标记为丢失，随后的发送会优先重传
// SNACK以MSS为单位，借助本段的SACK块和记分板还原空洞的精确边界
func (c *Connection) processSnack(snacks []option.Snack, sacks []option.SackBlock, ack seqnum.Value) {
	known := append(c.tx.SackedBlocks(), sacks...)
	for _, sn := range snacks {
		h, exact := option.ResolveHole(sn, ack, c.segmentSize, known)
		right := seqnum.Min(h.Right, c.highTxMark)
		if !h.Left.LessThan(right) {
			continue
		}
		c.stats.SnackHolesReceived++
		if n := c.tx.MarkLostInRange(h.Left, right); n > 0 {
			c.log.Debug("snack hole marked lost", logger.Uint32("left", uint32(h.Left)),
				logger.Uint32("right", uint32(right)), logger.Uint32("bytes", n), logger.Bool("exact", exact))
		}
	}
}

// newAck 确认了新数据
func (c *Connection) newAck(ack seqnum.Value, resetRTO bool) {
	c.dataRetrCount = c.cfg.DataRetries
	if c.state != api.StateSynRcvd && resetRTO && !c.loss.IsOutage() && !c.timers.IsRunning(timerPersist) {
		c.rto = c.rtt.RTO(c.cfg.MinRTO, c.cfg.MaxRTO, c.cfg.ClockGranularity)
		c.timers.Reset(timerRetx, c.rto, c.onRetransmitTimeout)
	}
	if space := int(c.tx.Available()); space > 0 {
		c.notify(func(o api.Observer) { o.OnSendAvailable(space) })
	}
	if ack.GreaterThan(c.nextTx) {
		c.nextTx = ack
	}
	if c.tx.SentSize() == 0 && !(c.finSent && !c.finAcked) {
		c.timers.Cancel(timerRetx)
	}
}

// receivedData 接收数据并决定立即确认还是延迟确认
func (c *Connection) receivedData(seg *segment.Segment) {
	expected := c.rx.NextRxSequence()
	before := c.rx.Available()
	if !c.rx.Add(seg.Seq, seg.Payload) {
		// 重复或窗口外的数据，立即确认
		c.sendAck()
		return
	}
	if delivered := c.rx.Available() - before; delivered > 0 {
		c.stats.BytesReceived += uint64(delivered)
	}
	if expected.LessThan(c.rx.NextRxSequence()) {
		if !c.shutdownRecv {
			avail := int(c.rx.Available())
			c.notify(func(o api.Observer) { o.OnData(avail) })
		}
		if c.rx.Finished() && !seg.Flags.Has(segment.FlagFIN) &&
			(c.state == api.StateEstablished || c.state == api.StateSynRcvd) {
			// 填补空洞后之前收到的FIN也到齐了
			c.doPeerClose()
			return
		}
	}
	filled := c.rx.NextRxSequence().GreaterThan(expected.Add(seqnum.Size(len(seg.Payload))))
	if c.rx.HasGap() || filled {
		// 乱序或刚填补空洞时立即确认
		c.ctrl.CwndEvent(congestion.EventNonDelayedAck)
		c.sendAck()
		return
	}
	c.delAckCount++
	if c.delAckCount >= c.cfg.DelAckCount {
		c.ctrl.CwndEvent(congestion.EventNonDelayedAck)
		c.sendAck()
		return
	}
	c.ctrl.CwndEvent(congestion.EventDelayedAck)
	if !c.timers.IsRunning(timerDelAck) {
		c.timers.Reset(timerDelAck, c.cfg.DelAckTimeout, c.onDelAckTimeout)
	}
}

// peerClose 收到FIN
func (c *Connection) peerClose(seg *segment.Segment) {
	if seg.Flags.Has(segment.FlagACK) {
		c.processAck(seg, false)
		if c.state == api.StateClosed {
			return
		}
	}
	finSeq := seg.Seq.Add(seqnum.Size(len(seg.Payload)))
	if finSeq.LessThan(c.rx.NextRxSequence()) {
		// 重传的FIN
		c.sendAck()
		return
	}
	if seg.Seq.GreaterThan(c.rx.MaxRxSequence()) {
		return
	}
	c.rx.SetFinSequence(finSeq)
	c.log.Debug("accepted fin", logger.Uint32("seq", uint32(finSeq)))
	if len(seg.Payload) > 0 {
		c.receivedData(seg)
	}
	if !c.rx.Finished() {
		// FIN之前还有空洞
		c.sendAck()
		return
	}
	if c.state == api.StateFinWait1 {
		// 同时关闭
		c.setState(api.StateClosing)
		return
	}
	c.doPeerClose()
}

// doPeerClose 对端发送方向已关闭：进入CLOSE_WAIT并确认FIN
func (c *Connection) doPeerClose() {
	c.setState(api.StateCloseWait)
	c.log.Info("peer closed its sending side")
	if !c.closeNotified {
		c.closeNotified = true
		c.notify(func(o api.Observer) { o.OnClosed(nil) })
	}
	if c.shutdownSend && c.tx.SizeFromSequence(c.nextTx) == 0 {
		// FIN|ACK同时确认对端的FIN
		c.doClose()
		return
	}
	c.sendAck()
}

// processWait 处理FIN_WAIT_1、FIN_WAIT_2与CLOSE_WAIT
func (c *Connection) processWait(seg *segment.Segment) {
	flags := seg.Flags &^ ignoredFlags
	switch {
	case flags == 0:
		if len(seg.Payload) > 0 {
			c.receivedData(seg)
		}
	case flags == segment.FlagACK:
		c.processAck(seg, true)
		if c.state == api.StateFinWait1 && c.finAcked {
			c.setState(api.StateFinWait2)
		}
	case flags == segment.FlagFIN, flags == segment.FlagFIN|segment.FlagACK:
		if flags.Has(segment.FlagACK) {
			c.processAck(seg, false)
			if c.state == api.StateClosed {
				return
			}
		}
		c.acceptFin(seg)
	case flags.Has(segment.FlagSYN) && !flags.Has(segment.FlagRST):
		// 忽略
	default:
		c.resetAndClose(seg)
		return
	}

	if (c.state == api.StateFinWait1 || c.state == api.StateFinWait2) && c.rx.Finished() {
		if c.state == api.StateFinWait1 {
			c.setState(api.StateClosing)
			if c.finAcked {
				c.timeWait()
			}
		} else {
			c.timeWait()
		}
		c.sendAck()
		if !c.shutdownRecv {
			avail := int(c.rx.Available())
			c.notify(func(o api.Observer) { o.OnData(avail) })
		}
	}
}

// acceptFin 记录FIN位置并交付携带的数据，重传的FIN只补发确认
func (c *Connection) acceptFin(seg *segment.Segment) {
	finSeq := seg.Seq.Add(seqnum.Size(len(seg.Payload)))
	if finSeq.LessThan(c.rx.NextRxSequence()) {
		c.sendAck()
		return
	}
	if seg.Seq.GreaterThan(c.rx.MaxRxSequence()) {
		return
	}
	c.rx.SetFinSequence(finSeq)
	if len(seg.Payload) > 0 {
		c.receivedData(seg)
	} else if !c.rx.Finished() {
		c.sendAck()
	}
}

func (c *Connection) processClosing(seg *segment.Segment) {
	flags := seg.Flags &^ ignoredFlags
	switch {
	case flags == segment.FlagACK:
		c.processAck(seg, false)
		if c.finAcked && c.state == api.StateClosing {
			c.timeWait()
		}
	case flags == segment.FlagFIN, flags == segment.FlagFIN|segment.FlagACK:
		// 对端重发FIN，说明它没有收到我们的确认
		if flags.Has(segment.FlagACK) {
			c.ackedSeq(seg.Ack)
		}
		c.sendAck()
		if c.finAcked {
			c.timeWait()
		}
	default:
		c.resetAndClose(seg)
	}
}

func (c *Connection) processLastAck(seg *segment.Segment) {
	flags := seg.Flags &^ ignoredFlags
	switch {
	case flags == 0:
		if len(seg.Payload) > 0 {
			c.receivedData(seg)
		}
	case flags == segment.FlagACK:
		c.processAck(seg, true)
		if c.finAcked && c.state == api.StateLastAck {
			c.closeAndNotify(nil)
		}
	case flags == segment.FlagFIN:
		c.sendEmptyPacket(segment.FlagFIN)
	case flags == segment.FlagFIN|segment.FlagACK:
		c.processAck(seg, false)
		if c.state != api.StateLastAck {
			return
		}
		if c.finAcked {
			c.closeAndNotify(nil)
		} else {
			c.sendEmptyPacket(segment.FlagFIN)
		}
	default:
		c.resetAndClose(seg)
	}
}

// processTimeWait 重发的FIN与SYN只回确认，迟到的数据和确认直接丢弃，RST或其他标志组合复位关闭
func (c *Connection) processTimeWait(seg *segment.Segment) {
	flags := seg.Flags &^ ignoredFlags
	switch {
	case flags == 0, flags == segment.FlagACK:
	case flags == segment.FlagFIN, flags == segment.FlagFIN|segment.FlagACK:
		// 最后的ACK丢失，重新确认
		c.sendAck()
	case flags.Has(segment.FlagSYN) && !flags.Has(segment.FlagRST):
		c.sendAck()
	default:
		c.resetAndClose(seg)
	}
}
