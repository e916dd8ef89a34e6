package scpstp

import (
	"net"
	"time"

	"github.com/junbin-yang/scpstp-go/api"
	"github.com/junbin-yang/scpstp-go/pkg/transport/option"
	"github.com/junbin-yang/scpstp-go/pkg/transport/segment"
	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
	"github.com/junbin-yang/scpstp-go/pkg/utils/logger"
)

func (c *Connection) newSegment(seq seqnum.Value, flags segment.Flags) *segment.Segment {
	return &segment.Segment{
		SrcPort: c.localPort,
		DstPort: c.peerPort,
		Seq:     seq,
		Ack:     c.rx.NextRxSequence(),
		Flags:   flags,
	}
}

func (c *Connection) emit(seg *segment.Segment) {
	c.emitTo(seg, c.localAddr, c.peerAddr)
}

func (c *Connection) emitTo(seg *segment.Segment, local, peer net.Addr) {
	c.stats.SegmentsSent++
	c.log.Debug("send segment", logger.Stringer("seg", seg))
	c.outbox = append(c.outbox, outbound{seg: seg, local: local, peer: peer})
}

// tsNow 时间戳选项使用毫秒时钟
func (c *Connection) tsNow() uint32 {
	return uint32(c.clock.Now() / time.Millisecond)
}

// advertisedWindow 接收窗口，scale为false时不左移（SYN段）
func (c *Connection) advertisedWindow(scale bool) uint16 {
	w := uint32(c.rx.NextRxSequence().Size(c.rx.MaxRxSequence()))
	if scale {
		w >>= c.rcvWScale
	}
	if w > maxWinSize {
		w = maxWinSize
	}
	return uint16(w)
}

func (c *Connection) addSynOptions(seg *segment.Segment) {
	seg.MSS = uint16(c.segmentSize)
	if c.winScaling {
		seg.HasWindowScale = true
		seg.WindowScale = c.rcvWScale
	}
	if c.sackEnabled {
		seg.SackPermitted = true
	}
}

// addOptions 依次放入时间戳、最近的SNACK空洞、放得下的SACK块，剩余空间再放其余空洞
func (c *Connection) addOptions(seg *segment.Segment) {
	if c.tsEnabled {
		seg.Timestamp = &option.Timestamp{Value: c.tsNow(), Echo: c.tsRecent}
	}
	if !seg.Flags.Has(segment.FlagACK) || seg.Flags.Has(segment.FlagSYN) {
		return
	}

	var holes []option.Snack
	if c.snackEnabled {
		for _, h := range c.rx.SnackList() {
			if sn, ok := option.EncodeHole(h, seg.Ack, c.segmentSize); ok {
				holes = append(holes, sn)
			}
		}
	}
	if len(holes) > 0 && seg.OptionSpace() >= option.SnackLength {
		seg.Snack = holes[:1:1]
		holes = holes[1:]
	}
	if c.sackEnabled {
		blocks := c.rx.SackList()
		n := len(blocks)
		for n > 0 && option.SackLength(n) > seg.OptionSpace() {
			n--
		}
		if n > 0 {
			seg.Sack = blocks[:n]
		}
	}
	for _, sn := range holes {
		if seg.OptionSpace() < option.SnackLength {
			break
		}
		seg.Snack = append(seg.Snack, sn)
	}
	c.stats.SnackHolesSent += uint64(len(seg.Snack))
}

// emptySeq 不带数据的报文段使用的序列号：FIN发出之后要越过FIN
func (c *Connection) emptySeq(flags segment.Flags) seqnum.Value {
	switch {
	case flags.Has(segment.FlagFIN):
		return c.finSeq
	case c.finSent:
		return c.finSeq.Add(1)
	}
	return c.nextTx
}

// sendEmptyPacket 发送不带数据的报文段（SYN、FIN、纯ACK、RST）
func (c *Connection) sendEmptyPacket(flags segment.Flags) {
	hasSyn := flags.Has(segment.FlagSYN)
	hasFin := flags.Has(segment.FlagFIN)
	if hasFin {
		flags |= segment.FlagACK
		if !c.finSent {
			c.finSent = true
			c.finSeq = c.tx.TailSequence()
		}
	}
	seq := c.emptySeq(flags)
	if hasSyn {
		seq = c.isn
	}
	seg := c.newSegment(seq, flags)

	if hasSyn {
		if c.synCount == 0 {
			c.rtt.Reset()
			c.failConnect(api.ErrConnectionFailed)
			return
		}
		// 每次重发SYN超时加倍
		c.rto = c.cfg.ConnTimeout << (c.cfg.SynRetries - c.synCount)
		isRetx := c.synCount != c.cfg.SynRetries
		c.synCount--
		c.history.update(seq, 1, c.clock.Now(), isRetx)
		c.addSynOptions(seg)
		seg.Window = c.advertisedWindow(false)
	} else {
		seg.Window = c.advertisedWindow(true)
	}
	c.addOptions(seg)

	if flags.Has(segment.FlagACK) {
		c.timers.Cancel(timerDelAck)
		c.delAckCount = 0
		if c.highTxAck.LessThan(seg.Ack) {
			c.highTxAck = seg.Ack
		}
	}
	c.emit(seg)

	if (hasSyn || hasFin) && c.state != api.StateLastAck && !c.timers.IsRunning(timerRetx) {
		c.timers.Reset(timerRetx, c.rto, c.onRetransmitTimeout)
	}
}

// sendAck 发送纯确认，需要回显拥塞时带ECE
func (c *Connection) sendAck() {
	flags := segment.FlagACK
	if c.ecnOn && (c.ecnRx == ecnRxCeRcvd || c.ecnRx == ecnRxSendingEce) {
		flags |= segment.FlagECE
		c.ecnRx = ecnRxSendingEce
	}
	c.sendEmptyPacket(flags)
}

func (c *Connection) sendRst() {
	seg := c.newSegment(c.emptySeq(0), segment.FlagRST)
	c.emit(seg)
}

// sendDataPacket 发送从seq开始至多maxSize字节的数据，返回实际发送的字节数
func (c *Connection) sendDataPacket(seq seqnum.Value, maxSize uint32, withAck bool) uint32 {
	now := c.clock.Now()
	it := c.tx.CopyFromSequence(maxSize, seq, now)
	if it == nil {
		return 0
	}
	isRetx := it.Retrans
	sz := it.Size()
	end := seq.Add(seqnum.Size(sz))

	var flags segment.Flags
	if withAck {
		flags |= segment.FlagACK
		c.timers.Cancel(timerDelAck)
		c.delAckCount = 0
	}
	if c.ecnTx == ecnTxEceRcvd && c.ecnEchoSeq.GreaterThan(c.cwrSeq) && !isRetx {
		flags |= segment.FlagCWR
		c.ecnTx = ecnTxCwrSent
		c.cwrSeq = seq
	}
	if c.closeOnEmpty && c.tx.SizeFromSequence(end) == 0 {
		flags |= segment.FlagFIN
		if !c.finSent {
			c.finSent = true
			c.finSeq = end
		}
		c.advanceOnFin()
	}

	seg := c.newSegment(seq, flags)
	seg.Payload = it.Data
	seg.Window = c.advertisedWindow(true)
	seg.ECT = c.ecnOn
	c.addOptions(seg)
	if withAck && c.highTxAck.LessThan(seg.Ack) {
		c.highTxAck = seg.Ack
	}
	c.emit(seg)

	if !c.timers.IsRunning(timerRetx) && !c.loss.IsOutage() {
		c.timers.Reset(timerRetx, c.rto, c.onRetransmitTimeout)
	}
	c.history.update(seq, sz, now, isRetx)
	c.ctrl.UpdateBytesSent(sz)

	if isRetx {
		c.stats.Retransmissions++
		c.stats.BytesRetransmitted += uint64(sz)
		c.log.Debug("retransmit", logger.Uint32("seq", uint32(seq)), logger.Uint32("size", sz))
	} else if end.GreaterThan(c.highTxMark) {
		n := int(c.highTxMark.Size(end))
		c.stats.BytesSent += uint64(n)
		c.notify(func(o api.Observer) { o.OnDataSent(n) })
	}
	if end.GreaterThan(c.highTxMark) {
		c.highTxMark = end
	}
	return sz
}

func (c *Connection) canSendData() bool {
	if !c.connected {
		return false
	}
	switch c.state {
	case api.StateEstablished, api.StateCloseWait, api.StateFinWait1, api.StateClosing, api.StateLastAck:
		return true
	}
	return false
}

// sendPendingData 在拥塞窗口与对端窗口允许的范围内发送，返回发出的段数
func (c *Connection) sendPendingData() int {
	if !c.canSendData() || c.tx.Size() == 0 {
		return 0
	}
	sent := 0
	for {
		win := c.ctrl.AvailableWindow(c.rWnd)
		if win == 0 {
			break
		}
		// 避免糊涂窗口：窗口不足一个MSS且还有更多数据时等待
		if win < c.segmentSize && c.tx.SizeFromSequence(c.nextTx) > win {
			break
		}
		seq, maxLen, ok := c.tx.NextSeg(c.sackEnabled && c.ctrl.State() == api.CongRecovery)
		if !ok {
			break
		}
		s := min(win, c.segmentSize, maxLen)
		if seq == c.tx.SentTail() {
			// 新数据不能超出对端通告窗口
			edge := c.highRxAck.Add(seqnum.Size(c.rWnd))
			if !seq.LessThan(edge) {
				break
			}
			s = min(s, uint32(seq.Size(edge)))
		}
		sz := c.sendDataPacket(seq, s, true)
		if sz == 0 {
			break
		}
		if end := seq.Add(seqnum.Size(sz)); end.GreaterThan(c.nextTx) {
			c.nextTx = end
		}
		sent++
	}
	c.maybeEnterPersist()
	return sent
}

// doRetransmit 重传下一个推测丢失的段
//
// 首段尚未重传时重传首段；已重传过则改为发送第一个丢失且未重传的段，没有这样的段就不发。
func (c *Connection) doRetransmit() {
	if c.tx.SentSize() == 0 {
		return
	}
	if !c.tx.IsHeadRetransmitted() {
		c.sendDataPacket(c.tx.HeadSequence(), c.segmentSize, true)
		return
	}
	seq, n, ok := c.tx.NextSeg(false)
	if !ok || !seq.LessThan(c.tx.SentTail()) {
		return
	}
	c.sendDataPacket(seq, min(n, c.segmentSize), true)
}

// limitedTransmit 重复确认期间越过窗口发送一个新段
func (c *Connection) limitedTransmit() {
	if c.nextTx != c.tx.SentTail() || c.tx.SizeFromSequence(c.nextTx) == 0 {
		return
	}
	sz := c.sendDataPacket(c.nextTx, c.segmentSize, true)
	c.nextTx = c.nextTx.Add(seqnum.Size(sz))
}

// sendProbe 发送一个字节的探测段。有未发送数据时探测新字节，否则重发SND.UNA处的字节
func (c *Connection) sendProbe() bool {
	var seq seqnum.Value
	switch {
	case c.tx.SizeFromSequence(c.nextTx) > 0 && c.nextTx == c.tx.SentTail():
		seq = c.nextTx
	case c.tx.SentSize() > 0:
		seq = c.tx.HeadSequence()
	default:
		return false
	}
	it := c.tx.CopyFromSequence(1, seq, c.clock.Now())
	if it == nil {
		return false
	}
	seg := c.newSegment(seq, segment.FlagACK)
	seg.Payload = it.Data
	seg.Window = c.advertisedWindow(true)
	seg.ECT = c.ecnOn
	c.addOptions(seg)
	c.emit(seg)

	end := seq.Add(seqnum.Size(it.Size()))
	if end.GreaterThan(c.nextTx) {
		c.nextTx = end
	}
	if end.GreaterThan(c.highTxMark) {
		c.stats.BytesSent += uint64(c.highTxMark.Size(end))
		c.highTxMark = end
	}
	return true
}

// peerWindowBlocked 对端窗口为零，或者没有在途数据而窗口放不下一个MSS
func (c *Connection) peerWindowBlocked() bool {
	return c.rWnd == 0 || (c.tx.SentSize() == 0 && c.rWnd < c.segmentSize)
}

// maybeEnterPersist 对端窗口阻塞且有数据待发时启动零窗口探测
func (c *Connection) maybeEnterPersist() {
	if !c.peerWindowBlocked() || c.timers.IsRunning(timerPersist) || c.loss.IsOutage() {
		return
	}
	if !c.connected || c.tx.SizeFromSequence(c.nextTx) == 0 {
		return
	}
	c.log.Debug("peer window closed, start persist", logger.Duration("timeout", c.persistTimeout))
	c.timers.Cancel(timerRetx)
	c.timers.Reset(timerPersist, c.persistTimeout, c.onPersistTimeout)
}
