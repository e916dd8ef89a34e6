package scpstp

import (
	"github.com/pkg/errors"

	"github.com/junbin-yang/scpstp-go/api"
	"github.com/junbin-yang/scpstp-go/pkg/transport/congestion"
	"github.com/junbin-yang/scpstp-go/pkg/transport/segment"
	"github.com/junbin-yang/scpstp-go/pkg/utils/logger"
	"github.com/junbin-yang/scpstp-go/pkg/utils/timer"
)

// onRetransmitTimeout 重传定时器到期，与其他定时器回调一样在连接锁内执行
//
// 拥塞丢包：RTO加倍，窗口降为一个MSS后从头重发；误码丢包：RTO不变，只重传首段
func (c *Connection) onRetransmitTimeout() {
	switch c.state {
	case api.StateClosed, api.StateListen, api.StateTimeWait:
		return
	case api.StateSynSent:
		c.log.Debug("syn timeout", logger.Uint32("retries_left", c.synCount))
		c.sendEmptyPacket(c.synFlags())
		return
	case api.StateSynRcvd:
		c.log.Debug("syn-ack timeout", logger.Uint32("retries_left", c.synCount))
		c.sendEmptyPacket(c.synAckFlags())
		return
	}

	if c.tx.Size() == 0 {
		if c.finSent && !c.finAcked && (c.state == api.StateFinWait1 || c.state == api.StateClosing) {
			if c.dataRetrCount == 0 {
				c.closeAndNotify(api.ErrRetriesExhausted)
				return
			}
			c.dataRetrCount--
			c.sendEmptyPacket(segment.FlagFIN)
		}
		return
	}
	if c.loss.IsOutage() {
		return
	}
	if c.dataRetrCount == 0 {
		c.log.Warn("no more data retries", logger.Uint32("una", uint32(c.tx.HeadSequence())))
		c.closeAndNotify(api.ErrRetriesExhausted)
		return
	}
	c.dataRetrCount--
	if c.tx.SentSize() == 0 {
		c.sendPendingData()
		return
	}

	c.stats.Timeouts++
	inflight := c.tx.BytesInFlight()
	headRetx := c.tx.IsHeadRetransmitted()
	c.tx.SetSentListLost(!c.sackEnabled)
	if n := c.tx.BytesInFlight(); n != 0 {
		panic(errors.Errorf("%d bytes still in flight after marking sent list lost", n))
	}
	congested := c.ctrl.OnRetransmitTimeout(congestion.RtoInput{
		InFlight:          inflight,
		HighTxMark:        c.highTxMark,
		HeadRetransmitted: headRetx,
	})
	c.history.clear()
	if congested {
		c.rto = timer.Backoff(c.rto, c.cfg.MaxRTO)
		c.log.Info("retransmission timeout",
			logger.Uint32("una", uint32(c.tx.HeadSequence())), logger.Duration("rto", c.rto),
			logger.Uint32("ssthresh", c.ctrl.SsThresh()))
		c.sendPendingData()
		return
	}
	c.log.Info("retransmission timeout, keep window",
		logger.Stringer("loss", c.loss.Get()), logger.Uint32("una", uint32(c.tx.HeadSequence())),
		logger.Duration("rto", c.rto))
	c.doRetransmit()
}

// onPersistTimeout 零窗口探测：每次超时加倍，不超过上限
func (c *Connection) onPersistTimeout() {
	if !c.connected || !c.peerWindowBlocked() {
		return
	}
	c.persistTimeout = min(c.persistTimeout*2, c.cfg.PersistTimeoutMax)
	if c.sendProbe() {
		c.stats.PersistProbes++
	}
	c.log.Debug("zero window probe", logger.Duration("next", c.persistTimeout))
	c.timers.Reset(timerPersist, c.persistTimeout, c.onPersistTimeout)
}

// onOutageTimeout 链路中断期间周期性地发送一个字节探测链路是否恢复
func (c *Connection) onOutageTimeout() {
	if !c.connected || !c.loss.IsOutage() {
		return
	}
	c.outageTimeout = min(c.outageTimeout*2, c.cfg.PersistTimeoutMax)
	if c.sendProbe() {
		c.stats.OutageProbes++
	}
	c.log.Debug("link outage probe", logger.Duration("next", c.outageTimeout))
	c.timers.Reset(timerOutage, c.outageTimeout, c.onOutageTimeout)
}

func (c *Connection) onDelAckTimeout() {
	if !c.canSendAck() {
		return
	}
	c.delAckCount = 0
	c.ctrl.CwndEvent(congestion.EventDelayedAck)
	c.sendAck()
}

// scheduleLastAck LAST_ACK状态下按当前RTT估计重发FIN
func (c *Connection) scheduleLastAck() {
	k := 4 * c.rtt.Variation()
	if k < c.cfg.ClockGranularity {
		k = c.cfg.ClockGranularity
	}
	c.timers.Reset(timerLastAck, c.rtt.Estimate()+k, c.onLastAckTimeout)
}

func (c *Connection) onLastAckTimeout() {
	if c.state != api.StateLastAck {
		return
	}
	if c.dataRetrCount == 0 {
		c.log.Warn("last ack retries exhausted")
		c.closeAndNotify(api.ErrRetriesExhausted)
		return
	}
	c.dataRetrCount--
	if c.tx.Size() == 0 {
		c.sendEmptyPacket(segment.FlagFIN)
	}
	c.scheduleLastAck()
}

// timeWait 进入TIME_WAIT，2MSL后关闭
func (c *Connection) timeWait() {
	c.setState(api.StateTimeWait)
	c.timers.StopAll()
	if !c.closeNotified {
		c.closeNotified = true
		c.notify(func(o api.Observer) { o.OnClosed(nil) })
	}
	c.timers.Reset(timerTimeWait, 2*c.cfg.MSL, c.onTimeWaitTimeout)
}

func (c *Connection) onTimeWaitTimeout() {
	if c.state == api.StateTimeWait {
		c.closeAndNotify(nil)
	}
}
