package scpstp

import (
	"time"

	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
)

// RttEstimator RFC 6298 平滑RTT与RTT方差
type RttEstimator struct {
	initial time.Duration
	srtt    time.Duration // 平滑RTT(往返时间)
	rttvar  time.Duration // RTT方差
	samples uint32
}

func NewRttEstimator(initial time.Duration) *RttEstimator {
	return &RttEstimator{initial: initial, srtt: initial}
}

// Measurement 加入一个RTT样本
func (e *RttEstimator) Measurement(rtt time.Duration) {
	if e.samples == 0 {
		e.srtt = rtt
		e.rttvar = rtt / 2
	} else {
		// RFC 6298: alpha=1/8, beta=1/4
		const alpha = 0.125
		const beta = 0.25
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = time.Duration((1-beta)*float64(e.rttvar) + beta*float64(diff))
		e.srtt = time.Duration((1-alpha)*float64(e.srtt) + alpha*float64(rtt))
	}
	e.samples++
}

func (e *RttEstimator) Estimate() time.Duration  { return e.srtt }
func (e *RttEstimator) Variation() time.Duration { return e.rttvar }
func (e *RttEstimator) Samples() uint32          { return e.samples }

// Reset 丢弃所有样本，估计值回到初始值
func (e *RttEstimator) Reset() {
	e.srtt = e.initial
	e.rttvar = 0
	e.samples = 0
}

// RTO 计算重传超时：max(minRTO, srtt + max(G, 4*rttvar))，不超过maxRTO
func (e *RttEstimator) RTO(minRTO, maxRTO, granularity time.Duration) time.Duration {
	k := 4 * e.rttvar
	if k < granularity {
		k = granularity
	}
	rto := e.srtt + k
	if rto < minRTO {
		rto = minRTO
	}
	if maxRTO > 0 && rto > maxRTO {
		rto = maxRTO
	}
	return rto
}

// rttRecord 一次发送的记录，重传过的段不产生RTT样本（Karn算法）
type rttRecord struct {
	seq   seqnum.Value
	count uint32
	sent  time.Duration
	retx  bool
}

type rttHistory struct {
	records []rttRecord
}

// update 首次发送追加记录，重传时把覆盖seq的记录标记为重传
func (h *rttHistory) update(seq seqnum.Value, size uint32, now time.Duration, isRetrans bool) {
	if !isRetrans {
		h.records = append(h.records, rttRecord{seq: seq, count: size, sent: now})
		return
	}
	for i := range h.records {
		r := &h.records[i]
		if seq.InRange(r.seq, r.seq.Add(seqnum.Size(r.count))) {
			r.retx = true
			r.count = uint32(r.seq.Size(seq.Add(seqnum.Size(size))))
			break
		}
	}
}

// sample 用确认号ack检查首条记录，返回发送时间与是否可用；然后删除所有已确认的记录
func (h *rttHistory) sample(ack seqnum.Value) (time.Duration, bool) {
	var sent time.Duration
	ok := false
	if len(h.records) > 0 {
		r := h.records[0]
		if !r.retx && ack.GreaterThanEq(r.seq.Add(seqnum.Size(r.count))) {
			sent, ok = r.sent, true
		}
	}
	n := 0
	for n < len(h.records) {
		r := h.records[n]
		if r.seq.Add(seqnum.Size(r.count)).GreaterThan(ack) {
			break
		}
		n++
	}
	h.records = h.records[n:]
	return sent, ok
}

func (h *rttHistory) clear() {
	h.records = h.records[:0]
}

func (h *rttHistory) len() int {
	return len(h.records)
}
