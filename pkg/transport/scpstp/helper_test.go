package scpstp

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/junbin-yang/scpstp-go/api"
	"github.com/junbin-yang/scpstp-go/pkg/transport/segment"
	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
	"github.com/junbin-yang/scpstp-go/pkg/utils/logger"
	"github.com/junbin-yang/scpstp-go/pkg/utils/timer"
)

const (
	isnA      = seqnum.Value(1000)
	isnB      = seqnum.Value(90000)
	linkDelay = 50 * time.Millisecond
)

var (
	addrA = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5001}
	addrB = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5002}
)

// testLink 单向链路：固定时延，经过线上编解码后交付，可按条件丢弃或打CE标记
type testLink struct {
	t     *testing.T
	clock *timer.VirtualClock
	delay time.Duration
	dst   func(seg *segment.Segment, from, to net.Addr)
	drop  func(seg *segment.Segment) bool
	mark  func(seg *segment.Segment) bool
	sent  []*segment.Segment
}

func (l *testLink) SendPacket(seg *segment.Segment, local, peer net.Addr) {
	l.sent = append(l.sent, seg)
	if l.drop != nil && l.drop(seg) {
		return
	}
	wire, err := seg.Marshal()
	require.NoError(l.t, err)
	out, err := segment.Unmarshal(wire)
	require.NoError(l.t, err)
	out.ECT = seg.ECT
	out.CE = seg.ECT && l.mark != nil && l.mark(seg)
	l.clock.Schedule(l.delay, func() { l.dst(out, local, peer) })
}

// dataSegments 带负载的报文段
func (l *testLink) dataSegments() []*segment.Segment {
	var out []*segment.Segment
	for _, s := range l.sent {
		if len(s.Payload) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// sendCount 起始序列号为seq的数据段发送次数，含被丢弃的
func (l *testLink) sendCount(seq seqnum.Value) int {
	n := 0
	for _, s := range l.dataSegments() {
		if s.Seq == seq {
			n++
		}
	}
	return n
}

// dropFirst 每个给定序列号的数据段只丢第一次
func dropFirst(seqs ...seqnum.Value) func(seg *segment.Segment) bool {
	pending := make(map[seqnum.Value]bool, len(seqs))
	for _, s := range seqs {
		pending[s] = true
	}
	return func(seg *segment.Segment) bool {
		if len(seg.Payload) > 0 && pending[seg.Seq] {
			delete(pending, seg.Seq)
			return true
		}
		return false
	}
}

// recorder 记录连接事件，autoRead时收到数据立即读出
type recorder struct {
	conn      *Connection
	autoRead  bool
	received  bytes.Buffer
	connected int
	failed    []error
	closed    []error
	sent      int
}

func (r *recorder) OnConnected()              { r.connected++ }
func (r *recorder) OnConnectFailed(err error) { r.failed = append(r.failed, err) }
func (r *recorder) OnClosed(err error)        { r.closed = append(r.closed, err) }
func (r *recorder) OnDataSent(n int)          { r.sent += n }
func (r *recorder) OnSendAvailable(int)       {}

func (r *recorder) OnData(int) {
	if r.autoRead {
		r.drain()
	}
}

func (r *recorder) drain() {
	for {
		p := r.conn.Read(64 << 10)
		if len(p) == 0 {
			return
		}
		r.received.Write(p)
	}
}

// testPair A主动打开，B被动打开，两个方向的链路相互独立
type testPair struct {
	clock  *timer.VirtualClock
	a, b   *Connection
	ab, ba *testLink
	ra, rb *recorder
}

func newTestPair(t *testing.T, cfgA, cfgB api.Config) *testPair {
	t.Helper()
	clock := timer.NewVirtualClock()
	p := &testPair{
		clock: clock,
		ab:    &testLink{t: t, clock: clock, delay: linkDelay},
		ba:    &testLink{t: t, clock: clock, delay: linkDelay},
		ra:    &recorder{},
		rb:    &recorder{autoRead: true},
	}
	var err error
	p.a, err = NewConnection(Options{
		Config: cfgA, Clock: clock, Sender: p.ab, Observer: p.ra, Logger: logger.Nop(),
		LocalAddr: addrA, PeerAddr: addrB, LocalPort: 5001, PeerPort: 5002, ISN: isnA,
	})
	require.NoError(t, err)
	p.b, err = NewConnection(Options{
		Config: cfgB, Clock: clock, Sender: p.ba, Observer: p.rb, Logger: logger.Nop(),
		LocalAddr: addrB, PeerAddr: addrA, LocalPort: 5002, PeerPort: 5001, ISN: isnB,
	})
	require.NoError(t, err)
	p.ra.conn = p.a
	p.rb.conn = p.b
	p.ab.dst = p.b.ReceiveSegment
	p.ba.dst = p.a.ReceiveSegment
	require.NoError(t, p.b.Listen())
	return p
}

// establish 完成握手并留出一秒空闲
func (p *testPair) establish(t *testing.T) {
	t.Helper()
	require.NoError(t, p.a.Connect())
	p.clock.Advance(time.Second)
	require.Equal(t, api.StateEstablished, p.a.State(), "主动方应完成握手")
	require.Equal(t, api.StateEstablished, p.b.State(), "被动方应完成握手")
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/251)
	}
	return p
}
