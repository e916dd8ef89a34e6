package scpstp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junbin-yang/scpstp-go/api"
	"github.com/junbin-yang/scpstp-go/pkg/transport/segment"
	"github.com/junbin-yang/scpstp-go/pkg/utils/logger"
	"github.com/junbin-yang/scpstp-go/pkg/utils/timer"
)

type listenerFixture struct {
	clock    *timer.VirtualClock
	l        *Listener
	toServer *testLink
	toClient *testLink
	clients  map[uint16]*Connection
	accepted []*Connection
	servers  map[*Connection]*recorder
}

func newListenerFixture(t *testing.T) *listenerFixture {
	clock := timer.NewVirtualClock()
	f := &listenerFixture{
		clock:    clock,
		toServer: &testLink{t: t, clock: clock, delay: linkDelay},
		toClient: &testLink{t: t, clock: clock, delay: linkDelay},
		clients:  make(map[uint16]*Connection),
		servers:  make(map[*Connection]*recorder),
	}
	// 按目的端口把回程报文段交给对应的客户端
	f.toClient.dst = func(seg *segment.Segment, from, to net.Addr) {
		if c, ok := f.clients[seg.DstPort]; ok {
			c.ReceiveSegment(seg, from, to)
		}
	}

	var pending *recorder
	var err error
	f.l, err = NewListener(Options{
		Config: api.DefaultConfig(), Clock: clock, Sender: f.toClient, Logger: logger.Nop(),
		LocalAddr: addrB, LocalPort: 5002, ISN: isnB,
	}, func(peer net.Addr) api.Observer {
		pending = &recorder{autoRead: true}
		return pending
	}, func(c *Connection) {
		pending.conn = c
		f.servers[c] = pending
		f.accepted = append(f.accepted, c)
	})
	require.NoError(t, err)
	f.toServer.dst = f.l.ReceiveSegment
	return f
}

func (f *listenerFixture) dial(t *testing.T, port uint16) (*Connection, *recorder) {
	r := &recorder{}
	c, err := NewConnection(Options{
		Config: api.DefaultConfig(), Clock: f.clock, Sender: f.toServer, Observer: r, Logger: logger.Nop(),
		LocalAddr: addrA, PeerAddr: addrB, LocalPort: port, PeerPort: 5002, ISN: isnA,
	})
	require.NoError(t, err)
	r.conn = c
	f.clients[port] = c
	require.NoError(t, c.Connect())
	return c, r
}

func TestListener_AcceptAndRemove(t *testing.T) {
	f := newListenerFixture(t)

	c1, r1 := f.dial(t, 6001)
	c2, _ := f.dial(t, 6002)
	f.clock.Advance(time.Second)

	require.Len(t, f.accepted, 2, "每个来源端口派生一个连接")
	assert.Len(t, f.l.Connections(), 2)
	assert.Equal(t, api.StateEstablished, c1.State())
	assert.Equal(t, api.StateEstablished, c2.State())
	assert.Equal(t, 1, r1.connected)

	_, err := c1.Send([]byte("from 6001"))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	var srv *Connection
	for _, c := range f.accepted {
		if f.servers[c].received.Len() > 0 {
			srv = c
		}
	}
	require.NotNil(t, srv)
	assert.Equal(t, "from 6001", f.servers[srv].received.String())
	assert.Equal(t, uint16(6001), srv.peerPort)

	// 双方关闭后连接从监听器中移除
	require.NoError(t, c1.Close())
	f.clock.Advance(time.Second)
	require.NoError(t, srv.Close())
	f.clock.Advance(time.Second)
	assert.Equal(t, api.StateClosed, srv.State())
	assert.Len(t, f.l.Connections(), 1)
}

func TestListener_DropsNonSyn(t *testing.T) {
	f := newListenerFixture(t)

	seg := segment.New(1001, 0, segment.FlagACK)
	seg.SrcPort = 7000
	seg.DstPort = 5002
	f.l.ReceiveSegment(seg, addrA, addrB)
	f.clock.Advance(time.Second)

	assert.Empty(t, f.accepted)
	assert.Empty(t, f.toClient.sent, "未知连接的非SYN段直接丢弃")
}

func TestListener_Close(t *testing.T) {
	f := newListenerFixture(t)
	c, r := f.dial(t, 6001)
	f.clock.Advance(time.Second)
	require.Equal(t, api.StateEstablished, c.State())

	require.NoError(t, f.l.Close())
	f.clock.Advance(time.Second)
	assert.Equal(t, api.StateCloseWait, c.State())
	require.Len(t, r.closed, 1)
	assert.NoError(t, r.closed[0])

	// 关闭后不再接受新连接
	f.dial(t, 6002)
	f.clock.Advance(time.Second)
	assert.Len(t, f.accepted, 1)
}

func TestNewListener_RequiresClock(t *testing.T) {
	_, err := NewListener(Options{Config: api.DefaultConfig()}, nil, nil)
	assert.ErrorIs(t, err, api.ErrInvalidConfig)
}
