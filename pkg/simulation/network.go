package simulation

import (
	"math/rand"
	"net"

	"github.com/junbin-yang/scpstp-go/api"
	"github.com/junbin-yang/scpstp-go/pkg/transport/congestion"
	"github.com/junbin-yang/scpstp-go/pkg/transport/scpstp"
	"github.com/junbin-yang/scpstp-go/pkg/transport/segment"
	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
	"github.com/junbin-yang/scpstp-go/pkg/utils/logger"
	"github.com/junbin-yang/scpstp-go/pkg/utils/timer"
)

const (
	clientPort = 40000
	serverPort = 5000
)

var (
	clientAddr = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: clientPort}
	serverAddr = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 2), Port: serverPort}
)

// Network 客户端经两条单向链路连接到服务端的监听器
//
// 链路知道每次丢包的原因，据此设置发送方的丢包分类；中断窗口开始和结束时同时通知两端。
type Network struct {
	clock    *timer.VirtualClock
	log      *logger.Logger
	forward  *Link // 客户端到服务端
	reverse  *Link
	client   *scpstp.Connection
	server   *scpstp.Connection
	listener *scpstp.Listener

	decodeErrors uint64
}

// linkSender 把报文段编码后交给链路，按链路给出的时延在对端解码交付
type linkSender struct {
	n     *Network
	link  *Link
	owner func() *scpstp.Connection
	dst   func(seg *segment.Segment, from, to net.Addr)
}

func (s *linkSender) SendPacket(seg *segment.Segment, local, peer net.Addr) {
	wire, err := seg.Marshal()
	if err != nil {
		s.n.log.Error("marshal segment failed", logger.Err(err), logger.Stringer("seg", seg))
		return
	}
	delay, mark, reason := s.link.Transmit(len(wire), seg.ECT)
	if reason != DropNone {
		s.n.log.Debug("segment dropped", logger.Stringer("reason", reason), logger.Stringer("seg", seg))
		s.n.attribute(s.owner(), reason)
		return
	}
	ect := seg.ECT
	s.n.clock.Schedule(delay, func() {
		out, err := segment.Unmarshal(wire)
		if err != nil {
			s.n.decodeErrors++
			s.n.log.Warn("decode segment failed", logger.Err(err))
			return
		}
		out.ECT = ect
		out.CE = mark
		s.dst(out, local, peer)
	})
}

// NewNetwork 创建链路与两端连接，客户端处于CLOSED，服务端监听中
func NewNetwork(sc *Scenario, clock *timer.VirtualClock, rng *rand.Rand, reg *congestion.Registry,
	clientObs api.Observer, serverObs scpstp.ObserverFactory, log *logger.Logger) (*Network, error) {
	n := &Network{
		clock:   clock,
		log:     log.Named("network"),
		forward: NewLink(sc.Link, clock, rng),
		reverse: NewLink(sc.Link, clock, rng),
	}
	toServer := &linkSender{n: n, link: n.forward, owner: func() *scpstp.Connection { return n.client }}
	toClient := &linkSender{n: n, link: n.reverse, owner: func() *scpstp.Connection { return n.server }}

	var err error
	n.listener, err = scpstp.NewListener(scpstp.Options{
		Config:    sc.Server,
		Registry:  reg,
		Clock:     clock,
		Sender:    toClient,
		Logger:    log,
		LocalAddr: serverAddr,
		LocalPort: serverPort,
		ISN:       seqnum.Value(rng.Uint32()),
	}, serverObs, func(c *scpstp.Connection) { n.server = c })
	if err != nil {
		return nil, err
	}
	n.client, err = scpstp.NewConnection(scpstp.Options{
		Config:    sc.Client,
		Registry:  reg,
		Clock:     clock,
		Sender:    toServer,
		Observer:  clientObs,
		Logger:    log,
		LocalAddr: clientAddr,
		PeerAddr:  serverAddr,
		LocalPort: clientPort,
		PeerPort:  serverPort,
		ISN:       seqnum.Value(rng.Uint32()),
	})
	if err != nil {
		return nil, err
	}
	toServer.dst = n.listener.ReceiveSegment
	toClient.dst = n.client.ReceiveSegment

	for _, o := range sc.Link.Outages {
		clock.Schedule(o.Start, func() { n.setLossType(api.LossLinkOutage) })
		clock.Schedule(o.End(), func() { n.setLossType(api.LossCorruption) })
	}
	return n, nil
}

func (n *Network) Client() *scpstp.Connection { return n.client }
func (n *Network) Server() *scpstp.Connection { return n.server }
func (n *Network) Listener() *scpstp.Listener { return n.listener }
func (n *Network) Forward() *Link { return n.forward }
func (n *Network) Reverse() *Link { return n.reverse }
func (n *Network) DecodeErrors() uint64 { return n.decodeErrors }
func (n *Network) Clock() *timer.VirtualClock { return n.clock }
func (n *Network) Outage() bool { return n.forward.InOutage(n.clock.Now()) }

// attribute 把可归因的丢包告知发送方，中断期间保持LinkOutage
func (n *Network) attribute(conn *scpstp.Connection, reason DropReason) {
	if conn == nil {
		return
	}
	if reason != DropOutage && conn.LossType() == api.LossLinkOutage {
		return
	}
	if err := conn.SetLossType(reason.LossType()); err != nil {
		n.log.Error("set loss type failed", logger.Err(err))
	}
}

func (n *Network) setLossType(t api.LossType) {
	n.log.Info("link state changed", logger.Stringer("loss", t), logger.Duration("at", n.clock.Now()))
	for _, c := range []*scpstp.Connection{n.client, n.server} {
		if c == nil {
			continue
		}
		if err := c.SetLossType(t); err != nil {
			n.log.Error("set loss type failed", logger.Err(err))
		}
	}
}
