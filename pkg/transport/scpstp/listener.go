package scpstp

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/junbin-yang/scpstp-go/api"
	"github.com/junbin-yang/scpstp-go/pkg/transport/segment"
	"github.com/junbin-yang/scpstp-go/pkg/utils/logger"
)

// ObserverFactory 为每个被动打开的连接创建事件接收者
type ObserverFactory func(peer net.Addr) api.Observer

// Listener 被动打开：每个来自新对端的SYN派生一个独立的连接
type Listener struct {
	mu          sync.Mutex
	opts        Options
	newObserver ObserverFactory
	onAccept    func(*Connection)
	conns       map[string]*Connection
	closed      bool
	log         *logger.Logger
}

// NewListener opts作为派生连接的模板，其中的PeerAddr、PeerPort、Observer会被逐个替换
func NewListener(opts Options, factory ObserverFactory, onAccept func(*Connection)) (*Listener, error) {
	if opts.Clock == nil || opts.Sender == nil {
		return nil, errors.Wrap(api.ErrInvalidConfig, "clock and sender are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Listener{
		opts:        opts,
		newObserver: factory,
		onAccept:    onAccept,
		conns:       make(map[string]*Connection),
		log:         log.Named("listener"),
	}, nil
}

func connKey(from net.Addr, port uint16) string {
	return addrString(from, 0) + "/" + itoa(port)
}

// ReceiveSegment 按来源分发报文段，新对端的SYN派生连接
func (l *Listener) ReceiveSegment(seg *segment.Segment, from, to net.Addr) {
	key := connKey(from, seg.SrcPort)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	conn, ok := l.conns[key]
	if !ok {
		if seg.Flags&^ignoredFlags != segment.FlagSYN {
			l.mu.Unlock()
			l.log.Debug("drop segment for unknown connection", logger.String("from", key),
				logger.Stringer("flags", seg.Flags))
			return
		}
		var err error
		conn, err = l.fork(key, from, seg.SrcPort)
		if err != nil {
			l.mu.Unlock()
			l.log.Error("fork connection failed", logger.Err(err))
			return
		}
		l.conns[key] = conn
		l.log.Info("accept connection", logger.String("peer", key))
	}
	l.mu.Unlock()

	if !ok && l.onAccept != nil {
		l.onAccept(conn)
	}
	conn.ReceiveSegment(seg, from, to)
}

func (l *Listener) fork(key string, from net.Addr, port uint16) (*Connection, error) {
	o := l.opts
	o.PeerAddr = from
	o.PeerPort = port
	if l.newObserver != nil {
		o.Observer = l.newObserver(from)
	}
	conn, err := NewConnection(o)
	if err != nil {
		return nil, err
	}
	conn.onDone = func() { l.remove(key, conn) }
	if err := conn.Listen(); err != nil {
		return nil, err
	}
	return conn, nil
}

func (l *Listener) remove(key string, conn *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[key] == conn {
		delete(l.conns, key)
	}
}

// Connections 当前存活的连接
func (l *Listener) Connections() []*Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Connection, 0, len(l.conns))
	for _, c := range l.conns {
		out = append(out, c)
	}
	return out
}

// Close 停止接受新连接并关闭所有已派生的连接
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	conns := make([]*Connection, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}
