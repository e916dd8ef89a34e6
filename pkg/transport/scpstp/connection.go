// 实现SCPS-TP连接状态机：三次握手、数据收发、按丢包原因区分的重传与恢复、链路中断探测以及四次挥手
package scpstp

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/junbin-yang/scpstp-go/api"
	"github.com/junbin-yang/scpstp-go/pkg/transport/buffer"
	"github.com/junbin-yang/scpstp-go/pkg/transport/congestion"
	"github.com/junbin-yang/scpstp-go/pkg/transport/segment"
	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
	"github.com/junbin-yang/scpstp-go/pkg/utils/logger"
	"github.com/junbin-yang/scpstp-go/pkg/utils/timer"
)

// 定时器名称
const (
	timerRetx     = "retx"     // 重传（SYN/FIN/数据）
	timerPersist  = "persist"  // 零窗口探测
	timerOutage   = "outage"   // 链路中断探测
	timerDelAck   = "delack"   // 延迟确认
	timerLastAck  = "lastack"  // LAST_ACK重发FIN
	timerTimeWait = "timewait" // 2MSL
)

const (
	maxWinSize     = 65535
	maxWindowShift = 14
)

// 接收方向的ECN状态
type ecnRxState uint8

const (
	ecnRxIdle       ecnRxState = iota
	ecnRxCeRcvd                // 收到CE标记
	ecnRxSendingEce            // 正在回显ECE，直到对端发来CWR
)

// 发送方向的ECN状态
type ecnTxState uint8

const (
	ecnTxIdle    ecnTxState = iota
	ecnTxEceRcvd            // 收到有效的ECE
	ecnTxCwrSent            // 已在数据段上置CWR
)

// Sender 网络层发送接口，连接把每个报文段交给它，不关心投递结果
type Sender interface {
	SendPacket(seg *segment.Segment, local, peer net.Addr)
}

// SenderFunc 以函数实现Sender
type SenderFunc func(seg *segment.Segment, local, peer net.Addr)

func (f SenderFunc) SendPacket(seg *segment.Segment, local, peer net.Addr) {
	f(seg, local, peer)
}

// Options 创建连接所需的参数
type Options struct {
	Config    api.Config
	Registry  *congestion.Registry // 为空时使用DefaultRegistry
	Clock     timer.Scheduler      // 必填
	Sender    Sender               // 必填
	Observer  api.Observer
	Logger    *logger.Logger
	LocalAddr net.Addr
	PeerAddr  net.Addr
	LocalPort uint16
	PeerPort  uint16
	ISN       seqnum.Value // 初始发送序列号
}

// 待发出的报文段
type outbound struct {
	seg   *segment.Segment
	local net.Addr
	peer  net.Addr
}

// Connection 一个SCPS-TP连接
//
// 所有状态由mu保护。报文段和事件通知在持锁期间排队，释放锁之后才交给Sender和Observer，
// 因此Sender可以同步地把报文段交给另一个连接，Observer回调里也可以再次调用连接的方法。
type Connection struct {
	mu sync.Mutex

	// 连接信息
	cfg       api.Config
	localAddr net.Addr
	peerAddr  net.Addr
	localPort uint16
	peerPort  uint16
	state     api.State
	connected bool
	sender    Sender
	observer  api.Observer
	clock     timer.Scheduler
	timers    *timer.Manager
	log       *logger.Logger
	onDone    func()

	// 序列号
	isn        seqnum.Value
	nextTx     seqnum.Value // 下一个要发送的序号
	highTxMark seqnum.Value // 发送过的最高序号
	highRxAck  seqnum.Value // 收到的最高确认号
	highRxMark seqnum.Value // 收到的最高序号
	highTxAck  seqnum.Value // 发出的最高确认号

	// 流量控制参数
	segmentSize uint32
	rWnd        uint32 // 对端通告窗口（已左移）
	lastWnd     uint32 // 上一个确认段携带的窗口
	wndChanged  bool
	sndWScale   uint8
	rcvWScale   uint8

	// 协商结果
	winScaling   bool
	sackEnabled  bool
	snackEnabled bool
	tsEnabled    bool
	tsRecent     uint32
	ecnOn        bool

	// 缓冲区
	tx *buffer.TxBuffer
	rx *buffer.RxBuffer

	// 拥塞控制
	ctrl *congestion.Controller
	loss *congestion.Classifier

	// 计时器相关
	rtt            *RttEstimator
	history        rttHistory
	rto            time.Duration
	persistTimeout time.Duration
	outageTimeout  time.Duration
	outageUna      seqnum.Value // 进入链路中断时的SND.UNA
	synCount       uint32
	dataRetrCount  uint32
	delAckCount    uint32

	// ECN
	ecnRx      ecnRxState
	ecnTx      ecnTxState
	ecnEchoSeq seqnum.Value
	cwrSeq     seqnum.Value

	// 关闭
	closeOnEmpty  bool
	closeNotified bool
	shutdownSend  bool
	shutdownRecv  bool
	finSent       bool
	finSeq        seqnum.Value
	finAcked      bool

	// 统计信息
	stats api.Statistics

	outbox []outbound
	events []func(api.Observer)
}

// NewConnection 创建一个处于CLOSED状态的连接
func NewConnection(opts Options) (*Connection, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil || opts.Sender == nil {
		return nil, errors.Wrap(api.ErrInvalidConfig, "clock and sender are required")
	}
	reg := opts.Registry
	if reg == nil {
		reg = congestion.DefaultRegistry()
	}
	cc, err := reg.NewCongestion(cfg.Congestion)
	if err != nil {
		return nil, err
	}
	rec, err := reg.NewRecovery(cfg.Recovery)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.Named("scpstp").With(
		logger.String("local", addrString(opts.LocalAddr, opts.LocalPort)),
		logger.String("peer", addrString(opts.PeerAddr, opts.PeerPort)))

	observer := opts.Observer
	if observer == nil {
		observer = &api.Callbacks{}
	}

	c := &Connection{
		cfg:            cfg,
		localAddr:      opts.LocalAddr,
		peerAddr:       opts.PeerAddr,
		localPort:      opts.LocalPort,
		peerPort:       opts.PeerPort,
		state:          api.StateClosed,
		sender:         opts.Sender,
		observer:       observer,
		clock:          opts.Clock,
		timers:         timer.NewManager(opts.Clock),
		log:            log,
		isn:            opts.ISN,
		nextTx:         opts.ISN,
		highTxMark:     opts.ISN,
		highRxAck:      opts.ISN,
		segmentSize:    cfg.SegmentSize,
		winScaling:     cfg.WindowScaling,
		sackEnabled:    cfg.SackEnabled,
		snackEnabled:   cfg.SnackEnabled && cfg.SackEnabled,
		tsEnabled:      cfg.Timestamps,
		tx:             buffer.NewTxBuffer(cfg.SndBufSize, cfg.SegmentSize, cfg.ReTxThresh),
		rx:             buffer.NewRxBuffer(cfg.RcvBufSize),
		rtt:            NewRttEstimator(cfg.InitialRTO),
		rto:            cfg.InitialRTO,
		persistTimeout: cfg.PersistTimeout,
		outageTimeout:  cfg.PersistTimeout,
		synCount:       cfg.SynRetries,
		dataRetrCount:  cfg.DataRetries,
	}
	c.timers.SetGuard(timerGuard{c})
	if c.winScaling {
		c.rcvWScale = windowShift(cfg.RcvBufSize)
	}
	c.loss = congestion.NewClassifier(cfg.LossType)
	c.loss.OnChange(c.onLossTypeChange)
	c.ctrl = congestion.NewController(congestion.ControllerConfig{
		SegmentSize:     cfg.SegmentSize,
		InitialCwnd:     cfg.InitialCwnd,
		InitialSsThresh: cfg.InitialSsThresh,
		ReTxThresh:      cfg.ReTxThresh,
		SackEnabled:     c.sackEnabled,
		LimitedTransmit: cfg.LimitedTransmit,
	}, cc, rec, c.loss, c.tx, opts.Clock, log)
	c.tx.SetHeadSequence(opts.ISN.Add(1))
	return c, nil
}

// windowShift 使接收缓冲区能用16位窗口表示的最小移位
func windowShift(bufSize uint32) uint8 {
	var shift uint8
	for bufSize>>shift > maxWinSize && shift < maxWindowShift {
		shift++
	}
	return shift
}

func addrString(addr net.Addr, port uint16) string {
	if addr == nil {
		if port == 0 {
			return "-"
		}
		return ":" + itoa(port)
	}
	return addr.String()
}

func itoa(v uint16) string {
	return strconv.FormatUint(uint64(v), 10)
}

// unlock 释放锁之后依次发出排队的报文段和事件通知
func (c *Connection) unlock() {
	out := c.outbox
	events := c.events
	obs := c.observer
	c.outbox = nil
	c.events = nil
	c.mu.Unlock()

	for _, o := range out {
		c.sender.SendPacket(o.seg, o.local, o.peer)
	}
	for _, ev := range events {
		ev(obs)
	}
}

// timerGuard 定时器回调在连接锁内执行，解锁时与其他入口一样冲刷待发送段和事件
type timerGuard struct{ c *Connection }

func (g timerGuard) Lock()   { g.c.mu.Lock() }
func (g timerGuard) Unlock() { g.c.unlock() }

func (c *Connection) notify(ev func(api.Observer)) {
	c.events = append(c.events, ev)
}

func (c *Connection) setState(s api.State) {
	if c.state == s {
		return
	}
	c.log.Debug("state change", logger.Stringer("from", c.state), logger.Stringer("to", s))
	c.state = s
}

// Connect 主动打开：发送SYN并进入SYN_SENT
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != api.StateClosed {
		return errors.Wrapf(api.ErrInvalidState, "connect in %s", c.state)
	}
	c.log.Info("Connecting")
	c.setState(api.StateSynSent)
	c.synCount = c.cfg.SynRetries
	c.dataRetrCount = c.cfg.DataRetries
	c.sendEmptyPacket(c.synFlags())
	return nil
}

// Listen 被动打开：等待对端的SYN
func (c *Connection) Listen() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != api.StateClosed {
		return errors.Wrapf(api.ErrInvalidState, "listen in %s", c.state)
	}
	c.setState(api.StateListen)
	return nil
}

// Send 把数据追加到发送缓冲区，返回接受的字节数
func (c *Connection) Send(p []byte) (int, error) {
	c.mu.Lock()
	defer c.unlock()

	if c.shutdownSend {
		return 0, api.ErrShutdown
	}
	switch c.state {
	case api.StateEstablished, api.StateSynSent, api.StateCloseWait:
	default:
		return 0, errors.Wrapf(api.ErrNotConnected, "send in %s", c.state)
	}
	if !c.tx.Add(p) {
		return 0, errors.Wrapf(api.ErrMessageTooLarge, "%d bytes, %d available", len(p), c.tx.Available())
	}
	if c.state != api.StateSynSent {
		c.sendPendingData()
	}
	return len(p), nil
}

// Read 读取至多max字节的按序数据
func (c *Connection) Read(max int) []byte {
	c.mu.Lock()
	defer c.unlock()

	if c.shutdownRecv {
		return nil
	}
	before := uint32(c.advertisedWindow(false))
	data := c.rx.Read(max)
	if len(data) == 0 {
		return nil
	}
	// 窗口从不足一个MSS重新打开时主动发送窗口更新
	after := uint32(c.advertisedWindow(false))
	if before < c.segmentSize && after >= c.segmentSize && c.canSendAck() {
		c.sendAck()
	}
	return data
}

// Available 可读取的按序字节数
func (c *Connection) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdownRecv {
		return 0
	}
	return int(c.rx.Available())
}

// TxAvailable 发送缓冲区剩余空间
func (c *Connection) TxAvailable() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.tx.Available())
}

// Close 主动关闭。还有未发送的数据时推迟到数据发完，有未读数据时发送RST
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.unlock()

	c.log.Info("Closing connection", logger.Stringer("state", c.state))
	if c.rx.Size() != 0 {
		c.log.Warn("unread data during close, sending reset", logger.Uint32("unread", c.rx.Size()))
		c.sendRst()
		c.closeAndNotify(api.ErrConnectionReset)
		return nil
	}
	if c.tx.SizeFromSequence(c.nextTx) > 0 {
		if !c.closeOnEmpty {
			c.closeOnEmpty = true
			c.log.Debug("deferring close until tx buffer drains")
		}
		return nil
	}
	c.doClose()
	return nil
}

func (c *Connection) doClose() {
	switch c.state {
	case api.StateSynRcvd, api.StateEstablished, api.StateCloseWait:
		c.sendEmptyPacket(segment.FlagFIN)
		c.advanceOnFin()
	case api.StateSynSent, api.StateClosing:
		c.sendRst()
		c.closeAndNotify(nil)
	case api.StateListen, api.StateLastAck:
		c.closeAndNotify(nil)
	}
}

// ShutdownSend 半关闭：不再接受新数据，缓冲区发完后发送FIN
func (c *Connection) ShutdownSend() error {
	c.mu.Lock()
	defer c.unlock()

	c.shutdownSend = true
	c.closeOnEmpty = true
	if c.tx.SizeFromSequence(c.nextTx) == 0 {
		if c.state == api.StateEstablished || c.state == api.StateCloseWait {
			c.sendEmptyPacket(segment.FlagFIN)
			c.advanceOnFin()
		}
	}
	return nil
}

// ShutdownRecv 停止向应用交付数据，已到达的数据仍然被确认
func (c *Connection) ShutdownRecv() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownRecv = true
	return nil
}

// SetLossType 设置丢包原因分类，与当前值相同时不做任何事
func (c *Connection) SetLossType(t api.LossType) error {
	if !t.Valid() {
		return errors.Wrapf(api.ErrInvalidConfig, "loss type %d", t)
	}
	c.mu.Lock()
	defer c.unlock()
	c.loss.Set(t)
	return nil
}

func (c *Connection) LossType() api.LossType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loss.Get()
}

func (c *Connection) State() api.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) CongState() api.CongState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrl.State()
}

func (c *Connection) RTO() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rto
}

func (c *Connection) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localAddr
}

func (c *Connection) PeerAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

// GetStatistics 获取连接统计信息的副本
func (c *Connection) GetStatistics() api.Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.SmoothedRTT = c.rtt.Estimate()
	s.RTO = c.rto
	s.CWnd = c.ctrl.CWnd()
	s.SsThresh = c.ctrl.SsThresh()
	return s
}

// closeAndNotify 进入CLOSED，取消所有定时器并通知一次关闭
func (c *Connection) closeAndNotify(err error) {
	c.timers.StopAll()
	c.setState(api.StateClosed)
	c.connected = false
	if !c.closeNotified {
		c.closeNotified = true
		if err != nil {
			c.log.Warn("Connection closed with error", logger.Err(err))
		} else {
			c.log.Info("Connection closed",
				logger.Uint64("bytes_sent", c.stats.BytesSent),
				logger.Uint64("bytes_received", c.stats.BytesReceived))
		}
		c.notify(func(o api.Observer) { o.OnClosed(err) })
	}
	if done := c.onDone; done != nil {
		c.onDone = nil
		c.notify(func(api.Observer) { done() })
	}
}

// failConnect 握手失败
func (c *Connection) failConnect(err error) {
	c.timers.StopAll()
	c.setState(api.StateClosed)
	c.connected = false
	c.closeNotified = true
	c.log.Warn("Connection failed", logger.Err(err))
	c.notify(func(o api.Observer) { o.OnConnectFailed(err) })
	if done := c.onDone; done != nil {
		c.onDone = nil
		c.notify(func(api.Observer) { done() })
	}
}

// establish 握手完成
func (c *Connection) establish() {
	c.setState(api.StateEstablished)
	c.connected = true
	c.timers.Cancel(timerRetx)
	c.nextTx = c.isn.Add(1)
	c.highTxMark = c.nextTx
	c.rto = c.rtt.RTO(c.cfg.MinRTO, c.cfg.MaxRTO, c.cfg.ClockGranularity)
	c.log.Info("Connection established",
		logger.Uint32("mss", c.segmentSize), logger.Bool("sack", c.sackEnabled),
		logger.Bool("snack", c.snackEnabled), logger.Bool("timestamps", c.tsEnabled),
		logger.Bool("ecn", c.ecnOn), logger.Uint8("snd_wscale", c.sndWScale),
		logger.Uint8("rcv_wscale", c.rcvWScale))
	c.notify(func(o api.Observer) { o.OnConnected() })
	if avail := int(c.tx.Available()); avail > 0 {
		c.notify(func(o api.Observer) { o.OnSendAvailable(avail) })
	}
	if c.loss.IsOutage() {
		c.enterOutage()
	}
}

// advanceOnFin FIN发出后推进状态
func (c *Connection) advanceOnFin() {
	switch c.state {
	case api.StateSynRcvd, api.StateEstablished:
		c.setState(api.StateFinWait1)
	case api.StateCloseWait:
		c.setState(api.StateLastAck)
		c.dataRetrCount = c.cfg.DataRetries
		c.scheduleLastAck()
	}
}

func (c *Connection) synFlags() segment.Flags {
	if c.cfg.EcnEnabled {
		return segment.FlagSYN | segment.FlagECE | segment.FlagCWR
	}
	return segment.FlagSYN
}

func (c *Connection) synAckFlags() segment.Flags {
	if c.ecnOn {
		return segment.FlagSYN | segment.FlagACK | segment.FlagECE
	}
	return segment.FlagSYN | segment.FlagACK
}

func (c *Connection) canSendAck() bool {
	switch c.state {
	case api.StateEstablished, api.StateCloseWait, api.StateFinWait1, api.StateFinWait2:
		return true
	}
	return false
}

// onLossTypeChange 丢包分类变化：进入链路中断时停止重传定时器改为中断探测，离开时恢复发送
func (c *Connection) onLossTypeChange(old, cur api.LossType) {
	c.log.Info("loss type changed", logger.Stringer("from", old), logger.Stringer("to", cur))
	if cur == api.LossLinkOutage {
		c.stats.OutageEpisodes++
		if c.connected {
			c.enterOutage()
		}
		return
	}
	if old != api.LossLinkOutage {
		return
	}
	c.timers.Cancel(timerOutage)
	c.outageTimeout = c.cfg.PersistTimeout
	if !c.connected {
		return
	}
	c.log.Info("link outage finished", logger.Uint32("una", uint32(c.tx.HeadSequence())))
	c.sendPendingData()
	if c.tx.SentSize() > 0 && !c.timers.IsRunning(timerRetx) {
		c.timers.Reset(timerRetx, c.rto, c.onRetransmitTimeout)
	}
}

func (c *Connection) enterOutage() {
	c.outageUna = c.tx.HeadSequence()
	c.outageTimeout = c.cfg.PersistTimeout
	c.timers.Cancel(timerRetx)
	if !c.timers.IsRunning(timerOutage) {
		c.timers.Reset(timerOutage, c.outageTimeout, c.onOutageTimeout)
	}
}
