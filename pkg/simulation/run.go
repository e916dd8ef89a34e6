package simulation

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/junbin-yang/scpstp-go/api"
	"github.com/junbin-yang/scpstp-go/pkg/transport/congestion"
	"github.com/junbin-yang/scpstp-go/pkg/transport/scpstp"
	"github.com/junbin-yang/scpstp-go/pkg/utils/logger"
	"github.com/junbin-yang/scpstp-go/pkg/utils/timer"
)

// ErrIncomplete 截止时间到达时数据没有全部交付
var ErrIncomplete = errors.New("transfer incomplete")

const (
	sendChunk = 64 << 10
	// 每执行这么多事件检查一次ctx
	ctxCheckEvery = 1024
)

// RunOptions 运行参数
type RunOptions struct {
	Logger   *logger.Logger
	Registry *congestion.Registry
	Trace    *TraceWriter // 为空时不记录轨迹
}

// Result 一次批量传输的结果
type Result struct {
	Scenario  string
	Completed bool
	Delivered uint64
	Duration  time.Duration // 从发起连接到最后一个字节交付的仿真时间
	Goodput   float64       // 比特每秒

	Client  api.Statistics
	Server  api.Statistics
	Forward LinkStats
	Reverse LinkStats
}

// transfer 批量传输的双方状态
type transfer struct {
	sc        *Scenario
	net       *Network
	sent      uint64
	delivered uint64
	doneAt    time.Duration
	done      bool
	connErr   error
	chunk     []byte
}

func (t *transfer) fill() {
	c := t.net.Client()
	for t.sent < t.sc.Bytes {
		n := min(uint64(c.TxAvailable()), t.sc.Bytes-t.sent, sendChunk)
		if n == 0 {
			return
		}
		if _, err := c.Send(t.chunk[:n]); err != nil {
			return
		}
		t.sent += n
	}
}

func (t *transfer) drain(c *scpstp.Connection) {
	for {
		p := c.Read(sendChunk)
		if len(p) == 0 {
			break
		}
		t.delivered += uint64(len(p))
	}
	if !t.done && t.delivered >= t.sc.Bytes {
		t.done = true
		t.doneAt = t.net.Clock().Now()
	}
}

// Run 在虚拟时钟上执行场景：客户端连接服务端并发送sc.Bytes字节，全部交付或超过截止时间后结束
func Run(ctx context.Context, sc *Scenario, opts RunOptions) (res *Result, err error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.Named("simulation").With(logger.String("scenario", sc.Name))

	clock := timer.NewVirtualClock()
	rng := rand.New(rand.NewSource(sc.Seed))
	t := &transfer{sc: sc, chunk: make([]byte, sendChunk)}
	for i := range t.chunk {
		t.chunk[i] = byte(i)
	}

	clientObs := &api.Callbacks{
		Connected:     t.fill,
		SendAvailable: func(int) { t.fill() },
		ConnectFailed: func(e error) { t.connErr = e },
		Closed: func(e error) {
			if e != nil && t.connErr == nil {
				t.connErr = e
			}
		},
	}
	serverObs := func(peer net.Addr) api.Observer {
		return &api.Callbacks{Data: func(int) { t.drain(t.net.Server()) }}
	}
	t.net, err = NewNetwork(sc, clock, rng, opts.Registry, clientObs, serverObs, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, t.net.Listener().Close())
	}()

	var stopTrace bool
	var traceErr error
	if opts.Trace != nil && sc.TraceInterval > 0 {
		var sample func()
		sample = func() {
			if stopTrace {
				return
			}
			st := t.net.Client().GetStatistics()
			if werr := opts.Trace.Record(clock.Now(), st.CWnd, st.SsThresh); werr != nil {
				traceErr = werr
				return
			}
			clock.Schedule(sc.TraceInterval, sample)
		}
		clock.Schedule(0, sample)
	}

	log.Info("Starting transfer", logger.Uint64("bytes", sc.Bytes),
		logger.Duration("delay", sc.Link.Delay), logger.Uint64("rate", sc.Link.Rate),
		logger.Float64("ber", sc.Link.BER), logger.Int("outages", len(sc.Link.Outages)))
	if err := t.net.Client().Connect(); err != nil {
		return nil, err
	}

	steps := 0
	for !t.done && t.connErr == nil {
		at, ok := clock.NextAt()
		if !ok || at > sc.Deadline {
			break
		}
		clock.Step()
		if steps++; steps%ctxCheckEvery == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return nil, errors.Wrap(cerr, "simulation cancelled")
			}
		}
	}
	stopTrace = true

	res = &Result{
		Scenario:  sc.Name,
		Completed: t.done,
		Delivered: t.delivered,
		Duration:  clock.Now(),
		Client:    t.net.Client().GetStatistics(),
		Forward:   t.net.Forward().Stats(),
		Reverse:   t.net.Reverse().Stats(),
	}
	if t.done {
		res.Duration = t.doneAt
	}
	if srv := t.net.Server(); srv != nil {
		res.Server = srv.GetStatistics()
	}
	if res.Duration > 0 {
		res.Goodput = float64(res.Delivered*8) / res.Duration.Seconds()
	}

	if t.done {
		t.closeGracefully()
	}
	log.Info("Transfer finished", logger.Bool("completed", res.Completed),
		logger.Uint64("delivered", res.Delivered), logger.Duration("duration", res.Duration),
		logger.Float64("goodput_bps", res.Goodput), logger.Uint64("retransmissions", res.Client.Retransmissions),
		logger.Uint64("timeouts", res.Client.Timeouts))

	switch {
	case t.connErr != nil:
		return res, multierr.Append(errors.Wrap(t.connErr, "connection"), traceErr)
	case !t.done:
		return res, multierr.Append(
			errors.Wrapf(ErrIncomplete, "%d of %d bytes after %v", res.Delivered, sc.Bytes, sc.Deadline), traceErr)
	}
	return res, traceErr
}

// closeGracefully 双方依次关闭，再运行足够完成四次挥手的时间
func (t *transfer) closeGracefully() {
	grace := 4*t.sc.Link.Delay + 4*time.Second
	clock := t.net.Clock()
	_ = t.net.Client().Close()
	clock.Advance(grace)
	if srv := t.net.Server(); srv != nil {
		_ = srv.Close()
	}
	clock.Advance(grace)
}
