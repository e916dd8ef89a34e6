// 公共API类型
package api

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// 丢包原因分类
type LossType uint8

const (
	LossCorruption LossType = iota // 误码丢包（默认）
	LossCongestion                 // 拥塞丢包
	LossLinkOutage                 // 链路中断
)

var lossTypeNames = [...]string{"corruption", "congestion", "link_outage"}

func (t LossType) String() string {
	if int(t) < len(lossTypeNames) {
		return lossTypeNames[t]
	}
	return "unknown"
}

func (t LossType) Valid() bool {
	return int(t) < len(lossTypeNames)
}

// ParseLossType 解析 "corruption"、"congestion"、"link_outage"（也接受 "outage"）
func ParseLossType(s string) (LossType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "outage" || s == "link-outage" {
		return LossLinkOutage, nil
	}
	for i, name := range lossTypeNames {
		if s == name {
			return LossType(i), nil
		}
	}
	return LossCorruption, errors.Wrapf(ErrInvalidConfig, "unknown loss type %q", s)
}

func (t LossType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *LossType) UnmarshalText(b []byte) error {
	v, err := ParseLossType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// 拥塞状态
type CongState uint8

const (
	CongOpen     CongState = iota // 正常
	CongDisorder                  // 收到重复ACK
	CongCWR                       // 收到ECN回显后降窗
	CongRecovery                  // 快速恢复
	CongLoss                      // 超时重传
)

var congStateNames = [...]string{"CA_OPEN", "CA_DISORDER", "CA_CWR", "CA_RECOVERY", "CA_LOSS"}

func (s CongState) String() string {
	if int(s) < len(congStateNames) {
		return congStateNames[s]
	}
	return "CA_UNKNOWN"
}

// 连接状态
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateCloseWait
	StateLastAck
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
)

var stateNames = [...]string{
	"CLOSED", "LISTEN", "SYN_SENT", "SYN_RCVD", "ESTABLISHED", "CLOSE_WAIT",
	"LAST_ACK", "FIN_WAIT_1", "FIN_WAIT_2", "CLOSING", "TIME_WAIT",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// 错误定义
var (
	ErrNotConnected     = errors.New("connection not established")
	ErrMessageTooLarge  = errors.New("send buffer full")
	ErrShutdown         = errors.New("send side shut down")
	ErrInvalidState     = errors.New("invalid connection state")
	ErrConnectionFailed = errors.New("connection failed")
	ErrConnectionReset  = errors.New("connection reset")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrUnknownStrategy  = errors.New("unknown strategy")
	ErrInvalidConfig    = errors.New("invalid config")
)

// 连接配置
type Config struct {
	SegmentSize     uint32 `yaml:"segment_size" mapstructure:"segment_size"`         // MSS（字节）
	SndBufSize      uint32 `yaml:"snd_buf_size" mapstructure:"snd_buf_size"`         // 发送缓冲区（字节）
	RcvBufSize      uint32 `yaml:"rcv_buf_size" mapstructure:"rcv_buf_size"`         // 接收缓冲区（字节）
	InitialCwnd     uint32 `yaml:"initial_cwnd" mapstructure:"initial_cwnd"`         // 初始拥塞窗口（段数）
	InitialSsThresh uint32 `yaml:"initial_ssthresh" mapstructure:"initial_ssthresh"` // 初始慢启动阈值（字节）

	SackEnabled     bool `yaml:"sack" mapstructure:"sack"`
	SnackEnabled    bool `yaml:"snack" mapstructure:"snack"`
	WindowScaling   bool `yaml:"window_scaling" mapstructure:"window_scaling"`
	Timestamps      bool `yaml:"timestamps" mapstructure:"timestamps"`
	EcnEnabled      bool `yaml:"ecn" mapstructure:"ecn"`
	LimitedTransmit bool `yaml:"limited_transmit" mapstructure:"limited_transmit"`

	DelAckCount   uint32        `yaml:"delack_count" mapstructure:"delack_count"`
	DelAckTimeout time.Duration `yaml:"delack_timeout" mapstructure:"delack_timeout"`

	PersistTimeout    time.Duration `yaml:"persist_timeout" mapstructure:"persist_timeout"`
	PersistTimeoutMax time.Duration `yaml:"persist_timeout_max" mapstructure:"persist_timeout_max"`

	ConnTimeout      time.Duration `yaml:"conn_timeout" mapstructure:"conn_timeout"`
	InitialRTO       time.Duration `yaml:"initial_rto" mapstructure:"initial_rto"`
	MinRTO           time.Duration `yaml:"min_rto" mapstructure:"min_rto"`
	MaxRTO           time.Duration `yaml:"max_rto" mapstructure:"max_rto"`
	ClockGranularity time.Duration `yaml:"clock_granularity" mapstructure:"clock_granularity"`

	DataRetries uint32        `yaml:"data_retries" mapstructure:"data_retries"`
	SynRetries  uint32        `yaml:"syn_retries" mapstructure:"syn_retries"`
	MSL         time.Duration `yaml:"msl" mapstructure:"msl"`
	ReTxThresh  uint32        `yaml:"retx_thresh" mapstructure:"retx_thresh"`

	Congestion string   `yaml:"congestion" mapstructure:"congestion"` // 拥塞控制算法名
	Recovery   string   `yaml:"recovery" mapstructure:"recovery"`     // 恢复算法名
	LossType   LossType `yaml:"loss_type" mapstructure:"loss_type"`   // 初始丢包分类
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		SegmentSize:       536,
		SndBufSize:        128 << 10,
		RcvBufSize:        128 << 10,
		InitialCwnd:       10,
		InitialSsThresh:   ^uint32(0),
		SackEnabled:       true,
		SnackEnabled:      true,
		WindowScaling:     true,
		Timestamps:        true,
		EcnEnabled:        false,
		LimitedTransmit:   true,
		DelAckCount:       2,
		DelAckTimeout:     200 * time.Millisecond,
		PersistTimeout:    6 * time.Second,
		PersistTimeoutMax: 60 * time.Second,
		ConnTimeout:       3 * time.Second,
		InitialRTO:        time.Second,
		MinRTO:            time.Second,
		MaxRTO:            60 * time.Second,
		ClockGranularity:  time.Millisecond,
		DataRetries:       6,
		SynRetries:        6,
		MSL:               120 * time.Second,
		ReTxThresh:        3,
		Congestion:        "newreno",
		Recovery:          "classic",
		LossType:          LossCorruption,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch {
	case c.SegmentSize == 0:
		return errors.Wrap(ErrInvalidConfig, "segment_size must be positive")
	case c.SndBufSize == 0 || c.RcvBufSize == 0:
		return errors.Wrap(ErrInvalidConfig, "buffer sizes must be positive")
	case c.InitialCwnd == 0:
		return errors.Wrap(ErrInvalidConfig, "initial_cwnd must be positive")
	case c.DelAckCount == 0:
		return errors.Wrap(ErrInvalidConfig, "delack_count must be positive")
	case c.PersistTimeout <= 0:
		return errors.Wrap(ErrInvalidConfig, "persist_timeout must be positive")
	case c.PersistTimeoutMax < c.PersistTimeout:
		return errors.Wrapf(ErrInvalidConfig, "persist_timeout_max %v below persist_timeout %v",
			c.PersistTimeoutMax, c.PersistTimeout)
	case c.MinRTO <= 0 || c.MaxRTO < c.MinRTO:
		return errors.Wrapf(ErrInvalidConfig, "rto bounds [%v, %v]", c.MinRTO, c.MaxRTO)
	case c.ConnTimeout <= 0 || c.InitialRTO <= 0:
		return errors.Wrap(ErrInvalidConfig, "timeouts must be positive")
	case c.SynRetries == 0:
		return errors.Wrap(ErrInvalidConfig, "syn_retries must be positive")
	case c.ReTxThresh == 0:
		return errors.Wrap(ErrInvalidConfig, "retx_thresh must be positive")
	case !c.LossType.Valid():
		return errors.Wrapf(ErrInvalidConfig, "loss type %d", c.LossType)
	}
	return nil
}

// Observer 连接事件通知，所有方法在连接锁之外被调用
type Observer interface {
	OnConnected()
	OnConnectFailed(err error)
	// OnClosed 正常关闭时err为nil
	OnClosed(err error)
	// OnData 有新的按序数据可读
	OnData(available int)
	// OnDataSent 首次发送的字节数（不含重传）
	OnDataSent(n int)
	// OnSendAvailable 发送缓冲区有可用空间
	OnSendAvailable(space int)
}

// Callbacks 以函数字段实现Observer，未设置的字段被忽略
type Callbacks struct {
	Connected     func()
	ConnectFailed func(err error)
	Closed        func(err error)
	Data          func(available int)
	DataSent      func(n int)
	SendAvailable func(space int)
}

func (c *Callbacks) OnConnected() {
	if c.Connected != nil {
		c.Connected()
	}
}

func (c *Callbacks) OnConnectFailed(err error) {
	if c.ConnectFailed != nil {
		c.ConnectFailed(err)
	}
}

func (c *Callbacks) OnClosed(err error) {
	if c.Closed != nil {
		c.Closed(err)
	}
}

func (c *Callbacks) OnData(available int) {
	if c.Data != nil {
		c.Data(available)
	}
}

func (c *Callbacks) OnDataSent(n int) {
	if c.DataSent != nil {
		c.DataSent(n)
	}
}

func (c *Callbacks) OnSendAvailable(space int) {
	if c.SendAvailable != nil {
		c.SendAvailable(space)
	}
}

// 运行时统计
type Statistics struct {
	BytesSent          uint64 // 首次发送的数据字节
	BytesRetransmitted uint64
	BytesReceived      uint64 // 按序交付的数据字节
	SegmentsSent       uint64
	SegmentsReceived   uint64
	Retransmissions    uint64
	Timeouts           uint64 // RTO次数
	CongestionRecovery uint64 // 拥塞引起的快速恢复次数
	CorruptionRecovery uint64 // 误码引起的快速恢复次数
	OutageEpisodes     uint64
	OutageProbes       uint64
	PersistProbes      uint64
	DupAcks            uint64
	SnackHolesSent     uint64
	SnackHolesReceived uint64
	EcnEchoes          uint64
	LastRTT            time.Duration
	SmoothedRTT        time.Duration
	RTO                time.Duration
	CWnd               uint32
	SsThresh           uint32
}
