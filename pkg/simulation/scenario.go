// 双节点链路仿真：场景定义、链路模型、批量传输驱动与拥塞窗口轨迹
package simulation

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/junbin-yang/scpstp-go/api"
)

// Outage 一段链路中断，从Start开始持续Duration
type Outage struct {
	Start    time.Duration `yaml:"start"`
	Duration time.Duration `yaml:"duration"`
}

func (o Outage) End() time.Duration { return o.Start + o.Duration }

// LinkConfig 单向链路参数，两个方向使用同一组参数
type LinkConfig struct {
	Delay      time.Duration `yaml:"delay"`       // 单向传播时延
	Rate       uint64        `yaml:"rate"`        // 比特每秒，0表示不限速
	BER        float64       `yaml:"ber"`         // 误码率
	QueueLimit uint32        `yaml:"queue_limit"` // 发送队列字节上限，0表示不限
	ECN        bool          `yaml:"ecn"`         // 队列超过一半时打CE标记而不是等到溢出
	Outages    []Outage      `yaml:"outages"`
}

// Scenario 一次批量传输实验
type Scenario struct {
	Name     string        `yaml:"name"`
	Bytes    uint64        `yaml:"bytes"`    // 客户端发送的总字节数
	Deadline time.Duration `yaml:"deadline"` // 虚拟时间上限
	Seed     int64         `yaml:"seed"`

	// TraceInterval 拥塞窗口采样间隔，0表示不采样
	TraceInterval time.Duration `yaml:"trace_interval"`

	Link   LinkConfig `yaml:"link"`
	Client api.Config `yaml:"client"`
	Server api.Config `yaml:"server"`
}

// DefaultScenario 干净链路上的1MB传输
func DefaultScenario() Scenario {
	return Scenario{
		Name:     "default",
		Bytes:    1 << 20,
		Deadline: 10 * time.Minute,
		Seed:     1,
		Link: LinkConfig{
			Delay: 250 * time.Millisecond,
			Rate:  10_000_000,
		},
		Client: api.DefaultConfig(),
		Server: api.DefaultConfig(),
	}
}

// ParseScenario 在默认场景上叠加YAML中给出的字段
func ParseScenario(data []byte) (*Scenario, error) {
	sc := DefaultScenario()
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, errors.Wrap(err, "parse scenario")
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadScenario 从文件读取场景
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read scenario %s", path)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, errors.Wrapf(err, "scenario %s", path)
	}
	return sc, nil
}

// Validate 校验场景参数
func (s *Scenario) Validate() error {
	switch {
	case s.Bytes == 0:
		return errors.Wrap(api.ErrInvalidConfig, "bytes must be positive")
	case s.Deadline <= 0:
		return errors.Wrap(api.ErrInvalidConfig, "deadline must be positive")
	case s.Link.Delay < 0:
		return errors.Wrap(api.ErrInvalidConfig, "negative link delay")
	case s.Link.BER < 0 || s.Link.BER >= 1:
		return errors.Wrapf(api.ErrInvalidConfig, "ber %g out of [0, 1)", s.Link.BER)
	}
	for i, o := range s.Link.Outages {
		if o.Start < 0 || o.Duration <= 0 {
			return errors.Wrapf(api.ErrInvalidConfig, "outage %d: start %v duration %v", i, o.Start, o.Duration)
		}
	}
	if err := s.Client.Validate(); err != nil {
		return errors.Wrap(err, "client")
	}
	if err := s.Server.Validate(); err != nil {
		return errors.Wrap(err, "server")
	}
	return nil
}
