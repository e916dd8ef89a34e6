package congestion

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/junbin-yang/scpstp-go/api"
)

type StrategyFactory func() Strategy
type RecoveryFactory func() RecoveryStrategy

// Registry 按名称创建拥塞控制与恢复算法实例
// 启动时构建一次，随配置传给每个连接
type Registry struct {
	mu         sync.RWMutex
	congestion map[string]StrategyFactory
	recovery   map[string]RecoveryFactory
}

func NewRegistry() *Registry {
	return &Registry{
		congestion: make(map[string]StrategyFactory),
		recovery:   make(map[string]RecoveryFactory),
	}
}

// DefaultRegistry 注册了内置算法的注册表
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterCongestion("newreno", func() Strategy { return NewNewReno() })
	r.RegisterCongestion("reno", func() Strategy { return NewNewReno() })
	r.RegisterCongestion("cubic", func() Strategy { return NewCubic() })
	r.RegisterCongestion("vegas", func() Strategy { return NewVegas() })
	r.RegisterRecovery("classic", func() RecoveryStrategy { return NewClassicRecovery() })
	return r
}

func (r *Registry) RegisterCongestion(name string, f StrategyFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.congestion[strings.ToLower(name)] = f
}

func (r *Registry) RegisterRecovery(name string, f RecoveryFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovery[strings.ToLower(name)] = f
}

// NewCongestion 创建拥塞控制算法实例（根据算法名）
func (r *Registry) NewCongestion(name string) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.congestion[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(api.ErrUnknownStrategy, "congestion control %q", name)
	}
	return f(), nil
}

// NewRecovery 创建恢复算法实例
func (r *Registry) NewRecovery(name string) (RecoveryStrategy, error) {
	r.mu.RLock()
	f, ok := r.recovery[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(api.ErrUnknownStrategy, "recovery %q", name)
	}
	return f(), nil
}

func (r *Registry) CongestionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.congestion))
	for n := range r.congestion {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) RecoveryNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.recovery))
	for n := range r.recovery {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
