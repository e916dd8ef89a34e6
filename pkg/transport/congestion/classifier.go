package congestion

import "github.com/junbin-yang/scpstp-go/api"

// Classifier 丢包原因分类，由外部（链路模型、ECN回显）设置
type Classifier struct {
	lossType api.LossType
	onChange func(old, cur api.LossType)
}

func NewClassifier(initial api.LossType) *Classifier {
	return &Classifier{lossType: initial}
}

// OnChange 注册分类变化回调，值未变化时不会触发
func (c *Classifier) OnChange(fn func(old, cur api.LossType)) {
	c.onChange = fn
}

func (c *Classifier) Get() api.LossType {
	return c.lossType
}

// Set 设置分类，返回是否发生变化
func (c *Classifier) Set(t api.LossType) bool {
	if t == c.lossType {
		return false
	}
	old := c.lossType
	c.lossType = t
	if c.onChange != nil {
		c.onChange(old, t)
	}
	return true
}

func (c *Classifier) IsCongestion() bool { return c.lossType == api.LossCongestion }
func (c *Classifier) IsOutage() bool     { return c.lossType == api.LossLinkOutage }
