// 32位循环序列号运算，比较均基于模2^32的有符号差值
package seqnum

// Value 序列号
type Value uint32

// Size 序列号区间长度（字节数）
type Size uint32

// LessThan 判断v是否在w之前
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq 判断v是否在w之前或等于w
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// GreaterThan 判断v是否在w之后
func (v Value) GreaterThan(w Value) bool {
	return w.LessThan(v)
}

// GreaterThanEq 判断v是否在w之后或等于w
func (v Value) GreaterThanEq(w Value) bool {
	return w.LessThanEq(v)
}

// InRange 判断v是否落在[a, b)内
func (v Value) InRange(a, b Value) bool {
	return v-a < b-a
}

// InWindow 判断v是否落在以first起始、长度为size的窗口内
func (v Value) InWindow(first Value, size Size) bool {
	return v.InRange(first, first.Add(size))
}

// Add 序列号前进s字节
func (v Value) Add(s Size) Value {
	return v + Value(s)
}

// Size 计算从v到w的距离，w在v之前时返回0
func (v Value) Size(w Value) Size {
	if w.LessThan(v) {
		return 0
	}
	return Size(w - v)
}

// UpdateForward 原地前进s字节
func (v *Value) UpdateForward(s Size) {
	*v += Value(s)
}

func Max(a, b Value) Value {
	if a.LessThan(b) {
		return b
	}
	return a
}

func Min(a, b Value) Value {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Overlap 判断[a1, a2)与[b1, b2)是否相交
func Overlap(a1, a2, b1, b2 Value) bool {
	return a1.LessThan(b2) && b1.LessThan(a2)
}
