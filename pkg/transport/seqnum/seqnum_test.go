package seqnum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue_Compare(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		less bool
	}{
		{"普通比较", 100, 200, true},
		{"相等", 100, 100, false},
		{"反向", 200, 100, false},
		{"回绕", 0xfffffff0, 0x10, true},
		{"回绕反向", 0x10, 0xfffffff0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.less, tt.a.LessThan(tt.b))
			assert.Equal(t, tt.less || tt.a == tt.b, tt.a.LessThanEq(tt.b))
			assert.Equal(t, tt.less, tt.b.GreaterThan(tt.a))
		})
	}
}

func TestValue_RangeAndSize(t *testing.T) {
	v := Value(0xfffffffe)
	assert.True(t, v.InRange(0xfffffff0, 0x10), "回绕区间应包含该序列号")
	assert.False(t, Value(0x10).InRange(0xfffffff0, 0x10), "区间右端不包含")
	assert.True(t, Value(5).InWindow(0, 10))
	assert.False(t, Value(10).InWindow(0, 10))

	assert.Equal(t, Value(4), v.Add(6), "加法应回绕")
	assert.Equal(t, Size(6), v.Size(4))
	assert.Equal(t, Size(0), Value(4).Size(v), "反向距离应为0")

	w := Value(1)
	w.UpdateForward(9)
	assert.Equal(t, Value(10), w)

	assert.Equal(t, Value(4), Max(v, 4))
	assert.Equal(t, v, Min(v, 4))
	assert.True(t, Overlap(0, 10, 5, 15))
	assert.False(t, Overlap(0, 10, 10, 20), "相邻区间不相交")
}
