package buffer

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junbin-yang/scpstp-go/pkg/transport/option"
	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
)

// requireSackInvariant SACK块不重叠、不相邻、最多4块
func requireSackInvariant(t *testing.T, r *RxBuffer) {
	t.Helper()
	list := r.SackList()
	require.LessOrEqual(t, len(list), option.MaxSackBlocks)
	for i := range list {
		require.True(t, list[i].Left.LessThan(list[i].Right), "块不能为空")
		for j := i + 1; j < len(list); j++ {
			a, b := list[i], list[j]
			require.False(t, a.Left.LessThanEq(b.Right) && b.Left.LessThanEq(a.Right),
				"块 %v 与 %v 重叠或相邻", a, b)
		}
	}
}

// requireSnackComplement 空洞恰为SACK块在[nextRx, 最高右边界)内的补集
func requireSnackComplement(t *testing.T, r *RxBuffer) {
	t.Helper()
	sacks := r.SackList()
	holes := r.SnackList()
	if len(sacks) == 0 {
		require.Empty(t, holes)
		return
	}
	sort.Slice(sacks, func(i, j int) bool { return sacks[i].Left.LessThan(sacks[j].Left) })
	hi := sacks[len(sacks)-1].Right

	covered := func(seq seqnum.Value) (inSack, inHole bool) {
		for _, b := range sacks {
			if seq.InRange(b.Left, b.Right) {
				inSack = true
			}
		}
		for _, h := range holes {
			if seq.InRange(h.Left, h.Right) {
				inHole = true
			}
		}
		return
	}
	for seq := r.NextRxSequence(); seq.LessThan(hi); seq++ {
		inSack, inHole := covered(seq)
		require.True(t, inSack != inHole, "序号 %d 必须恰好属于SACK块或空洞之一", seq)
	}
	for i := 1; i < len(holes); i++ {
		require.True(t, holes[i-1].Right.LessThanEq(holes[i].Left), "空洞应按序排列")
	}
}

func newRx(t *testing.T) *RxBuffer {
	r := NewRxBuffer(4096)
	r.SetNextRxSequence(0)
	return r
}

func TestRxBuffer_SackMergeAdjacent(t *testing.T) {
	r := newRx(t)
	r.UpdateSackList(500, 600)
	r.UpdateSackList(600, 700)
	requireSackInvariant(t, r)
	assert.Equal(t, []option.SackBlock{{Left: 500, Right: 700}}, r.SackList(), "相邻块应合并为一块")
}

func TestRxBuffer_SackBridgeAndLimit(t *testing.T) {
	r := newRx(t)
	r.UpdateSackList(100, 200)
	r.UpdateSackList(300, 400)
	r.UpdateSackList(500, 600)
	r.UpdateSackList(700, 800)
	r.UpdateSackList(900, 1000)
	requireSackInvariant(t, r)
	assert.Len(t, r.SackList(), option.MaxSackBlocks)
	assert.Equal(t, option.SackBlock{Left: 900, Right: 1000}, r.SackList()[0], "最新的块排在最前")

	// 新块桥接两侧的块，三者合并
	r.UpdateSackList(550, 750)
	requireSackInvariant(t, r)
	assert.Equal(t, option.SackBlock{Left: 500, Right: 800}, r.SackList()[0])
	assert.Len(t, r.SackList(), 3)
}

func TestRxBuffer_ClearSackList(t *testing.T) {
	r := newRx(t)
	r.UpdateSackList(100, 200)
	r.UpdateSackList(300, 400)
	r.ClearSackList(350)
	assert.Equal(t, []option.SackBlock{{Left: 350, Right: 400}}, r.SackList())
}

func TestRxBuffer_SnackHoles(t *testing.T) {
	r := newRx(t)
	require.True(t, r.Add(0, make([]byte, 100)))
	require.True(t, r.Add(300, make([]byte, 100)))
	require.True(t, r.Add(600, make([]byte, 100)))
	requireSackInvariant(t, r)
	requireSnackComplement(t, r)
	assert.Equal(t, []option.SnackHole{{Left: 100, Right: 300}, {Left: 400, Right: 600}}, r.SnackList())

	// 填补部分空洞
	require.True(t, r.Add(100, make([]byte, 150)))
	requireSnackComplement(t, r)
	assert.Equal(t, seqnum.Value(250), r.NextRxSequence())
	assert.Equal(t, []option.SnackHole{{Left: 250, Right: 300}, {Left: 400, Right: 600}}, r.SnackList())

	// 填满后按序交付，列表清空
	require.True(t, r.Add(250, make([]byte, 350)))
	assert.Equal(t, seqnum.Value(700), r.NextRxSequence())
	assert.Empty(t, r.SackList())
	assert.Empty(t, r.SnackList())
	assert.Equal(t, uint32(700), r.Available())
	assert.Len(t, r.Read(1000), 700)
}

func TestRxBuffer_ClearSnackList(t *testing.T) {
	r := newRx(t)
	r.UpdateSackList(300, 400)
	r.UpdateSackList(600, 700)
	r.UpdateSnackList()
	require.Len(t, r.SnackList(), 2)

	r.ClearSnackList(150)
	assert.Equal(t, []option.SnackHole{{Left: 150, Right: 300}, {Left: 400, Right: 600}}, r.SnackList(), "跨越seq的空洞被截断")
	r.ClearSnackList(300)
	assert.Equal(t, []option.SnackHole{{Left: 400, Right: 600}}, r.SnackList(), "右端不超过seq的空洞被删除")
}

func TestRxBuffer_InOrderTrimsSnackList(t *testing.T) {
	r := newRx(t)
	require.True(t, r.Add(200, make([]byte, 100)))
	require.True(t, r.Add(400, make([]byte, 100)))
	require.Equal(t, []option.SnackHole{{Left: 0, Right: 200}, {Left: 300, Right: 400}}, r.SnackList())

	// 按序到达的数据只截短第一个空洞
	require.True(t, r.Add(0, make([]byte, 50)))
	assert.Equal(t, []option.SnackHole{{Left: 50, Right: 200}, {Left: 300, Right: 400}}, r.SnackList())
	requireSnackComplement(t, r)

	// 填满第一个空洞后连带交付[200,300)，只剩第二个空洞
	require.True(t, r.Add(50, make([]byte, 150)))
	assert.Equal(t, seqnum.Value(300), r.NextRxSequence())
	assert.Equal(t, []option.SnackHole{{Left: 300, Right: 400}}, r.SnackList())
	assert.Equal(t, []option.SackBlock{{Left: 400, Right: 500}}, r.SackList())
	requireSnackComplement(t, r)
}

func TestRxBuffer_AddEdges(t *testing.T) {
	r := NewRxBuffer(300)
	r.SetNextRxSequence(1000)

	assert.False(t, r.Add(900, make([]byte, 100)), "完全重复的数据")
	assert.True(t, r.Add(950, make([]byte, 100)), "部分重叠的数据截去左侧")
	assert.Equal(t, seqnum.Value(1050), r.NextRxSequence())

	assert.True(t, r.Add(1200, make([]byte, 500)), "超出窗口部分被截断")
	assert.Equal(t, seqnum.Value(1300), r.HighestReceived())
	assert.False(t, r.Add(1200, make([]byte, 100)), "重复的乱序数据")
	assert.False(t, r.Add(1400, make([]byte, 10)), "窗口外数据被丢弃")
	assert.True(t, r.HasGap())
	assert.Equal(t, uint32(150), r.Window(), "窗口扣除按序与乱序缓存")
}

func TestRxBuffer_Fin(t *testing.T) {
	r := newRx(t)
	r.Add(50, make([]byte, 50))
	r.SetFinSequence(100)
	assert.False(t, r.Finished(), "FIN之前仍有空洞")
	r.Add(0, make([]byte, 50))
	assert.True(t, r.Finished())
	assert.Equal(t, seqnum.Value(101), r.NextRxSequence(), "FIN占用一个序列号")
}

func TestRxBuffer_RandomInvariants(t *testing.T) {
	r := NewRxBuffer(1 << 16)
	r.SetNextRxSequence(0)
	// 固定的乱序到达序列，覆盖合并、桥接、淘汰与交付
	arrivals := []struct{ seq, n int }{
		{1000, 100}, {3000, 200}, {1100, 50}, {5000, 10}, {7000, 1000},
		{9000, 90}, {0, 500}, {2000, 1000}, {500, 500}, {4000, 1000},
		{1150, 850}, {3200, 800}, {6000, 1000}, {5010, 990}, {8000, 1090},
	}
	for _, a := range arrivals {
		r.Add(seqnum.Value(a.seq), make([]byte, a.n))
		requireSackInvariant(t, r)
		requireSnackComplement(t, r)
	}
	assert.Equal(t, seqnum.Value(9090), r.NextRxSequence())
}
