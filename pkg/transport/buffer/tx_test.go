package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junbin-yang/scpstp-go/pkg/transport/option"
	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
)

// requireCounters 校验计数器与各Item标记之和一致、Item连续不重叠
func requireCounters(t *testing.T, b *TxBuffer) {
	t.Helper()
	var lost, sacked, retrans, size uint32
	next := b.HeadSequence()
	for _, it := range b.sent {
		require.Equal(t, next, it.Seq, "发送列表必须连续")
		require.False(t, it.Lost && it.Sacked, "丢失与SACK互斥")
		next = it.End()
		size += it.Size()
		if it.Lost {
			lost += it.Size()
		}
		if it.Sacked {
			sacked += it.Size()
		}
		if it.Retrans {
			retrans += it.Size()
		}
	}
	require.Equal(t, b.SentTail(), next)
	require.Equal(t, size, b.SentSize())
	require.Equal(t, lost, b.LostOut(), "丢失计数不一致")
	require.Equal(t, sacked, b.SackedOut(), "SACK计数不一致")
	require.Equal(t, retrans, b.RetransOut(), "重传计数不一致")
}

// newSentBuffer 构造从1000开始、count个100字节已发送段的缓冲区
func newSentBuffer(t *testing.T, count int) *TxBuffer {
	b := NewTxBuffer(64*1024, 100, 3)
	b.SetHeadSequence(1000)
	require.True(t, b.Add(make([]byte, 100*count)))
	for i := 0; i < count; i++ {
		it := b.CopyFromSequence(100, b.SentTail(), 0)
		require.NotNil(t, it)
		assert.False(t, it.Retrans)
	}
	requireCounters(t, b)
	return b
}

func TestTxBuffer_AddAndCapacity(t *testing.T) {
	b := NewTxBuffer(10, 5, 3)
	b.SetHeadSequence(1)
	assert.True(t, b.Add([]byte("hello")))
	assert.Equal(t, uint32(5), b.Available())
	assert.False(t, b.Add([]byte("too long!")), "超出容量应整体拒绝")
	assert.Equal(t, uint32(5), b.Size())
	assert.Equal(t, seqnum.Value(6), b.TailSequence())
	assert.Equal(t, uint32(3), b.SizeFromSequence(3))
	assert.Equal(t, uint32(0), b.SizeFromSequence(6))

	assert.Panics(t, func() { b.SetHeadSequence(100) }, "非空缓冲区不能重设首序号")
}

func TestTxBuffer_MarkLostInRange(t *testing.T) {
	b := newSentBuffer(t, 5)
	before := b.LostOut()

	marked := b.MarkLostInRange(1200, 1350)
	requireCounters(t, b)
	assert.Equal(t, uint32(150), marked)
	assert.Equal(t, before+150, b.LostOut(), "丢失计数应恰好增加150")

	for _, it := range b.Items() {
		inRange := it.Seq.InRange(1200, 1350)
		assert.Equal(t, inRange, it.Lost, "段 %d 的丢失标记错误", it.Seq)
		if inRange {
			assert.True(t, it.End().LessThanEq(1350), "丢失段不应越过区间右端")
		}
	}

	// 区间超出发送列表时截断
	assert.Equal(t, uint32(100), b.MarkLostInRange(1400, 9999))
	assert.Equal(t, uint32(0), b.MarkLostInRange(500, 1000))
	requireCounters(t, b)
}

func TestTxBuffer_MarkLostKeepsSack(t *testing.T) {
	b := newSentBuffer(t, 4)
	sacked := b.Update([]option.SackBlock{{Left: 1200, Right: 1300}})
	assert.Equal(t, uint32(100), sacked)
	requireCounters(t, b)
	lost := b.LostOut()

	// 区间跨过已SACK的段，只标记两侧未确认的字节
	marked := b.MarkLostInRange(1150, 1350)
	requireCounters(t, b)
	assert.Equal(t, uint32(100), b.SackedOut(), "已SACK的字节不能重新标记为丢失")
	assert.Equal(t, lost+marked, b.LostOut())
	for _, it := range b.Items() {
		if it.Seq.InRange(1200, 1300) {
			assert.True(t, it.Sacked)
			assert.False(t, it.Lost)
		}
	}

	assert.Equal(t, []option.SackBlock{{Left: 1200, Right: 1300}}, b.SackedBlocks())
}

func TestTxBuffer_CopyFromSequenceMerge(t *testing.T) {
	b := newSentBuffer(t, 4)
	b.MarkLostInRange(1100, 1150)
	require.Len(t, b.Items(), 5)

	// 跨越一个丢失段和一个正常段的重传：合并后丢失优先
	it := b.CopyFromSequence(150, 1100, 10)
	requireCounters(t, b)
	require.NotNil(t, it)
	assert.Equal(t, seqnum.Value(1100), it.Seq)
	assert.Len(t, it.Data, 150)
	assert.True(t, it.Retrans)
	assert.True(t, it.Lost, "合并段应继承丢失标记")
	assert.Equal(t, uint32(150), b.RetransOut())
	assert.Equal(t, uint32(150), b.LostOut())

	// 重传中的丢失字节计入在途
	assert.Equal(t, uint32(400), b.BytesInFlight())

	assert.Panics(t, func() { b.CopyFromSequence(10, 900, 0) }, "越界请求属于不变量破坏")
}

func TestTxBuffer_CopyFromSequenceSackedMerge(t *testing.T) {
	b := newSentBuffer(t, 3)
	b.Update([]option.SackBlock{{Left: 1100, Right: 1200}})
	it := b.CopyFromSequence(200, 1000, 0)
	requireCounters(t, b)
	assert.False(t, it.Sacked, "部分SACK的合并段不保留SACK标记")
	assert.Equal(t, uint32(0), b.SackedOut())
}

func TestTxBuffer_DiscardUpTo(t *testing.T) {
	b := newSentBuffer(t, 5)
	b.Update([]option.SackBlock{{Left: 1300, Right: 1400}})
	b.MarkHeadAsLost()
	requireCounters(t, b)

	delivered := b.DiscardUpTo(1150)
	requireCounters(t, b)
	assert.Equal(t, uint32(150), delivered)
	assert.Equal(t, seqnum.Value(1150), b.HeadSequence())
	assert.Equal(t, uint32(0), b.LostOut(), "丢失的首段已被确认")

	delivered = b.DiscardUpTo(1400)
	requireCounters(t, b)
	assert.Equal(t, uint32(150), delivered, "已SACK的字节不重复计入")
	assert.Equal(t, uint32(0), b.SackedOut())
	_, ok := b.HighestSack()
	assert.False(t, ok, "最高SACK已被累计确认覆盖")

	assert.Equal(t, uint32(0), b.DiscardUpTo(1300), "旧确认不产生效果")
	b.DiscardUpTo(1500)
	assert.Equal(t, uint32(0), b.Size())
	requireCounters(t, b)
}

func TestTxBuffer_SetSentListLost(t *testing.T) {
	b := newSentBuffer(t, 4)
	b.Update([]option.SackBlock{{Left: 1300, Right: 1400}})
	b.CopyFromSequence(100, 1000, 0)
	require.True(t, b.IsHeadRetransmitted())

	b.SetSentListLost(false)
	requireCounters(t, b)
	assert.Equal(t, uint32(300), b.LostOut())
	assert.Equal(t, uint32(100), b.SackedOut())
	assert.Equal(t, uint32(0), b.RetransOut())
	assert.Equal(t, uint32(0), b.BytesInFlight(), "超时后在途字节应为0")

	b.SetSentListLost(true)
	requireCounters(t, b)
	assert.Equal(t, uint32(400), b.LostOut())
	assert.Equal(t, uint32(0), b.SackedOut())
}

func TestTxBuffer_SackAndIsLost(t *testing.T) {
	b := newSentBuffer(t, 6)
	assert.False(t, b.IsLost(1000))

	b.Update([]option.SackBlock{{Left: 1100, Right: 1300}})
	assert.False(t, b.IsLost(1000), "仅200字节被SACK，不足以判定丢失")

	b.Update([]option.SackBlock{{Left: 1100, Right: 1400}})
	requireCounters(t, b)
	assert.True(t, b.IsLost(1000), "超过(3-1)*MSS字节被SACK后首段判定丢失")
	assert.True(t, b.IsHeadLost())
	assert.False(t, b.IsLost(1150), "已SACK的段不算丢失")

	seq, n, ok := b.NextSeg(false)
	require.True(t, ok)
	assert.Equal(t, seqnum.Value(1000), seq)
	assert.Equal(t, uint32(100), n)
}

func TestTxBuffer_NextSeg(t *testing.T) {
	b := newSentBuffer(t, 3)
	require.True(t, b.Add(make([]byte, 250)))

	seq, n, ok := b.NextSeg(false)
	require.True(t, ok)
	assert.Equal(t, b.SentTail(), seq, "无丢失时发送新数据")
	assert.Equal(t, uint32(100), n, "不超过一个MSS")

	b.MarkHeadAsLost()
	seq, _, _ = b.NextSeg(false)
	assert.Equal(t, seqnum.Value(1000), seq)

	b.CopyFromSequence(100, 1000, 0)
	seq, _, _ = b.NextSeg(false)
	assert.Equal(t, b.SentTail(), seq, "已重传的丢失段不再选中")

	b.DiscardUpTo(b.SentTail())
	for {
		s, n, ok := b.NextSeg(false)
		if !ok {
			break
		}
		b.CopyFromSequence(n, s, 0)
	}
	assert.Equal(t, uint32(0), b.UnsentSize())

	b.Update([]option.SackBlock{{Left: b.SentTail() - 50, Right: b.SentTail()}})
	_, _, ok = b.NextSeg(false)
	assert.False(t, ok)
	_, _, ok = b.NextSeg(true)
	assert.True(t, ok, "恢复期可选择最高SACK之下的未确认段")
	requireCounters(t, b)
}
