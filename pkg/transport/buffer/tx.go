package buffer

import (
	"time"

	"github.com/pkg/errors"

	"github.com/junbin-yang/scpstp-go/pkg/transport/option"
	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
)

// Item 发送列表中的一段连续字节
type Item struct {
	Seq      seqnum.Value  // 起始序列号
	Data     []byte        // 负载
	Lost     bool          // 被判定丢失
	Retrans  bool          // 已重传过
	Sacked   bool          // 已被SACK确认
	LastSent time.Duration // 最近一次发送时间
}

func (it *Item) Size() uint32 {
	return uint32(len(it.Data))
}

// End 末尾的下一个序列号
func (it *Item) End() seqnum.Value {
	return it.Seq.Add(seqnum.Size(len(it.Data)))
}

func (it *Item) clone() *Item {
	c := *it
	return &c
}

// TxBuffer 发送缓冲区
//
// 字节序列分为两段：[head, sentTail) 为已发送未确认的数据，按Item切分并带有
// 丢失/SACK/重传标记；[sentTail, tail) 为应用已写入但尚未发送的数据。
// lostOut/sackedOut/retransOut 始终等于对应标记的Item字节数之和。
type TxBuffer struct {
	firstByteSeq seqnum.Value
	maxSize      uint32
	sent         []*Item
	sentSize     uint32
	unsent       []byte

	lostOut    uint32
	sackedOut  uint32
	retransOut uint32

	segmentSize  uint32
	dupAckThresh uint32
	highestSack  seqnum.Value
	hasSack      bool
}

func NewTxBuffer(maxSize, segmentSize, dupAckThresh uint32) *TxBuffer {
	return &TxBuffer{
		maxSize:      maxSize,
		segmentSize:  segmentSize,
		dupAckThresh: dupAckThresh,
	}
}

// SetHeadSequence 设置首字节序列号（握手完成时为ISN+1），仅在缓冲区为空时有效
func (b *TxBuffer) SetHeadSequence(seq seqnum.Value) {
	if b.Size() != 0 {
		panic(errors.Errorf("set head sequence %d on non-empty tx buffer", seq))
	}
	b.firstByteSeq = seq
}

func (b *TxBuffer) SetSegmentSize(size uint32) {
	b.segmentSize = size
}

func (b *TxBuffer) HeadSequence() seqnum.Value { return b.firstByteSeq }

// SentTail 下一个未发送字节的序列号
func (b *TxBuffer) SentTail() seqnum.Value {
	return b.firstByteSeq.Add(seqnum.Size(b.sentSize))
}

// TailSequence 缓冲区末尾的下一个序列号
func (b *TxBuffer) TailSequence() seqnum.Value {
	return b.SentTail().Add(seqnum.Size(len(b.unsent)))
}

func (b *TxBuffer) Size() uint32          { return b.sentSize + uint32(len(b.unsent)) }
func (b *TxBuffer) MaxBufferSize() uint32 { return b.maxSize }
func (b *TxBuffer) SentSize() uint32      { return b.sentSize }
func (b *TxBuffer) UnsentSize() uint32    { return uint32(len(b.unsent)) }
func (b *TxBuffer) LostOut() uint32       { return b.lostOut }
func (b *TxBuffer) SackedOut() uint32     { return b.sackedOut }
func (b *TxBuffer) RetransOut() uint32    { return b.retransOut }

// Available 剩余可写入空间
func (b *TxBuffer) Available() uint32 {
	if b.Size() >= b.maxSize {
		return 0
	}
	return b.maxSize - b.Size()
}

// Add 追加应用数据，空间不足时整体拒绝
func (b *TxBuffer) Add(p []byte) bool {
	if uint32(len(p)) > b.Available() {
		return false
	}
	b.unsent = append(b.unsent, p...)
	return true
}

// SizeFromSequence 从seq到缓冲区末尾的字节数
func (b *TxBuffer) SizeFromSequence(seq seqnum.Value) uint32 {
	if !seq.InRange(b.firstByteSeq, b.TailSequence()) {
		return 0
	}
	return uint32(seq.Size(b.TailSequence()))
}

// HighestSack 最高的SACK右边界
func (b *TxBuffer) HighestSack() (seqnum.Value, bool) {
	return b.highestSack, b.hasSack
}

// BytesInFlight 网络中的字节数：未SACK且未判定丢失的字节，加上已重传的丢失字节
func (b *TxBuffer) BytesInFlight() uint32 {
	var n uint32
	for _, it := range b.sent {
		switch {
		case it.Sacked:
		case it.Lost:
			if it.Retrans {
				n += it.Size()
			}
		default:
			n += it.Size()
		}
	}
	return n
}

func (b *TxBuffer) account(it *Item) {
	if it.Lost {
		b.lostOut += it.Size()
	}
	if it.Sacked {
		b.sackedOut += it.Size()
	}
	if it.Retrans {
		b.retransOut += it.Size()
	}
}

func (b *TxBuffer) unaccount(it *Item) {
	if it.Lost {
		b.lostOut -= it.Size()
	}
	if it.Sacked {
		b.sackedOut -= it.Size()
	}
	if it.Retrans {
		b.retransOut -= it.Size()
	}
}

// splitAt 保证有一个Item恰好从seq开始，返回其下标；seq等于sentTail时返回len(sent)
func (b *TxBuffer) splitAt(seq seqnum.Value) int {
	if seq == b.SentTail() {
		return len(b.sent)
	}
	for i, it := range b.sent {
		if it.Seq == seq {
			return i
		}
		if seq.InRange(it.Seq, it.End()) {
			cut := it.Seq.Size(seq)
			tail := it.clone()
			tail.Seq = seq
			tail.Data = it.Data[cut:]
			it.Data = it.Data[:cut:cut]
			b.sent = append(b.sent, nil)
			copy(b.sent[i+2:], b.sent[i+1:])
			b.sent[i+1] = tail
			return i + 1
		}
	}
	panic(errors.Errorf("sequence %d outside sent list [%d,%d)", seq, b.firstByteSeq, b.SentTail()))
}

// mergeRange 合并sent[i:j]为一个Item
// 标记按"丢失优先"合并：任一段丢失则整体丢失，任一段重传则整体视为重传，全部被SACK才保留SACK
func (b *TxBuffer) mergeRange(i, j int) *Item {
	if j-i <= 1 {
		return b.sent[i]
	}
	merged := &Item{Seq: b.sent[i].Seq, Sacked: true}
	data := make([]byte, 0, b.sent[i].Seq.Size(b.sent[j-1].End()))
	for _, it := range b.sent[i:j] {
		if it.Seq != merged.Seq.Add(seqnum.Size(len(data))) {
			panic(errors.Errorf("items not contiguous at %d", it.Seq))
		}
		b.unaccount(it)
		data = append(data, it.Data...)
		merged.Lost = merged.Lost || it.Lost
		merged.Retrans = merged.Retrans || it.Retrans
		merged.Sacked = merged.Sacked && it.Sacked
		if it.LastSent > merged.LastSent {
			merged.LastSent = it.LastSent
		}
	}
	merged.Data = data
	if merged.Lost {
		merged.Sacked = false
	}
	b.account(merged)
	b.sent = append(b.sent[:i+1], b.sent[j:]...)
	b.sent[i] = merged
	return merged
}

// CopyFromSequence 取出从seq开始的至多numBytes字节用于发送
//
// seq等于sentTail时发送新数据，新数据被移入发送列表；否则为重传，覆盖区间的Item
// 被切分、合并为一个，返回值的Lost标记反映合并后的历史，Retrans为true
func (b *TxBuffer) CopyFromSequence(numBytes uint32, seq seqnum.Value, now time.Duration) *Item {
	if numBytes == 0 {
		return nil
	}
	sentTail := b.SentTail()
	if seq == sentTail {
		n := numBytes
		if n > uint32(len(b.unsent)) {
			n = uint32(len(b.unsent))
		}
		if n == 0 {
			return nil
		}
		data := make([]byte, n)
		copy(data, b.unsent[:n])
		b.unsent = b.unsent[n:]
		it := &Item{Seq: seq, Data: data, LastSent: now}
		b.sent = append(b.sent, it)
		b.sentSize += n
		return it.clone()
	}
	if !seq.InRange(b.firstByteSeq, sentTail) {
		panic(errors.Errorf("copy from sequence %d outside sent list [%d,%d)", seq, b.firstByteSeq, sentTail))
	}

	if avail := uint32(seq.Size(sentTail)); numBytes > avail {
		numBytes = avail
	}
	i := b.splitAt(seq)
	j := b.splitAt(seq.Add(seqnum.Size(numBytes)))
	it := b.mergeRange(i, j)
	out := it.clone()
	if !it.Retrans {
		it.Retrans = true
		b.retransOut += it.Size()
	}
	it.LastSent = now
	out.Retrans = true
	out.LastSent = now
	return out
}

// DiscardUpTo 丢弃seq之前的字节，返回其中此前未被SACK的字节数
func (b *TxBuffer) DiscardUpTo(seq seqnum.Value) uint32 {
	if seq.LessThanEq(b.firstByteSeq) {
		return 0
	}
	var delivered uint32
	for len(b.sent) > 0 {
		it := b.sent[0]
		if it.End().LessThanEq(seq) {
			if !it.Sacked {
				delivered += it.Size()
			}
			b.unaccount(it)
			b.sentSize -= it.Size()
			b.firstByteSeq = it.End()
			b.sent[0] = nil
			b.sent = b.sent[1:]
			continue
		}
		if it.Seq.LessThan(seq) {
			cut := it.Seq.Size(seq)
			b.unaccount(it)
			it.Data = it.Data[cut:]
			it.Seq = seq
			b.account(it)
			b.sentSize -= uint32(cut)
			if !it.Sacked {
				delivered += uint32(cut)
			}
			b.firstByteSeq = seq
		}
		break
	}
	if len(b.sent) == 0 && b.firstByteSeq.LessThan(seq) {
		n := uint32(b.firstByteSeq.Size(seq))
		if n > uint32(len(b.unsent)) {
			n = uint32(len(b.unsent))
		}
		b.unsent = b.unsent[n:]
		b.firstByteSeq = b.firstByteSeq.Add(seqnum.Size(n))
		delivered += n
	}
	if b.hasSack && b.highestSack.LessThanEq(b.firstByteSeq) {
		b.hasSack = false
	}
	return delivered
}

// MarkHeadAsLost 把发送列表首段标记为丢失
func (b *TxBuffer) MarkHeadAsLost() {
	if len(b.sent) == 0 {
		return
	}
	head := b.sent[0]
	if head.Lost {
		return
	}
	b.unaccount(head)
	head.Lost = true
	head.Sacked = false
	b.account(head)
}

func (b *TxBuffer) IsHeadRetransmitted() bool {
	return len(b.sent) > 0 && b.sent[0].Retrans
}

func (b *TxBuffer) IsHeadLost() bool {
	return len(b.sent) > 0 && b.sent[0].Lost
}

// SetSentListLost 超时后把整个发送列表标记为丢失；resetSack为true时同时丢弃SACK信息
func (b *TxBuffer) SetSentListLost(resetSack bool) {
	for _, it := range b.sent {
		b.unaccount(it)
		if resetSack {
			it.Sacked = false
		}
		if !it.Sacked {
			it.Lost = true
		}
		it.Retrans = false
		b.account(it)
	}
	if resetSack {
		b.hasSack = false
	}
}

// MarkLostInRange 把[start, end)内未被SACK的字节标记为丢失，必要时在边界处切分，返回新增的丢失字节数
func (b *TxBuffer) MarkLostInRange(start, end seqnum.Value) uint32 {
	start = seqnum.Max(start, b.firstByteSeq)
	end = seqnum.Min(end, b.SentTail())
	if !start.LessThan(end) {
		return 0
	}
	i := b.splitAt(start)
	j := b.splitAt(end)
	var marked uint32
	for _, it := range b.sent[i:j] {
		if it.Lost || it.Sacked {
			continue
		}
		b.unaccount(it)
		it.Lost = true
		b.account(it)
		marked += it.Size()
	}
	return marked
}

// SackedBlocks 记分板上连续被SACK的区间，按序列号升序
func (b *TxBuffer) SackedBlocks() []option.SackBlock {
	var out []option.SackBlock
	for _, it := range b.sent {
		if !it.Sacked {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Right == it.Seq {
			out[n-1].Right = it.End()
			continue
		}
		out = append(out, option.SackBlock{Left: it.Seq, Right: it.End()})
	}
	return out
}

// Update 根据对端SACK块更新记分板，返回新被SACK的字节数
func (b *TxBuffer) Update(blocks []option.SackBlock) uint32 {
	var sacked uint32
	for _, blk := range blocks {
		if !b.firstByteSeq.LessThan(blk.Right) || !blk.Left.LessThan(blk.Right) {
			continue
		}
		for _, it := range b.sent {
			if it.Sacked || it.Seq.LessThan(blk.Left) || blk.Right.LessThan(it.End()) {
				continue
			}
			b.unaccount(it)
			it.Sacked = true
			it.Lost = false
			b.account(it)
			sacked += it.Size()
		}
		if !b.hasSack || b.highestSack.LessThan(blk.Right) {
			b.highestSack = blk.Right
			b.hasSack = true
		}
	}
	if sacked > 0 {
		b.markLostBySack()
	}
	return sacked
}

// markLostBySack 在最高SACK之下，若某段之后被SACK的字节超过 (dupAckThresh-1)*MSS，则判定该段丢失
func (b *TxBuffer) markLostBySack() {
	threshold := (b.dupAckThresh - 1) * b.segmentSize
	var sackedAbove uint32
	for i := len(b.sent) - 1; i >= 0; i-- {
		it := b.sent[i]
		if it.Sacked {
			sackedAbove += it.Size()
			continue
		}
		if !it.Lost && sackedAbove > threshold {
			b.unaccount(it)
			it.Lost = true
			b.account(it)
		}
	}
}

// IsLost 判断包含seq的段是否已丢失
func (b *TxBuffer) IsLost(seq seqnum.Value) bool {
	threshold := (b.dupAckThresh - 1) * b.segmentSize
	var sackedAbove uint32
	for i := len(b.sent) - 1; i >= 0; i-- {
		it := b.sent[i]
		if seq.InRange(it.Seq, it.End()) {
			if it.Lost {
				return true
			}
			return !it.Sacked && sackedAbove > threshold
		}
		if it.Sacked {
			sackedAbove += it.Size()
		}
	}
	return false
}

// NextSeg 选择下一段要发送的数据，返回起始序列号和最大长度
//
// 优先重传已丢失且尚未重传的段；其次发送新数据；恢复期间最后考虑最高SACK之下
// 既未SACK也未重传的段。
func (b *TxBuffer) NextSeg(isRecovery bool) (seqnum.Value, uint32, bool) {
	for _, it := range b.sent {
		if it.Lost && !it.Retrans {
			return it.Seq, b.limit(it.Size()), true
		}
	}
	if len(b.unsent) > 0 {
		return b.SentTail(), b.limit(uint32(len(b.unsent))), true
	}
	if isRecovery && b.hasSack {
		for _, it := range b.sent {
			if !it.End().LessThanEq(b.highestSack) {
				break
			}
			if !it.Sacked && !it.Retrans {
				return it.Seq, b.limit(it.Size()), true
			}
		}
	}
	return 0, 0, false
}

func (b *TxBuffer) limit(n uint32) uint32 {
	if b.segmentSize > 0 && n > b.segmentSize {
		return b.segmentSize
	}
	return n
}

// Items 发送列表快照
func (b *TxBuffer) Items() []Item {
	out := make([]Item, 0, len(b.sent))
	for _, it := range b.sent {
		out = append(out, *it)
	}
	return out
}
