package buffer

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/junbin-yang/scpstp-go/pkg/transport/option"
	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
)

// 乱序到达的数据段
type pending struct {
	seq  seqnum.Value
	data []byte
}

func (p *pending) end() seqnum.Value {
	return p.seq.Add(seqnum.Size(len(p.data)))
}

// RxBuffer 接收缓冲区
//
// 按序数据进入ready等待应用读取，乱序数据按序列号保存在ooo中。
// sackList按最近更新在前排列，最多MaxSackBlocks块，块之间不重叠也不相邻；
// snackList是sackList在[nextRxSeq, 最高已收序号)内的补集，按序列号升序排列。
type RxBuffer struct {
	nextRxSeq seqnum.Value
	maxBuffer uint32
	ready     *RingBuffer
	ooo       []*pending
	oooSize   uint32

	gotFin bool
	finSeq seqnum.Value

	sackList  []option.SackBlock
	snackList []option.SnackHole
}

func NewRxBuffer(maxBuffer uint32) *RxBuffer {
	return &RxBuffer{
		maxBuffer: maxBuffer,
		ready:     NewRingBuffer(int(maxBuffer)),
	}
}

func (r *RxBuffer) SetNextRxSequence(seq seqnum.Value) { r.nextRxSeq = seq }
func (r *RxBuffer) NextRxSequence() seqnum.Value      { return r.nextRxSeq }
func (r *RxBuffer) MaxBufferSize() uint32             { return r.maxBuffer }

// Size 缓冲的总字节数（按序与乱序）
func (r *RxBuffer) Size() uint32 {
	return uint32(r.ready.Used()) + r.oooSize
}

// Available 可供应用读取的字节数
func (r *RxBuffer) Available() uint32 {
	return uint32(r.ready.Used())
}

// Window 可通告的接收窗口
func (r *RxBuffer) Window() uint32 {
	if r.Size() >= r.maxBuffer {
		return 0
	}
	return r.maxBuffer - r.Size()
}

// MaxRxSequence 可接受的最大序列号（不含）
func (r *RxBuffer) MaxRxSequence() seqnum.Value {
	return r.nextRxSeq.Add(seqnum.Size(r.maxBuffer - uint32(r.ready.Used())))
}

// HasGap 是否存在乱序数据
func (r *RxBuffer) HasGap() bool {
	return len(r.ooo) > 0
}

// HighestReceived 已收到的最高序列号（不含）
func (r *RxBuffer) HighestReceived() seqnum.Value {
	if len(r.ooo) == 0 {
		return r.nextRxSeq
	}
	return r.ooo[len(r.ooo)-1].end()
}

// SetFinSequence 记录对端FIN的位置
func (r *RxBuffer) SetFinSequence(seq seqnum.Value) {
	r.gotFin = true
	r.finSeq = seq
	if r.nextRxSeq == seq {
		r.nextRxSeq++
	}
}

// Finished FIN之前的数据全部到达
func (r *RxBuffer) Finished() bool {
	return r.gotFin && r.finSeq.LessThan(r.nextRxSeq)
}

// Add 接收一段数据，返回是否有新字节被接受
func (r *RxBuffer) Add(seq seqnum.Value, data []byte) bool {
	head := seq
	tail := seq.Add(seqnum.Size(len(data)))
	if len(data) == 0 || tail.LessThanEq(r.nextRxSeq) {
		return false
	}
	if head.LessThan(r.nextRxSeq) {
		data = data[head.Size(r.nextRxSeq):]
		head = r.nextRxSeq
	}
	maxRx := r.MaxRxSequence()
	if !head.LessThan(maxRx) {
		return false
	}
	if maxRx.LessThan(tail) {
		data = data[:head.Size(maxRx)]
		tail = maxRx
	}

	if !r.insert(head, data) {
		return false
	}
	outOfOrder := r.nextRxSeq.LessThan(head)
	if outOfOrder {
		r.UpdateSackList(head, tail)
	}

	for len(r.ooo) > 0 && r.ooo[0].seq == r.nextRxSeq {
		p := r.ooo[0]
		if err := r.ready.Write(p.data); err != nil {
			panic(errors.Wrap(err, "deliver in-order data"))
		}
		r.oooSize -= uint32(len(p.data))
		r.nextRxSeq = p.end()
		r.ooo[0] = nil
		r.ooo = r.ooo[1:]
	}
	if r.gotFin && r.nextRxSeq == r.finSeq {
		r.nextRxSeq++
	}

	r.ClearSackList(r.nextRxSeq)
	if outOfOrder {
		r.UpdateSnackList()
	} else {
		// 按序数据只会从左侧填补空洞
		r.ClearSnackList(r.nextRxSeq)
	}
	return true
}

// insert 把[head, head+len)中尚未缓存的部分加入乱序表
func (r *RxBuffer) insert(head seqnum.Value, data []byte) bool {
	tail := head.Add(seqnum.Size(len(data)))
	var pieces []*pending
	cur := head
	for _, p := range r.ooo {
		if !cur.LessThan(tail) {
			break
		}
		if p.end().LessThanEq(cur) {
			continue
		}
		if tail.LessThanEq(p.seq) {
			break
		}
		if cur.LessThan(p.seq) {
			pieces = append(pieces, &pending{seq: cur, data: data[head.Size(cur):head.Size(p.seq)]})
		}
		cur = seqnum.Max(cur, p.end())
	}
	if cur.LessThan(tail) {
		pieces = append(pieces, &pending{seq: cur, data: data[head.Size(cur):]})
	}
	if len(pieces) == 0 {
		return false
	}
	for _, p := range pieces {
		p.data = append([]byte(nil), p.data...)
		r.oooSize += uint32(len(p.data))
		r.ooo = append(r.ooo, p)
	}
	sort.Slice(r.ooo, func(i, j int) bool { return r.ooo[i].seq.LessThan(r.ooo[j].seq) })
	return true
}

// Read 读取至多maxBytes字节的按序数据
func (r *RxBuffer) Read(maxBytes int) []byte {
	return r.ready.Read(maxBytes)
}

// UpdateSackList 插入新块[head, tail)并与所有相交或相邻的块合并，新块放在最前
func (r *RxBuffer) UpdateSackList(head, tail seqnum.Value) {
	current := option.SackBlock{Left: head, Right: tail}
	for merged := true; merged; {
		merged = false
		for i, b := range r.sackList {
			if b.Left.LessThanEq(current.Right) && current.Left.LessThanEq(b.Right) {
				current.Left = seqnum.Min(current.Left, b.Left)
				current.Right = seqnum.Max(current.Right, b.Right)
				r.sackList = append(r.sackList[:i], r.sackList[i+1:]...)
				merged = true
				break
			}
		}
	}
	r.sackList = append([]option.SackBlock{current}, r.sackList...)
	if len(r.sackList) > option.MaxSackBlocks {
		r.sackList = r.sackList[:option.MaxSackBlocks]
	}
}

// ClearSackList 删除seq之前已交付的块，跨越seq的块截去左侧
func (r *RxBuffer) ClearSackList(seq seqnum.Value) {
	kept := r.sackList[:0]
	for _, b := range r.sackList {
		if b.Right.LessThanEq(seq) {
			continue
		}
		if b.Left.LessThan(seq) {
			b.Left = seq
		}
		kept = append(kept, b)
	}
	r.sackList = kept
}

// UpdateSnackList 按起点排序SACK块，读出nextRxSeq到各块之间的空隙作为空洞
func (r *RxBuffer) UpdateSnackList() {
	r.snackList = r.snackList[:0]
	if len(r.sackList) == 0 {
		return
	}
	sorted := append([]option.SackBlock(nil), r.sackList...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Left.LessThan(sorted[j].Left) })
	prev := r.nextRxSeq
	for _, b := range sorted {
		if prev.LessThan(b.Left) {
			r.snackList = append(r.snackList, option.SnackHole{Left: prev, Right: b.Left})
		}
		prev = seqnum.Max(prev, b.Right)
	}
}

// ClearSnackList 删除右端不超过seq的空洞，跨越seq的空洞截断为从seq开始
func (r *RxBuffer) ClearSnackList(seq seqnum.Value) {
	kept := r.snackList[:0]
	for _, h := range r.snackList {
		if h.Right.LessThanEq(seq) {
			continue
		}
		if h.Left.LessThan(seq) {
			h.Left = seq
		}
		kept = append(kept, h)
	}
	r.snackList = kept
}

// SackList SACK块快照
func (r *RxBuffer) SackList() []option.SackBlock {
	return append([]option.SackBlock(nil), r.sackList...)
}

// SnackList 空洞快照
func (r *RxBuffer) SnackList() []option.SnackHole {
	return append([]option.SnackHole(nil), r.snackList...)
}
