package option

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"

	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
)

const (
	MaxSackBlocks   = 4  // 单个报文最多携带的SACK块
	MaxOptionsSpace = 40 // 传输头部选项空间上限（字节）
	TimestampLength = 10
	MSSLength       = 4
	WindowScaleLen  = 3
	SackPermLength  = 2
	MaxWindowShift  = 14
)

// SackBlock 已收到的连续字节区间 [Left, Right)
type SackBlock struct {
	Left  seqnum.Value
	Right seqnum.Value
}

// Size 区间字节数
func (b SackBlock) Size() seqnum.Size {
	return b.Left.Size(b.Right)
}

func (b SackBlock) String() string {
	return fmt.Sprintf("[%d,%d)", b.Left, b.Right)
}

// SnackHole 推测尚未收到的字节区间 [Left, Right)
type SnackHole struct {
	Left  seqnum.Value
	Right seqnum.Value
}

func (h SnackHole) Size() seqnum.Size {
	return h.Left.Size(h.Right)
}

func (h SnackHole) String() string {
	return fmt.Sprintf("[%d,%d)", h.Left, h.Right)
}

// Timestamp 时间戳选项
type Timestamp struct {
	Value uint32 // TSval
	Echo  uint32 // TSecr
}

// SackLength 携带n个块的SACK选项长度
func SackLength(n int) int {
	return 2 + 8*n
}

func MSSOption(mss uint16) layers.TCPOption {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, mss)
	return layers.TCPOption{OptionType: layers.TCPOptionKindMSS, OptionLength: MSSLength, OptionData: data}
}

func ParseMSS(o layers.TCPOption) (uint16, bool) {
	if o.OptionType != layers.TCPOptionKindMSS || len(o.OptionData) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(o.OptionData), true
}

func WindowScaleOption(shift uint8) layers.TCPOption {
	return layers.TCPOption{OptionType: layers.TCPOptionKindWindowScale, OptionLength: WindowScaleLen, OptionData: []byte{shift}}
}

// ParseWindowScale 解析窗口扩大因子，超过14时按14处理
func ParseWindowScale(o layers.TCPOption) (uint8, bool) {
	if o.OptionType != layers.TCPOptionKindWindowScale || len(o.OptionData) != 1 {
		return 0, false
	}
	shift := o.OptionData[0]
	if shift > MaxWindowShift {
		shift = MaxWindowShift
	}
	return shift, true
}

func SackPermittedOption() layers.TCPOption {
	return layers.TCPOption{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: SackPermLength}
}

func SackOption(blocks []SackBlock) layers.TCPOption {
	data := make([]byte, 8*len(blocks))
	for i, b := range blocks {
		binary.BigEndian.PutUint32(data[8*i:], uint32(b.Left))
		binary.BigEndian.PutUint32(data[8*i+4:], uint32(b.Right))
	}
	return layers.TCPOption{OptionType: layers.TCPOptionKindSACK, OptionLength: uint8(len(data) + 2), OptionData: data}
}

func ParseSack(o layers.TCPOption) ([]SackBlock, bool) {
	if o.OptionType != layers.TCPOptionKindSACK || len(o.OptionData)%8 != 0 || len(o.OptionData) == 0 {
		return nil, false
	}
	n := len(o.OptionData) / 8
	blocks := make([]SackBlock, 0, n)
	for i := 0; i < n; i++ {
		blocks = append(blocks, SackBlock{
			Left:  seqnum.Value(binary.BigEndian.Uint32(o.OptionData[8*i:])),
			Right: seqnum.Value(binary.BigEndian.Uint32(o.OptionData[8*i+4:])),
		})
	}
	return blocks, true
}

func TimestampOption(ts Timestamp) layers.TCPOption {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[0:4], ts.Value)
	binary.BigEndian.PutUint32(data[4:8], ts.Echo)
	return layers.TCPOption{OptionType: layers.TCPOptionKindTimestamps, OptionLength: TimestampLength, OptionData: data}
}

func ParseTimestamp(o layers.TCPOption) (Timestamp, bool) {
	if o.OptionType != layers.TCPOptionKindTimestamps || len(o.OptionData) != 8 {
		return Timestamp{}, false
	}
	return Timestamp{
		Value: binary.BigEndian.Uint32(o.OptionData[0:4]),
		Echo:  binary.BigEndian.Uint32(o.OptionData[4:8]),
	}, true
}

// EncodeHole 把空洞换算成相对ack、以mss为单位的SNACK选项
// 偏移向下取整、大小向上取整，保证解码后的区间覆盖整个空洞
func EncodeHole(h SnackHole, ack seqnum.Value, mss uint32) (Snack, bool) {
	if mss == 0 || h.Left.LessThan(ack) || h.Size() == 0 {
		return Snack{}, false
	}
	off := uint32(ack.Size(h.Left)) / mss
	end := (uint32(ack.Size(h.Right)) + mss - 1) / mss
	if off > 0xffff || end-off > 0xffff {
		return Snack{}, false
	}
	return Snack{HoleOffset: uint16(off), HoleSize: uint16(end - off)}, true
}

// DecodeHole 把SNACK选项还原为字节区间
func DecodeHole(s Snack, ack seqnum.Value, mss uint32) SnackHole {
	left := ack.Add(seqnum.Size(uint32(s.HoleOffset) * mss))
	return SnackHole{
		Left:  left,
		Right: left.Add(seqnum.Size(uint32(s.HoleSize) * mss)),
	}
}

// ResolveHole 结合已知的SACK区间还原空洞的精确边界
//
// 真实空洞的左端是ack或某个SACK块的右端，落在解码区间的第一个MSS内；右端是其后第一个
// SACK块的左端，落在解码区间的最后一个MSS内。找不到这样的一对边界时返回解码区间，ok为false。
func ResolveHole(s Snack, ack seqnum.Value, mss uint32, sacked []SackBlock) (SnackHole, bool) {
	h := DecodeHole(s, ack, mss)
	if s.HoleSize == 0 || mss == 0 {
		return h, false
	}
	leftEnd := h.Left.Add(seqnum.Size(mss))
	rightStart := h.Left.Add(seqnum.Size(uint32(s.HoleSize-1) * mss))

	var lefts []seqnum.Value
	if h.Left == ack {
		lefts = append(lefts, ack)
	}
	for _, b := range sacked {
		if b.Right.InRange(h.Left, leftEnd) {
			lefts = append(lefts, b.Right)
		}
	}

	var best SnackHole
	found := false
	for _, l := range lefts {
		r, ok := nextSackLeft(l, sacked)
		if !ok || !r.GreaterThan(rightStart) || r.GreaterThan(h.Right) {
			continue
		}
		if !found || best.Left.LessThan(l) {
			best = SnackHole{Left: l, Right: r}
			found = true
		}
	}
	if !found {
		return h, false
	}
	return best, true
}

// nextSackLeft 严格大于seq的最小SACK块左端
func nextSackLeft(seq seqnum.Value, sacked []SackBlock) (seqnum.Value, bool) {
	var r seqnum.Value
	found := false
	for _, b := range sacked {
		if b.Left.GreaterThan(seq) && (!found || b.Left.LessThan(r)) {
			r = b.Left
			found = true
		}
	}
	return r, found
}
