// 传输头部选项：SNACK选择性否定确认的定长编解码，以及与gopacket TCPOption之间的转换
package option

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"
)

const (
	KindSnack   layers.TCPOptionKind = 21 // SNACK选项类型
	SnackLength                      = 6  // SNACK选项固定长度（字节）
)

// Snack 单个SNACK选项，描述相对确认号的一个空洞
// 偏移和大小均以MSS为单位
type Snack struct {
	HoleOffset uint16 // 空洞起点相对确认号的偏移
	HoleSize   uint16 // 空洞大小
}

// SerializedSize 编码后的字节数
func (s Snack) SerializedSize() int {
	return SnackLength
}

// Serialize 写入 [kind][len=6][offset BE][size BE]，返回写入的字节数
// 缓冲区不足6字节时不写入并返回0
func (s Snack) Serialize(b []byte) int {
	if len(b) < SnackLength {
		return 0
	}
	b[0] = byte(KindSnack)
	b[1] = SnackLength
	binary.BigEndian.PutUint16(b[2:4], s.HoleOffset)
	binary.BigEndian.PutUint16(b[4:6], s.HoleSize)
	return SnackLength
}

// Deserialize 从b解析SNACK选项，返回消耗的字节数
// 类型或长度不匹配时返回0，且不修改s
func (s *Snack) Deserialize(b []byte) int {
	if len(b) < SnackLength || layers.TCPOptionKind(b[0]) != KindSnack || b[1] != SnackLength {
		return 0
	}
	s.HoleOffset = binary.BigEndian.Uint16(b[2:4])
	s.HoleSize = binary.BigEndian.Uint16(b[4:6])
	return SnackLength
}

// TCPOption 转换为gopacket选项
func (s Snack) TCPOption() layers.TCPOption {
	data := make([]byte, SnackLength-2)
	binary.BigEndian.PutUint16(data[0:2], s.HoleOffset)
	binary.BigEndian.PutUint16(data[2:4], s.HoleSize)
	return layers.TCPOption{
		OptionType:   KindSnack,
		OptionLength: SnackLength,
		OptionData:   data,
	}
}

// SnackFromTCPOption 从gopacket选项还原SNACK，格式错误返回false
func SnackFromTCPOption(o layers.TCPOption) (Snack, bool) {
	var s Snack
	if o.OptionType != KindSnack || len(o.OptionData) != SnackLength-2 {
		return s, false
	}
	buf := make([]byte, SnackLength)
	buf[0] = byte(o.OptionType)
	buf[1] = SnackLength
	copy(buf[2:], o.OptionData)
	if s.Deserialize(buf) == 0 {
		return Snack{}, false
	}
	return s, true
}

func (s Snack) String() string {
	return fmt.Sprintf("SNACK(offset=%d, size=%d)", s.HoleOffset, s.HoleSize)
}
