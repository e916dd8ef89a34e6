// 传输层报文段：头部字段、标志位、选项，以及基于gopacket的线上编解码
package segment

import (
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/junbin-yang/scpstp-go/pkg/transport/option"
	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
)

// Flags 头部标志位
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

var flagNames = []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}

func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Segment 一个传输层报文段
type Segment struct {
	SrcPort uint16
	DstPort uint16
	Seq     seqnum.Value
	Ack     seqnum.Value
	Flags   Flags
	Window  uint16 // 线上窗口值（未左移）

	// 选项，零值表示不携带
	MSS            uint16
	HasWindowScale bool
	WindowScale    uint8
	SackPermitted  bool
	Sack           []option.SackBlock
	Snack          []option.Snack
	Timestamp      *option.Timestamp

	Payload []byte

	// ECT/CE 对应IP头部的ECN码点，由网络层携带，不属于传输头部编码
	ECT bool
	CE  bool
}

// New 创建一个不带选项的报文段
func New(seq, ack seqnum.Value, flags Flags) *Segment {
	return &Segment{Seq: seq, Ack: ack, Flags: flags}
}

// Len 报文段占用的序列号空间（SYN与FIN各占一个）
func (s *Segment) Len() seqnum.Size {
	n := seqnum.Size(len(s.Payload))
	if s.Flags&FlagSYN != 0 {
		n++
	}
	if s.Flags&FlagFIN != 0 {
		n++
	}
	return n
}

// OptionsSize 编码后的选项字节数（不含填充）
func (s *Segment) OptionsSize() int {
	n := 0
	if s.MSS != 0 {
		n += option.MSSLength
	}
	if s.HasWindowScale {
		n += option.WindowScaleLen
	}
	if s.SackPermitted {
		n += option.SackPermLength
	}
	if s.Timestamp != nil {
		n += option.TimestampLength
	}
	if len(s.Sack) > 0 {
		n += option.SackLength(len(s.Sack))
	}
	n += len(s.Snack) * option.SnackLength
	return n
}

// OptionSpace 剩余可用的选项空间
func (s *Segment) OptionSpace() int {
	return option.MaxOptionsSpace - s.OptionsSize()
}

func (s *Segment) tcpOptions() []layers.TCPOption {
	var opts []layers.TCPOption
	if s.MSS != 0 {
		opts = append(opts, option.MSSOption(s.MSS))
	}
	if s.HasWindowScale {
		opts = append(opts, option.WindowScaleOption(s.WindowScale))
	}
	if s.SackPermitted {
		opts = append(opts, option.SackPermittedOption())
	}
	if s.Timestamp != nil {
		opts = append(opts, option.TimestampOption(*s.Timestamp))
	}
	if len(s.Sack) > 0 {
		opts = append(opts, option.SackOption(s.Sack))
	}
	for _, sn := range s.Snack {
		opts = append(opts, sn.TCPOption())
	}
	return opts
}

// Marshal 编码为线上字节，校验和由网络层负责，这里不计算
func (s *Segment) Marshal() ([]byte, error) {
	if size := s.OptionsSize(); size > option.MaxOptionsSpace {
		return nil, errors.Errorf("options need %d bytes, limit is %d", size, option.MaxOptionsSpace)
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     uint32(s.Seq),
		Ack:     uint32(s.Ack),
		FIN:     s.Flags&FlagFIN != 0,
		SYN:     s.Flags&FlagSYN != 0,
		RST:     s.Flags&FlagRST != 0,
		PSH:     s.Flags&FlagPSH != 0,
		ACK:     s.Flags&FlagACK != 0,
		URG:     s.Flags&FlagURG != 0,
		ECE:     s.Flags&FlagECE != 0,
		CWR:     s.Flags&FlagCWR != 0,
		Window:  s.Window,
		Options: s.tcpOptions(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload(s.Payload)); err != nil {
		return nil, errors.Wrap(err, "serialize segment")
	}
	return buf.Bytes(), nil
}

// Unmarshal 解析线上字节。格式错误的单个SNACK选项被丢弃，不影响其余选项
func Unmarshal(data []byte) (*Segment, error) {
	tcp := &layers.TCP{}
	if err := tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(err, "decode segment")
	}
	s := &Segment{
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Seq:     seqnum.Value(tcp.Seq),
		Ack:     seqnum.Value(tcp.Ack),
		Window:  tcp.Window,
	}
	for flag, set := range map[Flags]bool{
		FlagFIN: tcp.FIN, FlagSYN: tcp.SYN, FlagRST: tcp.RST, FlagPSH: tcp.PSH,
		FlagACK: tcp.ACK, FlagURG: tcp.URG, FlagECE: tcp.ECE, FlagCWR: tcp.CWR,
	} {
		if set {
			s.Flags |= flag
		}
	}
	for _, o := range tcp.Options {
		switch o.OptionType {
		case layers.TCPOptionKindMSS:
			if mss, ok := option.ParseMSS(o); ok {
				s.MSS = mss
			}
		case layers.TCPOptionKindWindowScale:
			if shift, ok := option.ParseWindowScale(o); ok {
				s.HasWindowScale = true
				s.WindowScale = shift
			}
		case layers.TCPOptionKindSACKPermitted:
			s.SackPermitted = true
		case layers.TCPOptionKindTimestamps:
			if ts, ok := option.ParseTimestamp(o); ok {
				s.Timestamp = &ts
			}
		case layers.TCPOptionKindSACK:
			if blocks, ok := option.ParseSack(o); ok {
				s.Sack = blocks
			}
		case option.KindSnack:
			if sn, ok := option.SnackFromTCPOption(o); ok {
				s.Snack = append(s.Snack, sn)
			}
		}
	}
	if len(tcp.Payload) > 0 {
		s.Payload = append([]byte(nil), tcp.Payload...)
	}
	return s, nil
}

func (s *Segment) String() string {
	return fmt.Sprintf("%d > %d [%s] Seq=%d Ack=%d Win=%d Len=%d",
		s.SrcPort, s.DstPort, s.Flags, s.Seq, s.Ack, s.Window, len(s.Payload))
}
