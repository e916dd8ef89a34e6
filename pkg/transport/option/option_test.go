package option

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junbin-yang/scpstp-go/pkg/transport/seqnum"
)

func TestSnack_SerializeLayout(t *testing.T) {
	s := Snack{HoleOffset: 0x0102, HoleSize: 0x0304}
	buf := make([]byte, 8)
	n := s.Serialize(buf)
	require.Equal(t, SnackLength, n)
	assert.Equal(t, []byte{21, 6, 0x01, 0x02, 0x03, 0x04}, buf[:6], "线上格式应为 kind/len/offset/size 大端序")

	assert.Equal(t, 0, s.Serialize(make([]byte, 5)), "缓冲区不足时不应写入")
}

func TestSnack_RoundTrip(t *testing.T) {
	values := []uint16{0, 1, 2, 255, 256, 0x7fff, 0x8000, 0xfffe, 0xffff}
	for _, off := range values {
		for _, size := range values {
			in := Snack{HoleOffset: off, HoleSize: size}
			buf := make([]byte, SnackLength)
			require.Equal(t, SnackLength, in.Serialize(buf))

			var out Snack
			require.Equal(t, SnackLength, out.Deserialize(buf))
			assert.Equal(t, in, out)

			viaLayer, ok := SnackFromTCPOption(in.TCPOption())
			require.True(t, ok)
			assert.Equal(t, in, viaLayer)
		}
	}
}

func TestSnack_DeserializeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"类型不匹配", []byte{5, 6, 0, 1, 0, 1}},
		{"长度字段错误", []byte{21, 8, 0, 1, 0, 1}},
		{"数据过短", []byte{21, 6, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Snack{HoleOffset: 7, HoleSize: 9}
			assert.Equal(t, 0, s.Deserialize(tt.data))
			assert.Equal(t, Snack{HoleOffset: 7, HoleSize: 9}, s, "解析失败不应修改原值")
		})
	}

	_, ok := SnackFromTCPOption(layers.TCPOption{OptionType: KindSnack, OptionData: []byte{1, 2}})
	assert.False(t, ok)
}

func TestOptions_Converters(t *testing.T) {
	mss, ok := ParseMSS(MSSOption(1460))
	require.True(t, ok)
	assert.Equal(t, uint16(1460), mss)

	shift, ok := ParseWindowScale(WindowScaleOption(20))
	require.True(t, ok)
	assert.Equal(t, uint8(MaxWindowShift), shift, "窗口扩大因子应截断到14")

	blocks := []SackBlock{{Left: 100, Right: 200}, {Left: 300, Right: 400}}
	opt := SackOption(blocks)
	assert.Equal(t, uint8(SackLength(2)), opt.OptionLength)
	parsed, ok := ParseSack(opt)
	require.True(t, ok)
	assert.Equal(t, blocks, parsed)

	ts, ok := ParseTimestamp(TimestampOption(Timestamp{Value: 11, Echo: 22}))
	require.True(t, ok)
	assert.Equal(t, Timestamp{Value: 11, Echo: 22}, ts)
}

func TestHole_EncodeDecode(t *testing.T) {
	ack := seqnum.Value(1000)
	const mss = 100

	s, ok := EncodeHole(SnackHole{Left: 1200, Right: 1350}, ack, mss)
	require.True(t, ok)
	assert.Equal(t, Snack{HoleOffset: 2, HoleSize: 2}, s)
	assert.Equal(t, SnackHole{Left: 1200, Right: 1400}, DecodeHole(s, ack, mss), "解码区间应覆盖空洞")

	s, ok = EncodeHole(SnackHole{Left: 1050, Right: 1100}, ack, mss)
	require.True(t, ok)
	assert.Equal(t, Snack{HoleOffset: 0, HoleSize: 1}, s)

	_, ok = EncodeHole(SnackHole{Left: 900, Right: 1100}, ack, mss)
	assert.False(t, ok, "空洞在确认号之前不可编码")
}

func TestResolveHole(t *testing.T) {
	const mss = 536
	ack := seqnum.Value(1001)

	cases := []struct {
		name   string
		hole   SnackHole
		sacked []SackBlock
	}{
		// 一个字节的探测段打乱了MSS对齐
		{"单字节段之后的空洞", SnackHole{Left: 2074, Right: 2610},
			[]SackBlock{{Left: 1537, Right: 2074}, {Left: 2610, Right: 3146}}},
		{"小段之间的第二个空洞", SnackHole{Left: 1501, Right: 1601},
			[]SackBlock{{Left: 1601, Right: 2001}, {Left: 1101, Right: 1501}}},
		{"紧跟确认号的空洞", SnackHole{Left: 1001, Right: 1101},
			[]SackBlock{{Left: 1101, Right: 1501}, {Left: 1601, Right: 2001}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, ok := EncodeHole(tc.hole, ack, mss)
			require.True(t, ok)
			got, exact := ResolveHole(s, ack, mss, tc.sacked)
			assert.True(t, exact)
			assert.Equal(t, tc.hole, got)
		})
	}

	// 缺少SACK信息时退回解码区间
	s, _ := EncodeHole(SnackHole{Left: 2074, Right: 2610}, ack, mss)
	got, exact := ResolveHole(s, ack, mss, nil)
	assert.False(t, exact)
	assert.Equal(t, DecodeHole(s, ack, mss), got)
}
