package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junbin-yang/scpstp-go/pkg/transport/option"
)

func TestSegment_MarshalRoundTrip(t *testing.T) {
	in := New(1000, 2000, FlagACK|FlagPSH|FlagECE)
	in.SrcPort = 5000
	in.DstPort = 6000
	in.Window = 4096
	in.Timestamp = &option.Timestamp{Value: 77, Echo: 66}
	in.Sack = []option.SackBlock{{Left: 2100, Right: 2200}}
	in.Snack = []option.Snack{{HoleOffset: 0, HoleSize: 1}, {HoleOffset: 2, HoleSize: 3}}
	in.Payload = []byte("hello scps")

	data, err := in.Marshal()
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, in.SrcPort, out.SrcPort)
	assert.Equal(t, in.DstPort, out.DstPort)
	assert.Equal(t, in.Seq, out.Seq)
	assert.Equal(t, in.Ack, out.Ack)
	assert.Equal(t, in.Flags, out.Flags)
	assert.Equal(t, in.Window, out.Window)
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, in.Sack, out.Sack)
	assert.Equal(t, in.Snack, out.Snack, "多个SNACK选项应按顺序保留")
	assert.Equal(t, in.Payload, out.Payload)
	assert.False(t, out.HasWindowScale)
}

func TestSegment_SynOptions(t *testing.T) {
	in := New(0, 0, FlagSYN|FlagECE|FlagCWR)
	in.MSS = 1460
	in.HasWindowScale = true
	in.WindowScale = 7
	in.SackPermitted = true

	data, err := in.Marshal()
	require.NoError(t, err)
	out, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, uint16(1460), out.MSS)
	assert.True(t, out.HasWindowScale)
	assert.Equal(t, uint8(7), out.WindowScale)
	assert.True(t, out.SackPermitted)
	assert.Equal(t, "SYN|ECE|CWR", out.Flags.String())
	assert.Equal(t, uint32(1), uint32(out.Len()), "SYN占用一个序列号")
}

func TestSegment_OptionBudget(t *testing.T) {
	in := New(0, 0, FlagACK)
	in.Timestamp = &option.Timestamp{}
	in.Sack = make([]option.SackBlock, 4)
	assert.Greater(t, in.OptionsSize(), option.MaxOptionsSpace)
	_, err := in.Marshal()
	assert.Error(t, err, "超出选项空间应报错")

	in.Sack = in.Sack[:2]
	assert.Equal(t, 12, in.OptionSpace())
}

func TestUnmarshal_MalformedSnackDropped(t *testing.T) {
	in := New(1, 2, FlagACK)
	in.Sack = []option.SackBlock{{Left: 10, Right: 20}}
	data, err := in.Marshal()
	require.NoError(t, err)

	// 在选项区写入一个长度错误的SNACK（kind=21, len=4）
	hdr := append([]byte(nil), data[:20]...)
	opts := append([]byte{21, 4, 0, 1}, data[20:]...)
	for len(opts)%4 != 0 {
		opts = append(opts, 0)
	}
	hdr[12] = byte((20+len(opts))/4) << 4
	raw := append(hdr, opts...)

	out, err := Unmarshal(raw)
	require.NoError(t, err, "单个SNACK格式错误不应导致整个报文段解析失败")
	assert.Empty(t, out.Snack)
	assert.Equal(t, in.Sack, out.Sack)
}

func TestUnmarshal_Truncated(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	assert.Error(t, err)
}
