package buffer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 环形缓冲区用于接收侧暂存按序到达的数据
// 以下示例模拟 "写入→查看→读取→回绕写入→读空" 全流程
func Test_RingBuffer(t *testing.T) {
	fmt.Println("[RingBuffer]")

	// 1. 初始化：容量16字节
	rb := NewRingBuffer(16)
	require.Equal(t, 16, rb.Available())

	// 2. 写入数据
	require.NoError(t, rb.Write([]byte("scps-tp data")))
	fmt.Printf("写入后已用空间：%d字节\n", rb.Used())
	assert.Equal(t, 4, rb.Available())

	// 3. 空间不足时整体拒绝
	assert.Error(t, rb.Write([]byte("12345")), "空间不足应返回错误")
	assert.Equal(t, 12, rb.Used(), "失败的写入不应改变数据量")

	// 4. 查看但不移除
	peek := rb.Peek(4)
	assert.Equal(t, "scps", string(peek))
	assert.Equal(t, 12, rb.Used())

	// 5. 读取后写入回绕到缓冲区开头
	out := rb.Read(8)
	assert.Equal(t, "scps-tp ", string(out))
	require.NoError(t, rb.Write([]byte("wraparound")))
	out = rb.Read(100)
	assert.Equal(t, "datawraparound", string(out), "回绕后数据顺序应保持不变")
	fmt.Printf("回绕读取：%s\n", out)

	// 6. 读空后不再返回数据
	assert.Equal(t, 0, rb.Used())
	assert.Nil(t, rb.Read(1))
	assert.Equal(t, 16, rb.Available())
}
