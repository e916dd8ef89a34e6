// 连接的发送/接收缓冲区：发送侧记分板、接收侧SACK/SNACK簿记、按序交付的环形缓冲区
// 缓冲区由单个连接独占，调用方负责串行化访问
package buffer

import (
	"github.com/pkg/errors"
)

// RingBuffer 环形缓冲区，接收侧用它暂存已按序到达、尚未被应用读取的数据
type RingBuffer struct {
	data  []byte // 存储数据的缓冲区
	head  int    // 读指针
	tail  int    // 写指针
	count int    // 当前数据量
}

func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{data: make([]byte, size)}
}

// Write 写入全部数据，空间不足时整体拒绝
func (rb *RingBuffer) Write(p []byte) error {
	if len(p) > rb.Available() {
		return errors.Errorf("insufficient space: need %d, have %d", len(p), rb.Available())
	}
	for len(p) > 0 {
		n := copy(rb.data[rb.tail:], p)
		rb.tail = (rb.tail + n) % len(rb.data)
		rb.count += n
		p = p[n:]
	}
	return nil
}

// Read 读取最多size字节，数据不足时返回全部可读数据
func (rb *RingBuffer) Read(size int) []byte {
	out := rb.Peek(size)
	if len(out) == 0 {
		return nil
	}
	rb.head = (rb.head + len(out)) % len(rb.data)
	rb.count -= len(out)
	return out
}

// Peek 查看但不移除数据
func (rb *RingBuffer) Peek(size int) []byte {
	if size > rb.count {
		size = rb.count
	}
	if size <= 0 {
		return nil
	}
	out := make([]byte, size)
	n := copy(out, rb.data[rb.head:])
	if n < size {
		copy(out[n:], rb.data[:size-n])
	}
	return out
}

// Available 可写入字节数
func (rb *RingBuffer) Available() int {
	return len(rb.data) - rb.count
}

// Used 当前数据字节数
func (rb *RingBuffer) Used() int {
	return rb.count
}
