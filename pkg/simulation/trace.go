package simulation

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/pkg/errors"
)

// TraceWriter 记录拥塞窗口与慢启动阈值的采样，每行 "时间(秒) cwnd ssthresh"
type TraceWriter struct {
	mu  sync.Mutex
	out *rotatelogs.RotateLogs
}

// NewTraceWriter 在dir下按小时切割 <name>-cwnd.%Y%m%d%H%M.data，并维护指向当前文件的 <name>-cwnd.data
func NewTraceWriter(dir, name string) (*TraceWriter, error) {
	pattern := filepath.Join(dir, name+"-cwnd.%Y%m%d%H%M.data")
	out, err := rotatelogs.New(pattern,
		rotatelogs.WithLinkName(filepath.Join(dir, name+"-cwnd.data")),
		rotatelogs.WithRotationTime(time.Hour),
		rotatelogs.WithMaxAge(7*24*time.Hour),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "open trace %s", pattern)
	}
	return &TraceWriter{out: out}, nil
}

// Record 写入一个采样点，t为仿真时间
func (w *TraceWriter) Record(t time.Duration, cwnd, ssthresh uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.out, "%.6f %d %d\n", t.Seconds(), cwnd, ssthresh); err != nil {
		return errors.Wrap(err, "write trace")
	}
	return nil
}

// CurrentFile 当前写入的文件
func (w *TraceWriter) CurrentFile() string {
	return w.out.CurrentFileName()
}

func (w *TraceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Close()
}
