package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"fundarb/internal/application/port"
)

type Sink struct {
	w io.Writer
}

func NewSink() port.Sink { return &Sink{w: os.Stdout} }

// NewSinkTo 输出到指定 writer（测试用）
func NewSinkTo(w io.Writer) port.Sink { return &Sink{w: w} }

func (s *Sink) WriteLive(line string) error {
	_, err := fmt.Fprint(s.w, line) // no newline
	return err
}

// A 方案：打印快照行后，留一个空行占位；不立刻重画 live，等下一次变化刷新
func (s *Sink) WriteSnapshot(ts time.Time, line string) error {
	_, err := fmt.Fprintf(s.w, "\n%s %s\n\n", ts.Format("2006-01-02 15:04:05"), line)
	return err
}

func (s *Sink) WriteLine(line string) error {
	_, err := fmt.Fprintln(s.w, line)
	return err
}

func (s *Sink) NewLine() error {
	_, err := fmt.Fprint(s.w, "\n")
	return err
}
