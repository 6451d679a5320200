package zf

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// ConfigureLogging builds the process logger from c: a pretty writer on
// stdout, plus a JSON log file when configured. The returned reopen func
// reopens the log file (for SIGHUP after rotation); it is nil when no file
// is configured.
func ConfigureLogging(c *Common) (l zerolog.Logger, reopen func(), err error) {
	outputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if fn := c.LogFile; fn != "" {
		x := newSwappableWriter(nil)
		reopen = func() {
			x.Swap(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
					return nil
				}
				return f
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return
}

// A swappableWriter is an io.Writer whose target can be replaced while logs
// flow through it.
type swappableWriter struct {
	w io.Writer
	m sync.Mutex
}

func newSwappableWriter(w io.Writer) *swappableWriter {
	return &swappableWriter{w: w}
}

func (sw *swappableWriter) Write(p []byte) (n int, err error) {
	sw.m.Lock()
	defer sw.m.Unlock()
	if sw.w != nil {
		return sw.w.Write(p)
	}
	return len(p), nil
}

func (sw *swappableWriter) Swap(fn func(io.Writer) io.Writer) {
	sw.m.Lock()
	defer sw.m.Unlock()
	sw.w = fn(sw.w)
}
