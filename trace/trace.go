// ABOUTME: Timestamped trace output for marking scheduling and timing events
// ABOUTME: Colors the prefix on terminals and formats byte counts for humans

// Package trace prints diagnostic lines in the engine's
// "[pid] <elapsed> ms: message" format. Tracing never changes behavior;
// a nil *Logger discards everything.
package trace

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	colorPrefix = "\x1b[36m"
	colorReset  = "\x1b[0m"
)

// Logger writes timestamped trace lines. It is safe for concurrent use.
type Logger struct {
	mu    sync.Mutex
	w     io.Writer
	start time.Time
	pid   int
	color bool
	now   func() time.Time
}

// New creates a logger writing plain lines to w
func New(w io.Writer) *Logger {
	return &Logger{
		w:     w,
		start: time.Now(),
		pid:   os.Getpid(),
		now:   time.Now,
	}
}

// Stderr creates a logger on standard error, colored when it is a terminal
func Stderr() *Logger {
	l := New(colorable.NewColorableStderr())
	fd := os.Stderr.Fd()
	l.color = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return l
}

// Printf writes one line prefixed with the process id and the
// milliseconds elapsed since the logger was created
func (l *Logger) Printf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	elapsed := float64(l.now().Sub(l.start).Microseconds()) / 1000
	prefix := fmt.Sprintf("[%d] %8.0f ms: ", l.pid, elapsed)
	msg := fmt.Sprintf(format, args...)
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg += "\n"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.color {
		fmt.Fprint(l.w, colorPrefix+prefix+colorReset+msg)
		return
	}
	fmt.Fprint(l.w, prefix+msg)
}

// Enabled reports whether the logger prints anything
func (l *Logger) Enabled() bool {
	return l != nil
}

// Bytes formats a byte count as e.g. "64.00KB"
func Bytes(n int64) string {
	if n < 0 {
		return "-" + bytesize.New(float64(-n)).String()
	}
	return bytesize.New(float64(n)).String()
}
