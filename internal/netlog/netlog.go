// Package netlog keeps the most recent session events (joins, leaves, kicks,
// rejections) in a fixed-size ring so they can be dumped after the fact
// without growing for the lifetime of a long session.
package netlog

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/armon/circbuf"
)

const DefaultSize = 64 << 10

type Log struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func New(size int64) (*Log, error) {
	if size <= 0 {
		size = DefaultSize
	}
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("could not allocate net log: %w", err)
	}
	return &Log{buf: buf}, nil
}

// Entry appends one line. index is the slot (or pending connection) the
// event concerns, -1 when it concerns none.
func (l *Log) Entry(now time.Time, index int, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.buf, "%s [%3d] ", now.UTC().Format("15:04:05.000"), index)
	fmt.Fprintf(l.buf, format, args...)
	l.buf.Write([]byte{'\n'})
}

// WriteTo dumps the retained tail of the log. The first line may be cut if
// the ring has wrapped.
func (l *Log) WriteTo(w io.Writer) (int64, error) {
	l.mu.Lock()
	data := l.buf.Bytes()
	l.mu.Unlock()

	n, err := w.Write(data)
	return int64(n), err
}

func (l *Log) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.buf.Bytes())
}

// Total is the number of bytes ever written, including what was overwritten.
func (l *Log) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.TotalWritten()
}
