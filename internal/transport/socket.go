// Package transport provides non-blocking wrappers around TCP streams. All
// blocking I/O happens on goroutines owned by this package; the session
// loop only ever polls.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/blukai/netplay/internal/byteorder"
	"github.com/blukai/netplay/internal/protocol"
)

var (
	ErrClosed   = errors.New("socket closed")
	ErrBadBlock = errors.New("malformed compressed block")
)

// MaxBlockSize bounds the uncompressed size of one block. Larger writes are
// split.
const MaxBlockSize = 64 << 10

// blockHeaderSize is the u32 uncompressed length followed by the u32
// compressed length. A compressed length of zero means the block is stored
// as is.
const blockHeaderSize = 8

// WriteTimeout bounds a single write so a peer that stopped reading can not
// stall the session loop.
const WriteTimeout = 5 * time.Second

// Socket is a bidirectional stream that starts out raw and switches to lz4
// once BeginCompression is called. The first RawPrefix bytes are always
// read uncompressed; after that the reader parks until compression begins.
// Once compressed, every write goes out as one or more self-delimiting
// blocks so the reader can hand over a block as soon as it arrives.
type Socket struct {
	conn  net.Conn
	stats *Stats

	mu      sync.Mutex
	pending []byte
	rerr    error
	notify  func()

	wmu        sync.Mutex
	compressed bool
	block      []byte

	compress     chan struct{}
	compressOnce sync.Once
	done         chan struct{}
	closeOnce    sync.Once
}

type SocketOptions struct {
	// RawPrefix is how many bytes arrive before compression. Hosts expect
	// the 8 byte version, joiners the 4 byte error code.
	RawPrefix int
	// Stats receives traffic counters, may be nil.
	Stats *Stats
}

func NewSocket(conn net.Conn, opts SocketOptions) *Socket {
	s := &Socket{
		conn:     conn,
		stats:    opts.Stats,
		compress: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.readLoop(opts.RawPrefix)
	return s
}

func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// RemoteIP is the address part of RemoteAddr.
func (s *Socket) RemoteIP() string {
	addr := s.conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (s *Socket) deliver(data []byte, err error) {
	s.mu.Lock()
	if len(data) > 0 {
		s.pending = append(s.pending, data...)
	}
	if err != nil && s.rerr == nil {
		s.rerr = err
	}
	notify := s.notify
	s.mu.Unlock()

	if len(data) > 0 && s.stats != nil {
		s.stats.AddRecv(len(data))
	}
	if notify != nil {
		notify()
	}
}

func (s *Socket) readLoop(rawPrefix int) {
	buf := make([]byte, protocol.BufferSize)

	for got := 0; got < rawPrefix; {
		n, err := s.conn.Read(buf[:rawPrefix-got])
		got += n
		s.deliver(buf[:n], err)
		if err != nil {
			return
		}
	}

	select {
	case <-s.compress:
	case <-s.done:
		s.deliver(nil, ErrClosed)
		return
	}

	for {
		data, err := readBlock(s.conn)
		s.deliver(data, err)
		if err != nil {
			return
		}
	}
}

func readBlock(r io.Reader) ([]byte, error) {
	var header [blockHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := byteorder.Ntohl(header[0:4])
	packed := byteorder.Ntohl(header[4:8])
	if size == 0 || size > MaxBlockSize || packed > uint32(lz4.CompressBlockBound(MaxBlockSize)) {
		return nil, fmt.Errorf("%w: %d bytes packed into %d", ErrBadBlock, size, packed)
	}

	if packed == 0 {
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		return data, nil
	}

	src := make([]byte, packed)
	if _, err := io.ReadFull(r, src); err != nil {
		return nil, err
	}
	data := make([]byte, size)
	n, err := lz4.UncompressBlock(src, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadBlock, err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadBlock, size, n)
	}
	return data, nil
}

// appendBlock appends data as one block to dst. Data that does not shrink
// is stored.
func appendBlock(dst, data []byte) []byte {
	start := len(dst)
	dst = append(dst, byteorder.Htonl(uint32(len(data)))...)
	dst = append(dst, 0, 0, 0, 0)

	bound := lz4.CompressBlockBound(len(data))
	dst = slices.Grow(dst, bound)
	out := dst[len(dst) : len(dst)+bound]
	n, err := lz4.CompressBlock(data, out, nil)
	if err != nil || n == 0 || n >= len(data) {
		return append(dst, data...)
	}
	copy(dst[start+4:start+8], byteorder.Htonl(uint32(n)))
	return dst[:len(dst)+n]
}

// Recv returns whatever arrived since the last call. It never blocks. Data
// is always handed out before the error that ended the stream.
func (s *Socket) Recv() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		data := s.pending
		s.pending = nil
		return data, nil
	}
	return nil, s.rerr
}

// Ready reports whether Recv would return data or an error.
func (s *Socket) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0 || s.rerr != nil
}

func (s *Socket) setNotify(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// BeginCompression switches both directions to lz4. Safe to call more than
// once.
func (s *Socket) BeginCompression() {
	s.compressOnce.Do(func() {
		s.wmu.Lock()
		s.compressed = true
		s.wmu.Unlock()
		close(s.compress)
	})
}

func (s *Socket) Write(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return fmt.Errorf("could not set write deadline: %w", err)
	}
	out := data
	if s.compressed {
		s.block = s.block[:0]
		for rest := data; len(rest) > 0; {
			n := min(len(rest), MaxBlockSize)
			s.block = appendBlock(s.block, rest[:n])
			rest = rest[n:]
		}
		out = s.block
	}
	if _, err := s.conn.Write(out); err != nil {
		return fmt.Errorf("could not write: %w", err)
	}
	if s.stats != nil {
		s.stats.AddSent(len(data))
	}
	return nil
}

func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
