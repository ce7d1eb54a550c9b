// Package transfer moves map and mod files from the host to joiners in
// fixed size chunks, verified by content hash.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"

	"github.com/blukai/netplay/internal/protocol"
)

// ChunkSize is the payload of one FILE_PAYLOAD message.
const ChunkSize = protocol.MaxChunkSize

var (
	ErrUnknownTransfer = errors.New("unknown transfer")
	ErrMismatch        = errors.New("transfer mismatch")
	ErrTooLarge        = errors.New("file too large")
)

func HashFile(path string) (protocol.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.Hash{}, fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New(protocol.HashSize, nil)
	if _, err := io.Copy(h, f); err != nil {
		return protocol.Hash{}, fmt.Errorf("could not hash %s: %w", path, err)
	}
	var sum protocol.Hash
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

func HashBytes(data []byte) protocol.Hash {
	return blake3.Sum256(data)
}

// Outgoing is one file being sent to one participant.
type Outgoing struct {
	hash   protocol.Hash
	f      *os.File
	size   uint32
	offset uint32
	buf    []byte
}

func Open(path string, hash protocol.Hash) (*Outgoing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("could not stat %s: %w", path, err)
	}
	if info.Size() > int64(^uint32(0)) {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrTooLarge)
	}
	return &Outgoing{
		hash: hash,
		f:    f,
		size: uint32(info.Size()),
		buf:  make([]byte, ChunkSize),
	}, nil
}

func (o *Outgoing) Hash() protocol.Hash { return o.hash }

func (o *Outgoing) Done() bool { return o.f == nil }

// NextChunk reads the next chunk and reports how much of the file has been
// sent including it. The file is closed once the last chunk is out.
func (o *Outgoing) NextChunk() (protocol.FilePayload, uint8, error) {
	if o.f == nil {
		return protocol.FilePayload{}, 100, ErrUnknownTransfer
	}

	want := o.size - o.offset
	if want > ChunkSize {
		want = ChunkSize
	}
	n, err := io.ReadFull(o.f, o.buf[:want])
	if err != nil {
		o.Close()
		return protocol.FilePayload{}, 0, fmt.Errorf("could not read chunk at %d: %w", o.offset, err)
	}

	payload := protocol.FilePayload{
		Hash:      o.hash,
		TotalSize: o.size,
		Offset:    o.offset,
		Data:      append([]byte(nil), o.buf[:n]...),
	}
	o.offset += uint32(n)
	if o.offset >= o.size {
		o.Close()
	}
	return payload, percent(o.offset, o.size), nil
}

func (o *Outgoing) Close() error {
	if o.f == nil {
		return nil
	}
	err := o.f.Close()
	o.f = nil
	return err
}

func percent(done, total uint32) uint8 {
	if total == 0 {
		return 100
	}
	return uint8(uint64(done) * 100 / uint64(total))
}
