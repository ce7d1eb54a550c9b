package transfer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/phuslu/log"

	"github.com/blukai/netplay/internal/logging"
	"github.com/blukai/netplay/internal/protocol"
)

type record struct {
	path      string
	f         *os.File
	totalSize uint32
	// sized is set once the first chunk told us the total size.
	sized    bool
	written  uint32
	complete bool
}

// Receiver collects incoming files. It is driven from the session loop only.
type Receiver struct {
	dir     string
	logger  *log.Logger
	records map[protocol.Hash]*record
	// order keeps progress reports stable.
	order []protocol.Hash
}

func NewReceiver(dir string, logger *log.Logger) *Receiver {
	return &Receiver{
		dir:     dir,
		logger:  logging.OrDiscard(logger),
		records: make(map[protocol.Hash]*record),
	}
}

// Expect registers a file the joiner needs. name is the file name inside the
// download directory.
func (r *Receiver) Expect(hash protocol.Hash, name string) error {
	if _, ok := r.records[hash]; ok {
		return nil
	}
	path := filepath.Join(r.dir, filepath.Base(name))
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("could not create download dir: %w", err)
	}
	r.records[hash] = &record{path: path}
	r.order = append(r.order, hash)
	return nil
}

// Receive writes one chunk. An ErrUnknownTransfer result means the sender
// should be told to stop; ErrMismatch means the partial file is gone.
// It returns true once the file is complete and verified.
func (r *Receiver) Receive(p protocol.FilePayload) (bool, error) {
	rec, ok := r.records[p.Hash]
	if !ok || rec.complete {
		return false, fmt.Errorf("%s: %w", p.Hash, ErrUnknownTransfer)
	}

	if rec.sized && rec.totalSize != p.TotalSize {
		r.abort(p.Hash, rec)
		return false, fmt.Errorf("%s: size %d, was %d: %w", p.Hash, p.TotalSize, rec.totalSize, ErrMismatch)
	}
	if p.Offset != rec.written {
		r.abort(p.Hash, rec)
		return false, fmt.Errorf("%s: offset %d, have %d: %w", p.Hash, p.Offset, rec.written, ErrMismatch)
	}
	if uint64(p.Offset)+uint64(len(p.Data)) > uint64(p.TotalSize) {
		r.abort(p.Hash, rec)
		return false, fmt.Errorf("%s: chunk past end: %w", p.Hash, ErrMismatch)
	}

	if rec.f == nil {
		f, err := os.OpenFile(rec.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			r.abort(p.Hash, rec)
			return false, fmt.Errorf("could not create %s: %w", rec.path, err)
		}
		rec.f = f
		rec.totalSize = p.TotalSize
		rec.sized = true
	}

	if _, err := rec.f.Write(p.Data); err != nil {
		r.abort(p.Hash, rec)
		return false, fmt.Errorf("could not write %s: %w", rec.path, err)
	}
	rec.written += uint32(len(p.Data))

	if rec.written < rec.totalSize {
		return false, nil
	}
	return r.finish(p.Hash, rec)
}

func (r *Receiver) finish(hash protocol.Hash, rec *record) (bool, error) {
	if err := rec.f.Close(); err != nil {
		rec.f = nil
		r.abort(hash, rec)
		return false, fmt.Errorf("could not close %s: %w", rec.path, err)
	}
	rec.f = nil

	sum, err := HashFile(rec.path)
	if err != nil {
		r.abort(hash, rec)
		return false, err
	}
	if sum != hash {
		r.abort(hash, rec)
		return false, fmt.Errorf("%s: content hash %s: %w", hash, sum, ErrMismatch)
	}

	rec.complete = true
	if err := markDownloaded(rec.path); err != nil {
		r.logger.Warn().Err(err).Str("path", rec.path).Msg("could not tag downloaded file")
	}
	r.logger.Info().Str("path", rec.path).Uint32("size", rec.totalSize).Msg("download complete")
	return true, nil
}

// abort drops the transfer and deletes whatever was written.
func (r *Receiver) abort(hash protocol.Hash, rec *record) {
	if rec.f != nil {
		rec.f.Close()
		rec.f = nil
	}
	if err := os.Remove(rec.path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn().Err(err).Str("path", rec.path).Msg("could not remove partial download")
	}
	r.forget(hash)
}

func (r *Receiver) forget(hash protocol.Hash) {
	delete(r.records, hash)
	for i, h := range r.order {
		if h == hash {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Cancel stops a transfer the host gave up on.
func (r *Receiver) Cancel(hash protocol.Hash) {
	if rec, ok := r.records[hash]; ok && !rec.complete {
		r.abort(hash, rec)
	}
}

// Progress is the smallest completion percentage among expected files, 100
// when nothing is outstanding.
func (r *Receiver) Progress() uint8 {
	min := uint8(100)
	for _, hash := range r.order {
		rec := r.records[hash]
		if rec.complete {
			continue
		}
		p := uint8(0)
		if rec.sized {
			p = percent(rec.written, rec.totalSize)
		}
		if p >= 100 {
			p = 99
		}
		if p < min {
			min = p
		}
	}
	return min
}

// Pending lists expected files that are not complete yet.
func (r *Receiver) Pending() []protocol.Hash {
	var out []protocol.Hash
	for _, hash := range r.order {
		if !r.records[hash].complete {
			out = append(out, hash)
		}
	}
	return out
}

func (r *Receiver) Path(hash protocol.Hash) (string, bool) {
	rec, ok := r.records[hash]
	if !ok || !rec.complete {
		return "", false
	}
	return rec.path, true
}

func (r *Receiver) Close() {
	for hash, rec := range r.records {
		if !rec.complete {
			r.abort(hash, rec)
		}
	}
}
