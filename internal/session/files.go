package session

import (
	"errors"
	"time"

	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/slots"
	"github.com/blukai/netplay/internal/transfer"
)

var ErrNoDownloadDir = errors.New("no download directory configured")

// OfferFile makes the file at path available to joined participants under
// its content hash.
func (s *Session) OfferFile(path string) (protocol.Hash, error) {
	if err := s.hostOp("OfferFile"); err != nil {
		return protocol.Hash{}, err
	}
	hash, err := transfer.HashFile(path)
	if err != nil {
		return protocol.Hash{}, err
	}
	s.files[hash] = path
	s.logger.Debug().Str("hash", hash.String()).Str("path", path).Msg("offering file")
	return hash, nil
}

// RequestFile asks the host for an asset. name is the file name it is
// stored under in the download directory.
func (s *Session) RequestFile(hash protocol.Hash, name string) error {
	if s.err != nil {
		return s.err
	}
	if s.isHost {
		return ErrNotHost
	}
	if s.receiver == nil {
		return ErrNoDownloadDir
	}
	if err := s.receiver.Expect(hash, name); err != nil {
		return err
	}
	if !s.sendTo(s.hostIndex, protocol.MustMessage(protocol.MsgFileRequested, &protocol.FileRequest{Hash: hash})) {
		s.receiver.Cancel(hash)
		return ErrNoConnection
	}
	return nil
}

// DownloadProgress is the combined percentage of all downloads in flight,
// 100 when there are none.
func (s *Session) DownloadProgress() uint8 {
	if s.receiver == nil {
		return 100
	}
	return s.receiver.Progress()
}

// File returns where an asset lives locally, offered or downloaded.
func (s *Session) File(hash protocol.Hash) (string, bool) {
	path, ok := s.files[hash]
	return path, ok
}

func (s *Session) startUpload(i int, hash protocol.Hash) {
	cancel := func(reason protocol.CancelReason) {
		s.sendTo(i, protocol.MustMessage(protocol.MsgFileCancelled, &protocol.FileCancel{Hash: hash, Reason: reason}))
	}

	path, ok := s.files[hash]
	if !ok {
		s.logger.Info().Int("index", i).Str("hash", hash.String()).Msg("requested file not offered")
		cancel(protocol.CancelNotFound)
		return
	}
	for _, o := range s.uploads[i] {
		if o.Hash() == hash {
			return
		}
	}

	o, err := transfer.Open(path, hash)
	if err != nil {
		s.logger.Error().Str("path", path).Err(err).Msg("could not open offered file")
		cancel(protocol.CancelNotFound)
		return
	}
	s.uploads[i] = append(s.uploads[i], o)
	s.dir.Update(i, func(slot *slots.Slot) {
		slot.Download = slots.Download{Active: true}
	})
	s.logger.Info().Int("index", i).Str("hash", hash.String()).Msg("upload started")
}

// sendChunks queues up to ChunksPerTick chunks per participant.
func (s *Session) sendChunks(now time.Time) {
	for i := range s.uploads {
		for n := 0; n < s.cfg.ChunksPerTick && len(s.uploads[i]) > 0; n++ {
			o := s.uploads[i][0]
			p, percent, err := o.NextChunk()
			if err != nil {
				s.logger.Error().Int("index", i).Str("hash", o.Hash().String()).Err(err).Msg("upload failed")
				s.sendTo(i, protocol.MustMessage(protocol.MsgFileCancelled, &protocol.FileCancel{
					Hash:   o.Hash(),
					Reason: protocol.CancelNotFound,
				}))
				s.dropUpload(i, o.Hash())
				continue
			}
			if !s.sendTo(i, protocol.MustMessage(protocol.MsgFilePayload, &p)) {
				s.dropUploads(i)
				break
			}
			s.dir.Update(i, func(slot *slots.Slot) { slot.Download.Percent = percent })
			if o.Done() {
				s.netlog.Entry(now, i, "Sent file %s", o.Hash())
				s.dropUpload(i, o.Hash())
			}
		}
	}
}

func (s *Session) dropUpload(i int, hash protocol.Hash) {
	kept := s.uploads[i][:0]
	for _, o := range s.uploads[i] {
		if o.Hash() == hash {
			o.Close()
			continue
		}
		kept = append(kept, o)
	}
	s.uploads[i] = kept
	if len(kept) == 0 {
		s.uploads[i] = nil
		s.dir.Update(i, func(slot *slots.Slot) { slot.Download = slots.Download{} })
	}
}

func (s *Session) dropUploads(i int) {
	for _, o := range s.uploads[i] {
		o.Close()
	}
	s.uploads[i] = nil
	s.dir.Update(i, func(slot *slots.Slot) { slot.Download = slots.Download{} })
}
