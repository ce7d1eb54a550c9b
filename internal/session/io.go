package session

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/blukai/netplay/internal/protocol"
)

// sendTo queues msg for the participant in slot i. It reports false when
// nobody is connected there.
func (s *Session) sendTo(i int, msg protocol.Message) bool {
	if i < 0 || i >= len(s.players) {
		return false
	}
	c := s.conns.get(s.players[i])
	if c == nil {
		return false
	}
	c.queue.Push(msg)
	return true
}

// broadcast queues msg for every connected participant in index order,
// skipping except (-1 skips nobody).
func (s *Session) broadcast(msg protocol.Message, except int) {
	for i := range s.players {
		if i != except {
			s.sendTo(i, msg)
		}
	}
}

func (s *Session) broadcastInfo(indices ...int) {
	if len(indices) == 0 {
		return
	}
	info := protocol.PlayerInfo{Entries: make([]protocol.PlayerInfoEntry, 0, len(indices))}
	for _, i := range indices {
		entry, err := s.dir.Info(i)
		if err != nil {
			continue
		}
		info.Entries = append(info.Entries, entry)
	}
	s.broadcast(protocol.MustMessage(protocol.MsgPlayerInfo, &info), -1)
	s.observer.SlotsChanged()
}

// readPlayers drains every established connection into its queue and
// handles what is complete.
func (s *Session) readPlayers(now time.Time) {
	for i, h := range s.players {
		c := s.conns.get(h)
		if c == nil {
			continue
		}

		data, rerr := c.sock.Recv()
		if len(data) > 0 {
			s.lastHeard[i] = now
			if err := c.queue.Insert(data); err != nil {
				s.protocolError(i, err, now)
				continue
			}
		}

		// a message may rebind or remove the connection
		for s.players[i] == h && c.queue.IsMessageReady() {
			msg, _ := c.queue.Pop()
			if s.isHost {
				s.handlePlayerMessage(i, msg, now)
			} else {
				s.handleHostMessage(i, msg, now)
			}
			if s.err != nil {
				return
			}
		}

		if rerr != nil && s.players[i] == h {
			s.logger.Info().Int("index", i).Err(rerr).Msg("connection lost")
			if s.isHost {
				s.removePlayer(i, true, now)
			} else {
				s.hostLost(ErrHostDropped, now)
				return
			}
		}
	}
}

// protocolError closes a connection that sent something it should not have.
func (s *Session) protocolError(i int, err error, now time.Time) {
	s.logger.Error().Int("index", i).Err(err).Msg("protocol error")
	s.netlog.Entry(now, i, "Protocol error: %v", err)
	if s.isHost {
		s.removePlayer(i, true, now)
	} else {
		s.hostLost(fmt.Errorf("%w: %w", ErrHostDropped, err), now)
	}
}

// flush writes everything queued. Connections that fail are dropped after
// all writes were attempted.
func (s *Session) flush(now time.Time) {
	var (
		errs   error
		failed []int
	)
	for i, h := range s.players {
		c := s.conns.get(h)
		if c == nil {
			continue
		}
		out, n := c.queue.TakeOutgoing()
		if n == 0 {
			continue
		}
		if err := c.sock.Write(out); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("slot %d: %w", i, err))
			failed = append(failed, i)
		}
	}
	if errs == nil {
		return
	}

	s.logger.Warn().Err(errs).Msg("could not flush")
	for _, i := range failed {
		if s.isHost {
			s.removePlayer(i, true, now)
		} else {
			s.hostLost(ErrHostDropped, now)
			return
		}
	}
}

// Send queues a game message for slot to. Joined participants reach anyone
// but the host through a relay envelope.
func (s *Session) Send(to int, msg protocol.Message) error {
	if s.err != nil {
		return s.err
	}
	if msg.Type.IsSystem() {
		return fmt.Errorf("%s: %w", msg.Type, ErrSystemMessage)
	}
	if s.isHost || to == s.hostIndex {
		if !s.sendTo(to, msg) {
			return fmt.Errorf("slot %d: %w", to, ErrNoConnection)
		}
		return nil
	}
	return s.relay(uint8(to), msg)
}

// Broadcast queues a game message for every other participant.
func (s *Session) Broadcast(msg protocol.Message) error {
	if s.err != nil {
		return s.err
	}
	if msg.Type.IsSystem() {
		return fmt.Errorf("%s: %w", msg.Type, ErrSystemMessage)
	}
	if s.isHost {
		s.broadcast(msg, -1)
		return nil
	}
	return s.relay(protocol.AllPlayers, msg)
}

func (s *Session) relay(to uint8, msg protocol.Message) error {
	env := protocol.SendToPlayer{Sender: uint8(s.selfIndex), Receiver: to, Inner: msg}
	wrapped, err := protocol.NewMessage(protocol.MsgSendToPlayer, &env)
	if err != nil {
		return err
	}
	if !s.sendTo(s.hostIndex, wrapped) {
		return ErrNoConnection
	}
	return nil
}

// NextGameMessage pops the oldest game message, looking at senders in index
// order.
func (s *Session) NextGameMessage() (from int, msg protocol.Message, ok bool) {
	for i, q := range s.gameQueues {
		if msg, ok := q.Pop(); ok {
			return i, msg, true
		}
	}
	return -1, protocol.Message{}, false
}
