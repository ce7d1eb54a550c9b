package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/blukai/netplay/internal/banlist"
	"github.com/blukai/netplay/internal/debug"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/slots"
)

var (
	ErrSelf       = errors.New("cannot do that to yourself")
	ErrNotPlaying = errors.New("slot is not occupied")
	ErrStarted    = errors.New("game already started")
)

// hostOp refuses op on an ended session and, with a diagnostic, on anyone
// but the host.
func (s *Session) hostOp(op string) error {
	if s.err != nil {
		return s.err
	}
	if !debug.Guard(s.isHost, s.logger, "%s called on a joined session", op) {
		return ErrNotHost
	}
	return nil
}

func (s *Session) checkIndex(i int) error {
	if i < 0 || i >= len(s.players) {
		return fmt.Errorf("%d: %w", i, slots.ErrOutOfRange)
	}
	return nil
}

// SwapSlots exchanges the occupants of a and b. Everyone is told before the
// table changes; remote participants involved must acknowledge before their
// traffic is accepted again.
func (s *Session) SwapSlots(a, b int) error {
	if err := s.hostOp("SwapSlots"); err != nil {
		return err
	}
	if err := s.checkIndex(a); err != nil {
		return err
	}
	if err := s.checkIndex(b); err != nil {
		return err
	}
	if a == b {
		return nil
	}
	now := time.Now()

	s.broadcast(protocol.MustMessage(protocol.MsgPlayerSwapIndex, &protocol.SwapIndex{A: uint32(a), B: uint32(b)}), -1)

	s.players[a], s.players[b] = s.players[b], s.players[a]
	s.lastHeard[a], s.lastHeard[b] = s.lastHeard[b], s.lastHeard[a]
	s.pings[a], s.pings[b] = s.pings[b], s.pings[a]
	s.gameQueues[a], s.gameQueues[b] = s.gameQueues[b], s.gameQueues[a]
	s.uploads[a], s.uploads[b] = s.uploads[b], s.uploads[a]
	if err := s.dir.Swap(a, b); err != nil {
		return err
	}

	for _, j := range [2]int{a, b} {
		s.awaitingAck[j] = time.Time{}
		if j != s.selfIndex && s.conns.get(s.players[j]) != nil {
			s.awaitingAck[j] = now
		}
	}
	switch s.selfIndex {
	case a:
		s.selfIndex = b
	case b:
		s.selfIndex = a
	}
	s.hostIndex = s.selfIndex

	s.broadcastInfo(a, b)
	s.descDirty = true
	s.netlog.Entry(now, s.selfIndex, "Swapped %d and %d", a, b)
	return nil
}

// MoveToSpectators moves the occupant of player slot i to a free spectator
// seat. They stay a spectator if they rejoin.
func (s *Session) MoveToSpectators(i int) error {
	if err := s.hostOp("MoveToSpectators"); err != nil {
		return err
	}
	slot, err := s.dir.Slot(i)
	if err != nil {
		return err
	}
	if !slot.Allocated {
		return fmt.Errorf("%d: %w", i, ErrNotPlaying)
	}
	if slot.IsSpectator {
		return nil
	}
	j := s.dir.FindOpenSlotForRole(true, false)
	if j < 0 {
		return slots.ErrNoSlot
	}
	if i != s.selfIndex {
		s.bans.Demote(slot.IPAddress, slot.Identity)
	}
	return s.SwapSlots(i, j)
}

// MoveToPlayers moves a spectator to a free player seat.
func (s *Session) MoveToPlayers(i int) error {
	if err := s.hostOp("MoveToPlayers"); err != nil {
		return err
	}
	slot, err := s.dir.Slot(i)
	if err != nil {
		return err
	}
	if !slot.Allocated {
		return fmt.Errorf("%d: %w", i, ErrNotPlaying)
	}
	if !slot.IsSpectator {
		return nil
	}
	if s.dir.PlayerCount() >= s.dir.MaxPlayers() {
		return slots.ErrNoSlot
	}
	j := s.dir.FindOpenSlotForRole(false, false)
	if j < 0 {
		return slots.ErrNoSlot
	}
	s.bans.Undemote(slot.IPAddress, slot.Identity)
	return s.SwapSlots(i, j)
}

// KickPlayer removes the occupant of slot i. With ban set the removal is
// written to the ban store, otherwise it lasts for this process.
func (s *Session) KickPlayer(i int, code protocol.ErrorCode, reason string, ban bool) error {
	if err := s.hostOp("KickPlayer"); err != nil {
		return err
	}
	if err := s.checkIndex(i); err != nil {
		return err
	}
	if i == s.selfIndex {
		return ErrSelf
	}
	slot, _ := s.dir.Slot(i)
	if !slot.Allocated || s.conns.get(s.players[i]) == nil {
		return fmt.Errorf("%d: %w", i, ErrNotPlaying)
	}
	now := time.Now()

	s.bans.Kick(slot.IPAddress, slot.Identity, slot.Name, now)
	var err error
	if ban {
		for _, e := range []banlist.Entry{
			{Kind: banlist.KindIP, Value: slot.IPAddress, Name: slot.Name, Reason: reason, At: now},
			{Kind: banlist.KindIdentity, Value: slot.Identity, Name: slot.Name, Reason: reason, At: now},
		} {
			if e.Value == "" {
				continue
			}
			if berr := s.bans.Ban(s.ctx, e); berr != nil && err == nil {
				err = fmt.Errorf("could not store ban: %w", berr)
			}
		}
	}

	s.kick(i, code, reason, now)
	return err
}

// kick tells everyone, flushes the kicked connection so the notice gets
// out, and drops the slot.
func (s *Session) kick(i int, code protocol.ErrorCode, reason string, now time.Time) {
	s.broadcast(protocol.MustMessage(protocol.MsgKick, &protocol.Kick{
		Index:  uint32(i),
		Code:   code,
		Reason: reason,
	}), -1)
	if c := s.conns.get(s.players[i]); c != nil {
		if out, n := c.queue.TakeOutgoing(); n > 0 {
			if err := c.sock.Write(out); err != nil {
				s.logger.Debug().Int("index", i).Err(err).Msg("could not deliver kick")
			}
		}
	}
	slot, _ := s.dir.Slot(i)
	s.netlog.Entry(now, i, "Kicked %s: %s", slot.Name, code)
	s.dir.Update(i, func(slot *slots.Slot) { slot.Kick = true })
	s.removePlayer(i, true, now)
}

// SetSlotController closes, opens or gives a free player seat to a bot.
func (s *Session) SetSlotController(i int, c slots.Controller) error {
	if err := s.hostOp("SetSlotController"); err != nil {
		return err
	}
	if err := s.dir.SetController(i, c); err != nil {
		return err
	}
	s.broadcastInfo(i)
	s.descDirty = true
	return nil
}

func (s *Session) SetGameFlag(flag int, value int32) error {
	if err := s.hostOp("SetGameFlag"); err != nil {
		return err
	}
	if flag < 0 || flag >= protocol.GameFlagCount {
		return fmt.Errorf("game flag %d out of range", flag)
	}
	s.flags.Flags[flag] = value
	s.broadcast(protocol.MustMessage(protocol.MsgGameFlags, &s.flags), -1)
	return nil
}

func (s *Session) SetMaxPlayers(n int) error {
	if err := s.hostOp("SetMaxPlayers"); err != nil {
		return err
	}
	if err := s.dir.SetMaxPlayers(n); err != nil {
		return err
	}
	s.descDirty = true
	return nil
}

// SetPassword changes the password joiners must present. Empty means none.
func (s *Session) SetPassword(password string) error {
	if err := s.hostOp("SetPassword"); err != nil {
		return err
	}
	s.password = password
	s.descDirty = true
	return nil
}

// Lock turns every further joiner away as full.
func (s *Session) Lock() error {
	if err := s.hostOp("Lock"); err != nil {
		return err
	}
	s.locked = true
	s.descDirty = true
	return nil
}

// StartGame locks the session and takes it off the lobby.
func (s *Session) StartGame() error {
	if err := s.hostOp("StartGame"); err != nil {
		return err
	}
	if s.started {
		return ErrStarted
	}
	s.started = true
	s.locked = true
	if s.registrar != nil {
		s.registrar.Close()
		s.registrar = nil
	}
	s.netlog.Entry(time.Now(), s.selfIndex, "Game started")
	s.logger.Info().Int("players", s.dir.PlayerCount()).Msg("game started")
	return nil
}

func (s *Session) Started() bool { return s.started }

func (s *Session) SetReady(ready bool) error {
	return s.changeSelf(func(e *protocol.PlayerInfoEntry) { e.Ready = ready })
}

func (s *Session) ChangeName(name string) error {
	if name == "" || len(name) > protocol.MaxNameSize {
		return fmt.Errorf("name must be 1 to %d bytes", protocol.MaxNameSize)
	}
	return s.changeSelf(func(e *protocol.PlayerInfoEntry) { e.Name = name })
}

func (s *Session) SetFaction(faction uint8) error {
	return s.changeSelf(func(e *protocol.PlayerInfoEntry) { e.Faction = faction })
}

// changeSelf applies directly on the host. A joined participant asks the
// host and sees the change once it is broadcast back.
func (s *Session) changeSelf(fn func(*protocol.PlayerInfoEntry)) error {
	if s.err != nil {
		return s.err
	}
	entry, err := s.dir.Info(s.selfIndex)
	if err != nil {
		return err
	}
	fn(&entry)
	info := protocol.PlayerInfo{Entries: []protocol.PlayerInfoEntry{entry}}

	if s.isHost {
		s.applyOwnInfo(s.selfIndex, info)
		return nil
	}
	if !s.sendTo(s.hostIndex, protocol.MustMessage(protocol.MsgPlayerInfo, &info)) {
		return ErrNoConnection
	}
	return nil
}
