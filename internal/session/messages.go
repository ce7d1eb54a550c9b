package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/slots"
	"github.com/blukai/netplay/internal/transfer"
)

// handlePlayerMessage is the host's dispatch for whatever slot i sent.
func (s *Session) handlePlayerMessage(i int, msg protocol.Message, now time.Time) {
	switch msg.Type {
	case protocol.MsgPing:
		s.handleHeartbeat(i, msg, now)

	case protocol.MsgPlayerInfo:
		var info protocol.PlayerInfo
		if err := msg.Decode(&info); err != nil {
			s.protocolError(i, err, now)
			return
		}
		s.applyOwnInfo(i, info)

	case protocol.MsgPlayerLeaving:
		s.removePlayer(i, false, now)

	case protocol.MsgPlayerSwapIndexAck:
		if s.awaitingAck[i].IsZero() {
			s.logger.Debug().Int("index", i).Msg("unsolicited swap ack")
			return
		}
		s.awaitingAck[i] = time.Time{}

	case protocol.MsgSendToPlayer:
		s.routeRelayed(i, msg, now)

	case protocol.MsgFileRequested:
		var req protocol.FileRequest
		if err := msg.Decode(&req); err != nil {
			s.protocolError(i, err, now)
			return
		}
		s.startUpload(i, req.Hash)

	case protocol.MsgFileCancelled:
		var c protocol.FileCancel
		if err := msg.Decode(&c); err != nil {
			s.protocolError(i, err, now)
			return
		}
		s.logger.Info().Int("index", i).Str("hash", c.Hash.String()).Msg("download cancelled by receiver")
		s.dropUpload(i, c.Hash)

	default:
		if msg.Type.IsSystem() {
			s.protocolError(i, fmt.Errorf("%s from a player", msg.Type), now)
			return
		}
		if !s.awaitingAck[i].IsZero() {
			s.logger.Debug().Int("index", i).Str("type", msg.Type.String()).Msg("dropped while swap is unacknowledged")
			return
		}
		s.gameQueues[i].PushIncoming(msg)
	}
}

func (s *Session) handleHeartbeat(i int, msg protocol.Message, now time.Time) {
	var hb protocol.Heartbeat
	if err := msg.Decode(&hb); err != nil {
		s.protocolError(i, err, now)
		return
	}
	if !hb.Response {
		hb.Response = true
		s.sendTo(i, protocol.MustMessage(protocol.MsgPing, &hb))
		return
	}
	p := &s.pings[i]
	if hb.Seq == p.seq && !p.sentAt.IsZero() {
		p.rtt = now.Sub(p.sentAt)
		p.sentAt = time.Time{}
	}
}

// applyOwnInfo takes the fields a participant may change about itself.
func (s *Session) applyOwnInfo(i int, info protocol.PlayerInfo) {
	changed := false
	for _, e := range info.Entries {
		if int(e.Index) != i {
			s.logger.Warn().Int("index", i).Uint32("entry", e.Index).Msg("player info for another slot ignored")
			continue
		}
		s.dir.Update(i, func(slot *slots.Slot) {
			slot.Name = e.Name
			slot.Ready = e.Ready
			slot.Faction = e.Faction
		})
		if _, err := s.dir.FixDuplicateNames(i); err != nil {
			s.logger.Error().Err(err).Msg("could not fix duplicate names")
		}
		changed = true
	}
	if changed {
		s.broadcastInfo(i)
	}
}

func (s *Session) routeRelayed(i int, msg protocol.Message, now time.Time) {
	var env protocol.SendToPlayer
	if err := msg.Decode(&env); err != nil {
		s.protocolError(i, err, now)
		return
	}
	if int(env.Sender) != i {
		s.protocolError(i, fmt.Errorf("relay claims sender %d", env.Sender), now)
		return
	}
	if env.Inner.Type.IsSystem() {
		s.protocolError(i, fmt.Errorf("relayed %s", env.Inner.Type), now)
		return
	}
	if !s.awaitingAck[i].IsZero() {
		s.logger.Debug().Int("index", i).Msg("relay dropped while swap is unacknowledged")
		return
	}

	switch {
	case env.Receiver == protocol.AllPlayers:
		s.gameQueues[i].PushIncoming(env.Inner)
		for j := range s.players {
			if j != i && j != s.selfIndex {
				s.sendTo(j, msg)
			}
		}
	case int(env.Receiver) == s.selfIndex:
		s.gameQueues[i].PushIncoming(env.Inner)
	default:
		if !s.sendTo(int(env.Receiver), msg) {
			s.logger.Debug().Int("from", i).Uint8("to", env.Receiver).Msg("relay to nobody")
		}
	}
}

// handleHostMessage is a joined participant's dispatch for what the host
// sent. i is always the host's slot.
func (s *Session) handleHostMessage(i int, msg protocol.Message, now time.Time) {
	switch msg.Type {
	case protocol.MsgPing:
		s.handleHeartbeat(i, msg, now)

	case protocol.MsgPlayerInfo:
		var info protocol.PlayerInfo
		if err := msg.Decode(&info); err != nil {
			s.protocolError(i, err, now)
			return
		}
		for _, e := range info.Entries {
			if err := s.dir.Apply(e); err != nil {
				s.logger.Warn().Uint32("entry", e.Index).Err(err).Msg("could not apply player info")
			}
		}
		s.observer.SlotsChanged()

	case protocol.MsgPlayerJoined:
		var p protocol.PlayerIndex
		if err := msg.Decode(&p); err != nil {
			s.protocolError(i, err, now)
			return
		}
		s.observer.PlayerJoined(int(p.Index))

	case protocol.MsgPlayerDropped:
		var p protocol.PlayerIndex
		if err := msg.Decode(&p); err != nil {
			s.protocolError(i, err, now)
			return
		}
		s.forgetPlayer(int(p.Index), true, now)

	case protocol.MsgPlayerLeaving:
		var p protocol.PlayerLeaving
		if err := msg.Decode(&p); err != nil {
			s.protocolError(i, err, now)
			return
		}
		if p.Host || int(p.Index) == s.hostIndex {
			s.hostLost(ErrHostLeft, now)
			return
		}
		s.forgetPlayer(int(p.Index), false, now)

	case protocol.MsgPlayerSwapIndex:
		var sw protocol.SwapIndex
		if err := msg.Decode(&sw); err != nil {
			s.protocolError(i, err, now)
			return
		}
		s.applySwap(sw, now)

	case protocol.MsgGameFlags:
		if err := msg.Decode(&s.flags); err != nil {
			s.protocolError(i, err, now)
		}

	case protocol.MsgFilePayload:
		var p protocol.FilePayload
		if err := msg.Decode(&p); err != nil {
			s.protocolError(i, err, now)
			return
		}
		s.receiveChunk(p)

	case protocol.MsgFileCancelled:
		var c protocol.FileCancel
		if err := msg.Decode(&c); err != nil {
			s.protocolError(i, err, now)
			return
		}
		s.logger.Info().Str("hash", c.Hash.String()).Uint8("reason", uint8(c.Reason)).Msg("download cancelled by host")
		if s.receiver != nil {
			s.receiver.Cancel(c.Hash)
		}

	case protocol.MsgSendToPlayer:
		var env protocol.SendToPlayer
		if err := msg.Decode(&env); err != nil {
			s.protocolError(i, err, now)
			return
		}
		if int(env.Sender) >= len(s.gameQueues) || env.Inner.Type.IsSystem() {
			s.logger.Warn().Uint8("sender", env.Sender).Msg("bad relayed message dropped")
			return
		}
		s.gameQueues[env.Sender].PushIncoming(env.Inner)

	case protocol.MsgKick:
		var k protocol.Kick
		if err := msg.Decode(&k); err != nil {
			s.protocolError(i, err, now)
			return
		}
		if int(k.Index) != s.selfIndex {
			return
		}
		s.logger.Warn().Str("code", k.Code.String()).Str("reason", k.Reason).Msg("kicked")
		s.netlog.Entry(now, s.selfIndex, "Kicked: %s", k.Reason)
		s.end(fmt.Errorf("%w: %s", ErrKicked, kickText(k)))
		s.observer.Kicked(k.Code, k.Reason)

	case protocol.MsgHostDropped:
		s.hostLost(ErrHostDropped, now)

	case protocol.MsgJoin, protocol.MsgAccepted, protocol.MsgRejected,
		protocol.MsgFileRequested, protocol.MsgPlayerSwapIndexAck:
		s.protocolError(i, fmt.Errorf("%s from the host", msg.Type), now)

	default:
		if msg.Type.IsSystem() {
			s.protocolError(i, fmt.Errorf("unknown %s", msg.Type), now)
			return
		}
		s.gameQueues[i].PushIncoming(msg)
	}
}

func kickText(k protocol.Kick) string {
	if k.Reason != "" {
		return k.Reason
	}
	return k.Code.Message()
}

// forgetPlayer mirrors a departure the host announced.
func (s *Session) forgetPlayer(idx int, dropped bool, now time.Time) {
	if idx < 0 || idx >= s.dir.Len() {
		return
	}
	slot, _ := s.dir.Slot(idx)
	if err := s.dir.DestroyPlayer(idx); err != nil {
		s.logger.Warn().Int("index", idx).Err(err).Msg("could not free slot")
		return
	}
	s.gameQueues[idx].Reset()
	s.pings[idx] = pingStat{}
	s.netlog.Entry(now, idx, "Player %s has left", slot.Name)
	s.observer.PlayerLeft(idx, dropped)
	s.observer.SlotsChanged()
}

// applySwap follows the host's swap and acknowledges it.
func (s *Session) applySwap(sw protocol.SwapIndex, now time.Time) {
	a, b := int(sw.A), int(sw.B)
	if err := s.dir.Swap(a, b); err != nil {
		s.logger.Warn().Int("a", a).Int("b", b).Err(err).Msg("bad swap")
		return
	}
	s.players[a], s.players[b] = s.players[b], s.players[a]
	s.gameQueues[a], s.gameQueues[b] = s.gameQueues[b], s.gameQueues[a]
	s.lastHeard[a], s.lastHeard[b] = s.lastHeard[b], s.lastHeard[a]
	s.pings[a], s.pings[b] = s.pings[b], s.pings[a]

	for _, idx := range []*int{&s.selfIndex, &s.hostIndex} {
		switch *idx {
		case a:
			*idx = b
		case b:
			*idx = a
		}
	}

	s.sendTo(s.hostIndex, protocol.MustMessage(protocol.MsgPlayerSwapIndexAck, &sw))
	s.netlog.Entry(now, s.selfIndex, "Swapped %d and %d", a, b)
	s.observer.SlotsChanged()
}

func (s *Session) receiveChunk(p protocol.FilePayload) {
	if s.receiver == nil {
		s.sendTo(s.hostIndex, protocol.MustMessage(protocol.MsgFileCancelled, &protocol.FileCancel{
			Hash:   p.Hash,
			Reason: protocol.CancelUnknown,
		}))
		return
	}

	done, err := s.receiver.Receive(p)
	if err != nil {
		reason := protocol.CancelByReceiver
		switch {
		case errors.Is(err, transfer.ErrUnknownTransfer):
			reason = protocol.CancelUnknown
		case errors.Is(err, transfer.ErrMismatch):
			reason = protocol.CancelMismatch
		}
		s.logger.Warn().Str("hash", p.Hash.String()).Err(err).Msg("download failed")
		s.sendTo(s.hostIndex, protocol.MustMessage(protocol.MsgFileCancelled, &protocol.FileCancel{
			Hash:   p.Hash,
			Reason: reason,
		}))
		return
	}
	if !done {
		return
	}

	path, _ := s.receiver.Path(p.Hash)
	s.files[p.Hash] = path
	s.logger.Info().Str("hash", p.Hash.String()).Str("path", path).Msg("download complete")
	s.observer.FileReceived(p.Hash, path)
}

// hostLost ends a joined session whose host is gone.
func (s *Session) hostLost(err error, now time.Time) {
	if s.err != nil {
		return
	}
	s.logger.Warn().Err(err).Msg("lost the host")
	s.netlog.Entry(now, s.hostIndex, "Host lost: %v", err)
	s.end(err)
	s.observer.HostDropped()
}

// end tears down the connection to the host.
func (s *Session) end(err error) {
	s.err = err
	h := s.players[s.hostIndex]
	s.players[s.hostIndex] = Handle{}
	if c := s.conns.remove(h); c != nil {
		s.sockets.Del(c.sock)
	}
}
