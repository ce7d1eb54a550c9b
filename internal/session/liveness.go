package session

import (
	"time"

	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/slots"
)

// supervise sends heartbeats and drops whoever went quiet for too long.
func (s *Session) supervise(now time.Time) {
	if s.err != nil {
		return
	}
	if !s.isHost {
		s.superviseHost(now)
		return
	}

	if now.Sub(s.lastPing) >= s.cfg.HeartbeatInterval {
		s.lastPing = now
		s.pingSeq++
		for i, h := range s.players {
			if i == s.selfIndex || s.conns.get(h) == nil {
				continue
			}
			if s.pings[i].sentAt.IsZero() {
				s.pings[i].seq, s.pings[i].sentAt = s.pingSeq, now
			}
			s.sendTo(i, protocol.MustMessage(protocol.MsgPing, &protocol.Heartbeat{Seq: s.pings[i].seq}))
		}
		s.bans.Prune(now)
	}

	for i, h := range s.players {
		if i == s.selfIndex || s.conns.get(h) == nil {
			continue
		}

		if t := s.awaitingAck[i]; !t.IsZero() && now.Sub(t) > s.cfg.SwapAckTimeout {
			s.logger.Warn().Int("index", i).Msg("swap was never acknowledged")
			s.kick(i, protocol.ErrConnection, "", now)
			continue
		}

		slot, _ := s.dir.Slot(i)
		silent := now.Sub(s.lastHeard[i])
		switch {
		case slot.Heartbeat && silent > s.cfg.HeartbeatTimeout:
			s.dir.Update(i, func(slot *slots.Slot) {
				slot.Heartbeat = false
				slot.HeartbeatFailSince = now
			})
			s.logger.Warn().Int("index", i).Dur("silent", silent).Msg("heartbeat lost")
			s.netlog.Entry(now, i, "Heartbeat lost")
			s.broadcastInfo(i)

		case !slot.Heartbeat && silent <= s.cfg.HeartbeatTimeout:
			s.dir.Update(i, func(slot *slots.Slot) {
				slot.Heartbeat = true
				slot.HeartbeatFailSince = time.Time{}
			})
			s.logger.Info().Int("index", i).Msg("heartbeat back")
			s.broadcastInfo(i)

		case !slot.Heartbeat && now.Sub(slot.HeartbeatFailSince) > s.cfg.HeartbeatGrace:
			s.dir.Update(i, func(slot *slots.Slot) { slot.Kick = true })
			s.logger.Warn().Int("index", i).Msg("dropping unresponsive player")
			s.removePlayer(i, true, now)
		}
	}
}

func (s *Session) superviseHost(now time.Time) {
	silent := now.Sub(s.lastHeard[s.hostIndex])
	if silent > s.cfg.HeartbeatTimeout+s.cfg.HeartbeatGrace {
		s.hostLost(ErrHostDropped, now)
	}
}

// removePlayer disconnects slot i, frees it and tells everyone else.
func (s *Session) removePlayer(i int, dropped bool, now time.Time) {
	c := s.conns.remove(s.players[i])
	if c == nil {
		return
	}
	s.players[i] = Handle{}
	s.sockets.Del(c.sock)

	slot, _ := s.dir.Slot(i)
	if dropped {
		s.broadcast(protocol.MustMessage(protocol.MsgPlayerDropped, &protocol.PlayerIndex{Index: uint32(i)}), -1)
	} else {
		s.broadcast(protocol.MustMessage(protocol.MsgPlayerLeaving, &protocol.PlayerLeaving{Index: uint32(i)}), -1)
	}

	if err := s.dir.DestroyPlayer(i); err != nil {
		s.logger.Error().Int("index", i).Err(err).Msg("could not free slot")
	}
	s.pings[i] = pingStat{}
	s.awaitingAck[i] = time.Time{}
	s.gameQueues[i].Reset()
	s.dropUploads(i)

	// ready flags do not survive a change of the line up
	if !s.started && !slot.IsSpectator {
		if changed := s.dir.ResetReady(); len(changed) > 0 {
			s.broadcastInfo(changed...)
		}
	}
	s.broadcastInfo(i)
	s.descDirty = true

	s.logger.Info().
		Int("index", i).
		Str("name", slot.Name).
		Bool("dropped", dropped).
		Msg("player left")
	if dropped {
		s.netlog.Entry(now, i, "Player %s dropped", slot.Name)
	} else {
		s.netlog.Entry(now, i, "Player %s has left", slot.Name)
	}
	s.observer.PlayerLeft(i, dropped)
}
