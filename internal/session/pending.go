package session

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blukai/netplay/internal/identity"
	"github.com/blukai/netplay/internal/netqueue"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/slots"
	"github.com/blukai/netplay/internal/transport"
)

type pendingState int

const (
	pendingInitialConnect pendingState = iota
	pendingJoinRequest
	pendingApproval
)

func (p pendingState) String() string {
	switch p {
	case pendingInitialConnect:
		return "initial connect"
	case pendingJoinRequest:
		return "join request"
	case pendingApproval:
		return "approval"
	default:
		return fmt.Sprintf("pendingState(%d)", int(p))
	}
}

// pendingJoin is a connection that has not been given a slot yet.
type pendingJoin struct {
	h           Handle
	ip          string
	connectedAt time.Time
	state       pendingState

	handshake []byte
	challenge []byte
	join      protocol.Join
	// identity is the base64 public key from the JOIN.
	identity string

	approvalID uuid.UUID
	approvalAt time.Time
}

// oldClientGreeting is what clients from before the version handshake send
// first.
var oldClientGreeting = []byte("list\x00")

func (s *Session) acceptPending(now time.Time) {
	for {
		conn, ok := s.listener.Accept()
		if !ok {
			return
		}

		slot := -1
		for i, p := range s.pending {
			if p == nil {
				slot = i
				break
			}
		}

		sock := transport.NewSocket(conn, transport.SocketOptions{
			RawPrefix: protocol.VersionSize,
			Stats:     s.stats,
		})
		ip := sock.RemoteIP()

		if !s.bans.Allow(ip, now) {
			s.logger.Warn().Str("ip", ip).Msg("connecting too often")
			sock.Close()
			continue
		}
		if slot < 0 {
			s.logger.Warn().Str("ip", ip).Msg("all pending slots in use")
			sock.Close()
			continue
		}

		h := s.conns.add(sock, netqueue.NewLimited(protocol.BufferSize))
		s.sockets.Add(sock)
		s.pending[slot] = &pendingJoin{h: h, ip: ip, connectedAt: now}
		s.logger.Debug().Str("ip", ip).Int("pending", slot).Msg("accepted")
	}
}

func (s *Session) tickPending(now time.Time) {
	verdicts := s.decisions.take()

	for i, p := range s.pending {
		if p == nil {
			continue
		}
		c := s.conns.get(p.h)
		if c == nil {
			s.pending[i] = nil
			continue
		}

		switch p.state {
		case pendingInitialConnect:
			s.tickInitialConnect(i, p, c, now)
		case pendingJoinRequest:
			s.tickJoinRequest(i, p, c, now)
		case pendingApproval:
			s.tickApproval(i, p, c, verdicts, now)
		}
	}

	for id := range verdicts {
		s.logger.Debug().Str("id", id.String()).Msg("verdict for a joiner that is gone")
	}
}

func (s *Session) discardPending(i int) {
	p := s.pending[i]
	s.pending[i] = nil
	if c := s.conns.remove(p.h); c != nil {
		s.sockets.Del(c.sock)
	}
}

// rejectHandshake answers the version handshake with a non-zero code and
// closes the connection.
func (s *Session) rejectHandshake(i int, p *pendingJoin, c *connection, code protocol.ErrorCode, strike string, now time.Time) {
	if err := c.sock.Write(protocol.AppendErrorCode(nil, code)); err != nil {
		s.logger.Debug().Str("ip", p.ip).Err(err).Msg("could not send handshake error")
	}
	s.logger.Info().Str("ip", p.ip).Str("code", code.String()).Msg("handshake rejected")
	s.netlog.Entry(now, -1, "Handshake from %s rejected: %s", p.ip, code)
	s.strike(p, strike, now)
	s.discardPending(i)
}

// reject sends REJECTED and closes the connection. A non-empty strike
// counts the attempt against the IP.
func (s *Session) reject(i int, p *pendingJoin, rej protocol.Rejected, strike string, now time.Time) {
	if c := s.conns.get(p.h); c != nil {
		c.queue.Push(protocol.MustMessage(protocol.MsgRejected, &rej))
		out, _ := c.queue.TakeOutgoing()
		if err := c.sock.Write(out); err != nil {
			s.logger.Debug().Str("ip", p.ip).Err(err).Msg("could not send rejection")
		}
	}
	s.logger.Info().
		Str("ip", p.ip).
		Str("name", p.join.Name).
		Str("code", rej.Code.String()).
		Str("reason", rej.Reason).
		Msg("join rejected")
	s.netlog.Entry(now, -1, "Rejected %q from %s: %s", p.join.Name, p.ip, rej.Code)
	s.strike(p, strike, now)
	s.discardPending(i)
}

func (s *Session) strike(p *pendingJoin, reason string, now time.Time) {
	if reason == "" {
		return
	}
	if s.bans.Strike(s.ctx, p.ip, p.identity, reason, now) {
		s.logger.Warn().Str("ip", p.ip).Str("reason", reason).Msg("banned after repeated bad attempts")
		s.netlog.Entry(now, -1, "Banned %s: %s", p.ip, reason)
	}
}

func (s *Session) tickInitialConnect(i int, p *pendingJoin, c *connection, now time.Time) {
	data, rerr := c.sock.Recv()
	p.handshake = append(p.handshake, data...)
	if bytes.HasPrefix(p.handshake, oldClientGreeting) {
		s.logger.Info().Str("ip", p.ip).Msg("an old client tried to connect")
		s.discardPending(i)
		return
	}
	if len(p.handshake) < protocol.VersionSize {
		if rerr != nil {
			s.discardPending(i)
			return
		}
		if now.Sub(p.connectedAt) > s.cfg.HandshakeTimeout {
			s.rejectHandshake(i, p, c, protocol.ErrConnection, "handshake timeout", now)
		}
		return
	}

	raw := p.handshake[:protocol.VersionSize]
	var v protocol.Version
	err := v.UnmarshalBinary(raw)
	if err != nil {
		s.discardPending(i)
		return
	}

	if v.IsAliveCheck() {
		reply := protocol.AliveCheckReply{SessionID: s.sessionID}
		data, _ := reply.MarshalBinary()
		if err := c.sock.Write(data); err != nil {
			s.logger.Debug().Str("ip", p.ip).Err(err).Msg("could not answer alive check")
		}
		s.discardPending(i)
		return
	}

	if v != s.cfg.Version {
		s.logger.Info().Str("ip", p.ip).Str("version", v.String()).Msg("wrong version")
		s.rejectHandshake(i, p, c, protocol.ErrWrongVersion, "", now)
		return
	}

	if err := c.sock.Write(protocol.AppendErrorCode(nil, protocol.NoError)); err != nil {
		s.discardPending(i)
		return
	}
	c.sock.BeginCompression()
	p.handshake = nil

	if s.locked || (s.dir.FindOpenSlotForRole(false, false) < 0 && s.dir.FindOpenSlotForRole(true, false) < 0) {
		s.reject(i, p, protocol.Rejected{Code: protocol.ErrFull}, "", now)
		return
	}

	p.challenge, err = identity.NewChallenge()
	if err != nil {
		s.logger.Error().Err(err).Msg("could not issue challenge")
		s.reject(i, p, protocol.Rejected{Code: protocol.ErrConnection}, "", now)
		return
	}
	c.queue.Push(protocol.MustMessage(protocol.MsgPing, &protocol.PingChallenge{Challenge: p.challenge}))
	out, _ := c.queue.TakeOutgoing()
	if err := c.sock.Write(out); err != nil {
		s.discardPending(i)
		return
	}
	p.state = pendingJoinRequest
}

func (s *Session) tickJoinRequest(i int, p *pendingJoin, c *connection, now time.Time) {
	data, rerr := c.sock.Recv()
	if len(data) > 0 {
		if err := c.queue.Insert(data); err != nil {
			s.reject(i, p, protocol.Rejected{Code: protocol.ErrInvalid}, "malformed join", now)
			return
		}
	}

	msg, ok := c.queue.Pop()
	if !ok {
		if rerr != nil {
			s.discardPending(i)
			return
		}
		if now.Sub(p.connectedAt) > s.cfg.JoinTimeout {
			s.reject(i, p, protocol.Rejected{Code: protocol.ErrConnection}, "join timeout", now)
		}
		return
	}

	if msg.Type != protocol.MsgJoin {
		s.reject(i, p, protocol.Rejected{Code: protocol.ErrInvalid}, "unexpected "+msg.Type.String(), now)
		return
	}
	if err := msg.Decode(&p.join); err != nil {
		s.reject(i, p, protocol.Rejected{Code: protocol.ErrInvalid}, "malformed join", now)
		return
	}
	if !identity.Verify(p.join.Identity, p.challenge, p.join.Signature) {
		s.reject(i, p, protocol.Rejected{Code: protocol.ErrInvalid, Reason: "Identity verification failed."}, "bad signature", now)
		return
	}
	p.identity = identity.EncodePublic(p.join.Identity)

	if rej, strike, ok := s.checkJoin(p); !ok {
		s.reject(i, p, rej, strike, now)
		return
	}

	if s.cfg.Approver != nil {
		p.state = pendingApproval
		p.approvalID = approvalID(p.challenge)
		p.approvalAt = now
		s.cfg.Approver(ApprovalRequest{
			ID:       p.approvalID,
			Name:     p.join.Name,
			IP:       p.ip,
			Identity: p.identity,
			Role:     p.join.Role,
			Demoted:  s.bans.IsDemoted(p.ip, p.identity),
		})
		return
	}

	s.processJoin(i, p, p.join.Role == protocol.RoleSpectator, now)
}

// checkJoin runs the admission checks in order and returns the first
// failure.
func (s *Session) checkJoin(p *pendingJoin) (protocol.Rejected, string, bool) {
	switch {
	case s.bans.IsBanned(p.ip, p.identity):
		return protocol.Rejected{Code: protocol.ErrKicked}, "banned", false
	case s.cfg.Approver == nil && p.join.Role == protocol.RolePlayer && s.bans.IsDemoted(p.ip, p.identity):
		return protocol.Rejected{
			Code:   protocol.ErrInvalid,
			Reason: "The host only allows you to join as a spectator.",
		}, "", false
	case s.password != "" && p.join.Password != s.password:
		return protocol.Rejected{Code: protocol.ErrWrongPassword}, "", false
	case p.join.Role == protocol.RolePlayer && s.dir.PlayerCount() >= s.dir.MaxPlayers():
		return protocol.Rejected{Code: protocol.ErrFull}, "", false
	case p.join.ModList != s.cfg.ModList:
		return protocol.Rejected{Code: protocol.ErrWrongData}, "", false
	}
	return protocol.Rejected{}, "", true
}

func (s *Session) tickApproval(i int, p *pendingJoin, c *connection, verdicts map[uuid.UUID]Verdict, now time.Time) {
	if v, ok := verdicts[p.approvalID]; ok {
		delete(verdicts, p.approvalID)
		switch v.Kind {
		case Approve:
			s.bans.Undemote(p.ip, p.identity)
			s.processJoin(i, p, p.join.Role == protocol.RoleSpectator, now)
		case ApproveAsSpectator:
			s.bans.Demote(p.ip, p.identity)
			s.processJoin(i, p, true, now)
		default:
			s.reject(i, p, protocol.Rejected{Code: protocol.ErrInvalid, Reason: v.Reason}, "", now)
		}
		return
	}

	data, rerr := c.sock.Recv()
	if len(data) > 0 {
		if err := c.queue.Insert(data); err != nil {
			s.reject(i, p, protocol.Rejected{Code: protocol.ErrInvalid}, "malformed data", now)
			return
		}
	} else if rerr != nil {
		s.discardPending(i)
		return
	}
	if now.Sub(p.approvalAt) > s.cfg.ApprovalTimeout {
		s.reject(i, p, protocol.Rejected{Code: protocol.ErrHostDropped}, "", now)
	}
}

// processJoin seats the joiner and promotes its connection.
func (s *Session) processJoin(i int, p *pendingJoin, asSpectator bool, now time.Time) {
	idx, err := s.dir.CreatePlayer(p.join.Name, s.cfg.ForceLowestIndex, asSpectator)
	if err != nil {
		s.reject(i, p, protocol.Rejected{Code: protocol.ErrFull}, "", now)
		return
	}
	s.dir.Update(idx, func(slot *slots.Slot) {
		slot.IPAddress = p.ip
		slot.Identity = p.identity
	})
	if _, err := s.dir.FixDuplicateNames(idx); err != nil {
		s.logger.Error().Err(err).Msg("could not fix duplicate names")
	}

	c := s.conns.get(p.h)
	c.queue.SetLimit(netqueue.MaxIncomplete)
	s.pending[i] = nil
	s.players[idx] = p.h
	s.lastHeard[idx] = now
	s.pings[idx] = pingStat{}
	s.awaitingAck[idx] = time.Time{}
	s.gameQueues[idx].Reset()

	s.sendTo(idx, protocol.MustMessage(protocol.MsgAccepted, &protocol.Accepted{
		Index:      uint8(idx),
		HostPlayer: uint32(s.hostIndex),
	}))
	s.sendTo(idx, protocol.MustMessage(protocol.MsgPlayerInfo, &protocol.PlayerInfo{Entries: s.dir.InfoAll()}))
	s.dir.Each(func(j int, slot slots.Slot) {
		if j != idx && slot.Allocated {
			s.sendTo(idx, protocol.MustMessage(protocol.MsgPlayerJoined, &protocol.PlayerIndex{Index: uint32(j)}))
		}
	})
	s.sendTo(idx, protocol.MustMessage(protocol.MsgGameFlags, &s.flags))

	entry, _ := s.dir.Info(idx)
	s.broadcast(protocol.MustMessage(protocol.MsgPlayerInfo, &protocol.PlayerInfo{
		Entries: []protocol.PlayerInfoEntry{entry},
	}), idx)
	s.broadcast(protocol.MustMessage(protocol.MsgPlayerJoined, &protocol.PlayerIndex{Index: uint32(idx)}), idx)

	s.descDirty = true

	slot, _ := s.dir.Slot(idx)
	s.logger.Info().
		Int("index", idx).
		Str("name", slot.Name).
		Str("ip", p.ip).
		Bool("spectator", asSpectator).
		Msg("player joined")
	s.netlog.Entry(now, idx, "Player %s has joined, IP is: %s", slot.Name, p.ip)

	s.observer.PlayerJoined(idx)
	s.observer.SlotsChanged()
}
