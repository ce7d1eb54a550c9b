package lobbyserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"

	"github.com/blukai/netplay/internal/debug"
	"github.com/blukai/netplay/internal/logging"
	"github.com/blukai/netplay/internal/protocol"
)

type addrKey uint64

func makeAddrKey(ip string) addrKey {
	return addrKey(xxhash.Sum64String(ip))
}

type Config struct {
	MOTD string
	// EvictAfter drops registrations that have been silent this long.
	EvictAfter time.Duration
	// MaxConnsPerIP caps simultaneous connections from one address.
	MaxConnsPerIP int
	// ProbeHosts makes the server check that a registering host accepts
	// connections on its game port before listing it.
	ProbeHosts   bool
	ProbeTimeout time.Duration
	// MaxGames bounds a list answer.
	MaxGames int
}

func (c *Config) setDefaults() {
	if c.EvictAfter <= 0 {
		c.EvictAfter = time.Minute
	}
	if c.MaxConnsPerIP <= 0 {
		c.MaxConnsPerIP = 8
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.MaxGames <= 0 {
		c.MaxGames = 1024
	}
}

type game struct {
	desc     protocol.SessionDescriptor
	lastSeen time.Time
}

type LobbyServer struct {
	ln  *net.TCPListener
	cfg Config

	logger *log.Logger

	mu     sync.Mutex
	games  map[uint32]*game
	perIP  map[addrKey]int
	conns  map[net.Conn]struct{}
	nextID uint32
	closed bool

	wg sync.WaitGroup
}

func NewLobbyServer(network, address string, cfg Config, logger *log.Logger) (*LobbyServer, error) {
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve tcp addr: %w", err)
	}

	ln, err := net.ListenTCP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	cfg.setDefaults()

	ls := &LobbyServer{
		ln:  ln,
		cfg: cfg,

		logger: logging.OrDiscard(logger),

		games:  make(map[uint32]*game),
		perIP:  make(map[addrKey]int),
		conns:  make(map[net.Conn]struct{}),
		nextID: 1,
	}

	return ls, nil
}

// Addr can be useful to retreive server's address when LobbyServer was
// constructed with ":0".
func (ls *LobbyServer) Addr() *net.TCPAddr {
	return ls.ln.Addr().(*net.TCPAddr)
}

// Games returns the currently registered sessions ordered by id.
func (ls *LobbyServer) Games() []protocol.SessionDescriptor {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	out := make([]protocol.SessionDescriptor, 0, len(ls.games))
	for _, g := range ls.games {
		out = append(out, g.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GameID < out[j].GameID })
	return out
}

func (ls *LobbyServer) runAccept() {
	for {
		conn, err := ls.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				ls.logger.Error().Msgf("could not accept: %v", err)
			}
			return
		}

		ip := remoteIP(conn)
		key := makeAddrKey(ip)

		ls.mu.Lock()
		if ls.closed {
			ls.mu.Unlock()
			conn.Close()
			return
		}
		if ls.perIP[key] >= ls.cfg.MaxConnsPerIP {
			ls.mu.Unlock()
			ls.logger.Warn().Str("ip", ip).Msg("too many connections")
			conn.Close()
			continue
		}
		ls.perIP[key]++
		ls.conns[conn] = struct{}{}
		ls.mu.Unlock()

		ls.wg.Add(1)
		go func() {
			defer ls.wg.Done()
			ls.handleConn(conn, key)
		}()
	}
}

func (ls *LobbyServer) runGameEvictor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
			now := time.Now()
			ls.mu.Lock()
			for id, g := range ls.games {
				if now.Sub(g.lastSeen) > ls.cfg.EvictAfter {
					delete(ls.games, id)
					ls.logger.Debug().
						Uint32("id", id).
						Str("name", g.desc.Name).
						Msg("evicted game")
				}
			}
			ls.mu.Unlock()
		}
	}
}

func (ls *LobbyServer) Run(ctx context.Context) error {
	ls.wg.Add(1)
	go func() {
		defer ls.wg.Done()
		ls.runAccept()
	}()

	ls.wg.Add(1)
	go func() {
		defer ls.wg.Done()
		ls.runGameEvictor(ctx)
	}()

	<-ctx.Done()

	var errs error
	if err := ls.ln.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	ls.mu.Lock()
	ls.closed = true
	for conn := range ls.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierror.Append(errs, err)
		}
	}
	ls.mu.Unlock()

	ls.wg.Wait()
	return errs
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// session is one lobby conversation.
type session struct {
	conn   net.Conn
	ip     string
	gameID uint32
	// registered is set once addg succeeded; later descriptors are updates.
	registered bool
}

func (ls *LobbyServer) handleConn(conn net.Conn, key addrKey) {
	s := &session{conn: conn, ip: remoteIP(conn)}

	defer func() {
		conn.Close()
		ls.mu.Lock()
		ls.perIP[key]--
		if ls.perIP[key] <= 0 {
			delete(ls.perIP, key)
		}
		delete(ls.conns, conn)
		if s.registered {
			delete(ls.games, s.gameID)
		}
		ls.mu.Unlock()
	}()

	verb := make([]byte, protocol.LobbyCommandSize)
	for {
		err := conn.SetReadDeadline(time.Now().Add(ls.cfg.EvictAfter))
		debug.Assert(err == nil || errors.Is(err, net.ErrClosed))

		if _, err := io.ReadFull(conn, verb); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				ls.logger.Debug().Str("ip", s.ip).Err(err).Msg("conversation ended")
			}
			return
		}

		cmd, err := protocol.ParseLobbyCommand(verb)
		if err != nil {
			if !s.registered {
				ls.logger.Warn().Str("ip", s.ip).Str("bytes", fmt.Sprintf("%v", verb)).Msg("unknown command")
				return
			}
			// a registered host updates by sending a bare descriptor
			if err := ls.handleUpdate(s, verb); err != nil {
				ls.logger.Error().Str("ip", s.ip).Err(err).Msg("could not update game")
				return
			}
			continue
		}

		ls.logger.Debug().Str("ip", s.ip).Str("cmd", string(cmd)).Msg("recv")

		switch cmd {
		case protocol.LobbyGameID:
			err = ls.handleGameID(s)
		case protocol.LobbyAddGame:
			err = ls.handleAddGame(s)
		case protocol.LobbyKeepAlive:
			ls.touch(s)
		case protocol.LobbyList:
			if err := ls.handleList(s); err != nil {
				ls.logger.Error().Str("ip", s.ip).Err(err).Msg("could not send list")
			}
			return
		default:
			debug.Assert(false, fmt.Sprintf("unhandled cmd: %s", cmd))
		}
		if err != nil {
			ls.logger.Error().
				Msgf("error handling message (addr: %s; cmd: %s): %v", s.ip, cmd, err)
			return
		}
	}
}

func (ls *LobbyServer) allocateID(s *session) uint32 {
	if s.gameID != 0 {
		return s.gameID
	}
	ls.mu.Lock()
	s.gameID = ls.nextID
	ls.nextID++
	ls.mu.Unlock()
	return s.gameID
}

func (ls *LobbyServer) handleGameID(s *session) error {
	var e protocol.Encoder
	e.Uint32(ls.allocateID(s))
	data, err := e.Data()
	debug.Assert(err == nil)

	_, err = s.conn.Write(data)
	return err
}

func (ls *LobbyServer) sendResponse(s *session, status uint32, msg string) error {
	resp := protocol.LobbyResponse{Status: status, Message: msg}
	data, err := resp.MarshalBinary()
	debug.Assert(err == nil)

	_, err = s.conn.Write(data)
	return err
}

func (ls *LobbyServer) handleAddGame(s *session) error {
	desc, err := protocol.ReadSessionDescriptor(s.conn)
	if err != nil {
		return err
	}
	if desc.StructVersion != protocol.DescriptorVersion {
		return ls.sendResponse(s, 400, fmt.Sprintf("Unsupported game struct version %d, please upgrade.", desc.StructVersion))
	}

	desc.GameID = ls.allocateID(s)
	desc.Host = s.ip

	if ls.cfg.ProbeHosts {
		if err := ls.probe(s.ip, desc.GamePort); err != nil {
			ls.logger.Info().Str("ip", s.ip).Err(err).Msg("host not reachable")
			return ls.sendResponse(s, 400, fmt.Sprintf("Could not reach your game on port %d. Make sure it can receive incoming connections.", desc.GamePort))
		}
	}

	ls.mu.Lock()
	ls.games[desc.GameID] = &game{desc: desc, lastSeen: time.Now()}
	ls.mu.Unlock()
	s.registered = true

	ls.logger.Info().
		Uint32("id", desc.GameID).
		Str("name", desc.Name).
		Str("host", s.ip).
		Msg("registered game")

	return ls.sendResponse(s, protocol.LobbyStatusOK, ls.cfg.MOTD)
}

func (ls *LobbyServer) handleUpdate(s *session, head []byte) error {
	buf := make([]byte, protocol.DescriptorSize)
	copy(buf, head)
	if _, err := io.ReadFull(s.conn, buf[len(head):]); err != nil {
		return fmt.Errorf("could not read descriptor: %w", err)
	}
	var desc protocol.SessionDescriptor
	if err := desc.UnmarshalBinary(buf); err != nil {
		return err
	}
	desc.GameID = s.gameID
	desc.Host = s.ip

	ls.mu.Lock()
	ls.games[s.gameID] = &game{desc: desc, lastSeen: time.Now()}
	ls.mu.Unlock()
	return nil
}

func (ls *LobbyServer) touch(s *session) {
	ls.mu.Lock()
	if g, ok := ls.games[s.gameID]; ok && s.registered {
		g.lastSeen = time.Now()
	}
	ls.mu.Unlock()
}

func (ls *LobbyServer) handleList(s *session) error {
	games := ls.Games()
	if len(games) > ls.cfg.MaxGames {
		games = games[:ls.cfg.MaxGames]
	}

	var e protocol.Encoder
	e.Uint32(uint32(len(games)))
	for i := range games {
		data, err := games[i].MarshalBinary()
		if err != nil {
			return err
		}
		e.Raw(data)
	}
	data, err := e.Data()
	debug.Assert(err == nil)

	if _, err := s.conn.Write(data); err != nil {
		return err
	}
	return ls.sendResponse(s, protocol.LobbyStatusOK, ls.cfg.MOTD)
}

// probe checks a host with the alive-check handshake, which hosts answer
// without taking a slot.
func (ls *LobbyServer) probe(ip string, port uint32) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", addr, ls.cfg.ProbeTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(ls.cfg.ProbeTimeout)); err != nil {
		return err
	}
	v := protocol.AliveCheck
	data, err := v.MarshalBinary()
	debug.Assert(err == nil)
	if _, err := conn.Write(data); err != nil {
		return err
	}

	reply := make([]byte, protocol.AliveCheckReplySize)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return err
	}
	var r protocol.AliveCheckReply
	return r.UnmarshalBinary(reply)
}
