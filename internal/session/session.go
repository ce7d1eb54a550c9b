// Package session is the authoritative host and the joined replica of a
// multiplayer session. A Session is driven by Tick from a single loop; all
// slot, connection and pending join state is touched only from there.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"

	"github.com/blukai/netplay/internal/banlist"
	"github.com/blukai/netplay/internal/identity"
	"github.com/blukai/netplay/internal/joiner"
	"github.com/blukai/netplay/internal/lobbyclient"
	"github.com/blukai/netplay/internal/logging"
	"github.com/blukai/netplay/internal/netlog"
	"github.com/blukai/netplay/internal/netqueue"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/slots"
	"github.com/blukai/netplay/internal/transfer"
	"github.com/blukai/netplay/internal/transport"
)

var (
	ErrNotHost       = errors.New("not the host")
	ErrClosed        = errors.New("session closed")
	ErrKicked        = errors.New("kicked by host")
	ErrHostDropped   = errors.New("host dropped")
	ErrHostLeft      = errors.New("host left")
	ErrSystemMessage = errors.New("system message type")
	ErrNoConnection  = errors.New("no connection for slot")
)

// MaxPending is how many connections may be between accept and promotion
// at once.
const MaxPending = 8

const DefaultPort = 2100

type Config struct {
	Name     string
	Identity *identity.Identity
	Version  protocol.Version
	ModList  string
	Layout   slots.Layout
	Observer Observer
	Stats    *transport.Stats
	// NetLogSize is the capacity of the event log in bytes.
	NetLogSize int64

	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the silence after which a slot loses its
	// heartbeat flag.
	HeartbeatTimeout time.Duration
	// HeartbeatGrace is how long a slot may stay without heartbeat before
	// it is dropped.
	HeartbeatGrace time.Duration
	SwapAckTimeout time.Duration

	// Host only.
	Address          string
	SessionName      string
	MapName          string
	VersionString    string
	Password         string
	Spectator        bool
	ForceLowestIndex bool
	HandshakeTimeout time.Duration
	JoinTimeout      time.Duration
	ApprovalTimeout  time.Duration
	// Approver, when set, is asked about every join that passed the
	// checks. Verdicts come back through Decide.
	Approver func(ApprovalRequest)
	// Bans defaults to an in-memory list owned by the session.
	Bans *banlist.List
	// Lobby, when set, keeps the session listed on a lobby server.
	Lobby         *lobbyclient.Config
	ChunksPerTick int

	// Join only. DownloadDir receives files requested from the host.
	DownloadDir string
}

func (c *Config) setDefaults() {
	if c.Layout.PlayerSlots == 0 {
		c.Layout = slots.Layout{PlayerSlots: 10, SpectatorSlots: 10}
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.Stats == nil {
		c.Stats = new(transport.Stats)
	}
	if c.NetLogSize <= 0 {
		c.NetLogSize = netlog.DefaultSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = 15 * time.Second
	}
	if c.SwapAckTimeout <= 0 {
		c.SwapAckTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 2500 * time.Millisecond
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 5 * time.Second
	}
	if c.ChunksPerTick <= 0 {
		c.ChunksPerTick = 4
	}
}

type pingStat struct {
	seq    uint32
	sentAt time.Time
	rtt    time.Duration
}

type Session struct {
	// ctx bounds ban store writes.
	ctx      context.Context
	cfg      Config
	logger   *log.Logger
	observer Observer

	isHost    bool
	sessionID uint32
	selfIndex int
	hostIndex int
	dir       *slots.Directory

	conns arena
	// The following are keyed by slot index.
	players     []Handle
	lastHeard   []time.Time
	pings       []pingStat
	awaitingAck []time.Time
	gameQueues  []*netqueue.Queue
	uploads     [][]*transfer.Outgoing

	pending   [MaxPending]*pendingJoin
	listener  *transport.Listener
	sockets   *transport.SocketSet
	bans      *banlist.List
	ownsBans  bool
	decisions decisionBox

	registrar *lobbyclient.Registrar
	desc      protocol.SessionDescriptor
	descDirty bool

	receiver *transfer.Receiver
	files    map[protocol.Hash]string

	stats  *transport.Stats
	netlog *netlog.Log

	flags    protocol.GameFlags
	password string
	locked   bool
	started  bool
	lastPing time.Time
	pingSeq  uint32

	// err ends the session.
	err    error
	closed bool
}

func newSession(cfg Config, logger *log.Logger, isHost bool) (*Session, error) {
	cfg.setDefaults()

	nl, err := netlog.New(cfg.NetLogSize)
	if err != nil {
		return nil, err
	}

	n := cfg.Layout.Len()
	s := &Session{
		ctx:         context.Background(),
		cfg:         cfg,
		logger:      logging.OrDiscard(logger),
		observer:    cfg.Observer,
		isHost:      isHost,
		dir:         slots.NewDirectory(cfg.Layout, isHost),
		players:     make([]Handle, n),
		lastHeard:   make([]time.Time, n),
		pings:       make([]pingStat, n),
		awaitingAck: make([]time.Time, n),
		gameQueues:  make([]*netqueue.Queue, n),
		uploads:     make([][]*transfer.Outgoing, n),
		sockets:     transport.NewSocketSet(),
		files:       make(map[protocol.Hash]string),
		stats:       cfg.Stats,
		netlog:      nl,
		password:    cfg.Password,
	}
	for i := range s.gameQueues {
		s.gameQueues[i] = netqueue.New()
	}
	s.decisions.init()
	return s, nil
}

// Host starts listening for joiners and seats the local participant.
func Host(ctx context.Context, cfg Config, logger *log.Logger) (*Session, error) {
	s, err := newSession(cfg, logger, true)
	if err != nil {
		return nil, err
	}
	cfg = s.cfg
	s.ctx = ctx

	if cfg.Bans == nil {
		bans, err := banlist.New(ctx, banlist.Config{Logger: s.logger})
		if err != nil {
			return nil, err
		}
		s.bans, s.ownsBans = bans, true
	} else {
		s.bans = cfg.Bans
	}

	ln, err := transport.Listen("tcp", cfg.Address, s.logger)
	if err != nil {
		return nil, fmt.Errorf("could not host: %w", err)
	}
	s.listener = ln

	idx, err := s.dir.CreatePlayer(cfg.Name, cfg.ForceLowestIndex, cfg.Spectator)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("could not seat host: %w", err)
	}
	s.selfIndex, s.hostIndex = idx, idx
	s.dir.Update(idx, func(slot *slots.Slot) {
		slot.IsAdmin = true
		if cfg.Identity != nil {
			slot.Identity = cfg.Identity.PublicBase64()
		}
	})
	s.sessionID = uuid.New().ID()

	s.desc = s.buildDescriptor()
	if cfg.Lobby != nil {
		s.registrar = lobbyclient.NewRegistrar(*cfg.Lobby, s.logger)
		s.registrar.Register(ctx, s.desc)
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("index", idx).
		Uint32("session", s.sessionID).
		Msg("hosting")
	s.netlog.Entry(time.Now(), idx, "Hosting %q on %s", cfg.SessionName, ln.Addr())
	return s, nil
}

// Join wraps a connection the host accepted. The local table is a replica
// from here on.
func Join(est *joiner.Established, cfg Config, logger *log.Logger) (*Session, error) {
	s, err := newSession(cfg, logger, false)
	if err != nil {
		return nil, err
	}

	n := s.dir.Len()
	if int(est.Index) >= n || int(est.HostPlayer) >= n {
		est.Socket.Close()
		return nil, fmt.Errorf("accepted as %d by %d: %w", est.Index, est.HostPlayer, slots.ErrOutOfRange)
	}
	s.selfIndex = int(est.Index)
	s.hostIndex = int(est.HostPlayer)

	est.Queue.SetLimit(netqueue.MaxIncomplete)
	h := s.conns.add(est.Socket, est.Queue)
	s.players[s.hostIndex] = h
	s.sockets.Add(est.Socket)
	s.lastHeard[s.hostIndex] = time.Now()

	if s.cfg.DownloadDir != "" {
		s.receiver = transfer.NewReceiver(s.cfg.DownloadDir, s.logger)
	}

	s.logger.Info().
		Int("index", s.selfIndex).
		Int("host", s.hostIndex).
		Str("addr", est.Candidate.String()).
		Msg("joined session")
	return s, nil
}

func (s *Session) IsHost() bool { return s.isHost }

// Index is the local participant's slot.
func (s *Session) Index() int { return s.selfIndex }

func (s *Session) HostIndex() int { return s.hostIndex }

func (s *Session) SessionID() uint32 { return s.sessionID }

// Directory is the slot table. Callers must treat it as read only.
func (s *Session) Directory() *slots.Directory { return s.dir }

func (s *Session) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Session) GameFlags() protocol.GameFlags { return s.flags }

// Err is why the session ended, nil while it runs.
func (s *Session) Err() error { return s.err }

// Stats returns the traffic totals and the traffic of the last second.
func (s *Session) Stats() (total, lastSecond transport.Counters) {
	return s.stats.Totals(), s.stats.Sample(time.Now())
}

func (s *Session) NetLog() *netlog.Log { return s.netlog }

// Ping is the last measured round trip to the participant in slot i.
func (s *Session) Ping(i int) time.Duration {
	if i < 0 || i >= len(s.pings) {
		return 0
	}
	return s.pings[i].rtt
}

// Tick polls every socket once and advances all state machines by whatever
// arrived. It never waits.
func (s *Session) Tick(now time.Time) error {
	if s.err != nil {
		return s.err
	}

	if s.isHost {
		s.acceptPending(now)
		s.tickPending(now)
	}
	s.readPlayers(now)
	s.supervise(now)
	if s.isHost {
		s.sendChunks(now)
	}
	s.flush(now)
	if s.isHost {
		s.maintainDescriptor(now)
	}
	s.stats.Sample(now)

	return s.err
}

// Run ticks until ctx is done or the session ends, waiting up to interval
// for socket activity between ticks.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		s.sockets.Check(interval)
		if err := s.Tick(time.Now()); err != nil {
			return err
		}
	}
}

// Close leaves the session. A host tells everyone it is leaving; a joined
// participant tells the host.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	now := time.Now()

	if s.err == nil {
		leaving := protocol.PlayerLeaving{Index: uint32(s.selfIndex), Host: s.isHost}
		msg := protocol.MustMessage(protocol.MsgPlayerLeaving, &leaving)
		if s.isHost {
			s.broadcast(msg, -1)
		} else {
			s.sendTo(s.hostIndex, msg)
		}
		s.flush(now)
	}

	var errs error
	for i := range s.pending {
		if s.pending[i] != nil {
			s.discardPending(i)
		}
	}
	for i, h := range s.players {
		if c := s.conns.remove(h); c != nil {
			s.sockets.Del(c.sock)
		}
		s.players[i] = Handle{}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if s.registrar != nil {
		s.registrar.Close()
	}
	if s.ownsBans {
		if err := s.bans.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if s.receiver != nil {
		s.receiver.Close()
	}
	for i := range s.uploads {
		s.dropUploads(i)
	}

	if s.err == nil {
		s.err = ErrClosed
	}
	return errs
}
