// Package lobbyclient keeps a hosted session listed on a lobby server and
// queries the server for listed sessions.
package lobbyclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"github.com/blukai/netplay/internal/debug"
	"github.com/blukai/netplay/internal/logging"
	"github.com/blukai/netplay/internal/protocol"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Config struct {
	// Address is the lobby server's host:port.
	Address     string
	DialTimeout time.Duration
	// ResponseTimeout bounds the registration conversation.
	ResponseTimeout time.Duration
	// MinUpdateInterval spaces descriptor resends.
	MinUpdateInterval time.Duration
	// KeepAliveInterval is the longest the server goes without hearing
	// from us.
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 10 * time.Second
	}
	if c.MinUpdateInterval <= 0 {
		c.MinUpdateInterval = 5 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
}

type registration struct {
	conn   net.Conn
	gameID uint32
	resp   protocol.LobbyResponse
	err    error
}

// Registrar runs the registration conversation. Every method except Close
// must be called from the session loop; the network work happens on
// goroutines and is picked up by Tick.
type Registrar struct {
	cfg    Config
	logger *log.Logger

	state  State
	cancel context.CancelFunc
	result chan registration

	conn   net.Conn
	closed chan error

	desc    protocol.SessionDescriptor
	dirty   bool
	limiter *rate.Limiter
	// lastContact is when we last wrote to the server.
	lastContact time.Time

	gameID      uint32
	motd        string
	upgrade     bool
	unreachable bool
}

func NewRegistrar(cfg Config, logger *log.Logger) *Registrar {
	cfg.setDefaults()
	return &Registrar{
		cfg:     cfg,
		logger:  logging.OrDiscard(logger),
		limiter: rate.NewLimiter(rate.Every(cfg.MinUpdateInterval), 1),
	}
}

func (r *Registrar) State() State { return r.state }

// MOTD is the last message the server sent us.
func (r *Registrar) MOTD() string { return r.motd }

// UpgradeAvailable is set when the server refused us, which it does when our
// version is too old.
func (r *Registrar) UpgradeAvailable() bool { return r.upgrade }

// Unreachable is set after a connection failure. There are no retries for
// the rest of the process run.
func (r *Registrar) Unreachable() bool { return r.unreachable }

func (r *Registrar) GameID() uint32 { return r.gameID }

// Register starts registering desc. It does nothing unless the registrar is
// disconnected and the server has not failed us before.
func (r *Registrar) Register(ctx context.Context, desc protocol.SessionDescriptor) {
	if r.state != Disconnected || r.unreachable {
		return
	}
	r.desc = desc
	r.dirty = false
	r.state = Connecting

	ctx, r.cancel = context.WithCancel(ctx)
	r.result = make(chan registration, 1)
	go r.runRegister(ctx, desc, r.result)
}

// Update replaces the advertised descriptor; the next Tick allowed by the
// update rate sends it.
func (r *Registrar) Update(desc protocol.SessionDescriptor) {
	r.desc = desc
	r.dirty = true
}

func (r *Registrar) runRegister(ctx context.Context, desc protocol.SessionDescriptor, out chan<- registration) {
	reg := registration{}
	defer func() {
		if reg.err != nil && reg.conn != nil {
			reg.conn.Close()
			reg.conn = nil
		}
		out <- reg
	}()

	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	reg.conn, reg.err = dialer.DialContext(ctx, "tcp", r.cfg.Address)
	if reg.err != nil {
		reg.err = fmt.Errorf("could not dial lobby: %w", reg.err)
		return
	}
	conn := reg.conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err := conn.SetDeadline(time.Now().Add(r.cfg.ResponseTimeout))
	debug.Assert(err == nil || errors.Is(err, net.ErrClosed))

	if reg.err = writeCommand(conn, protocol.LobbyGameID); reg.err != nil {
		return
	}
	if reg.gameID, reg.err = protocol.ReadGameID(conn); reg.err != nil {
		return
	}
	if reg.err = writeCommand(conn, protocol.LobbyAddGame); reg.err != nil {
		return
	}
	data, err := desc.MarshalBinary()
	if err != nil {
		reg.err = err
		return
	}
	if _, reg.err = conn.Write(data); reg.err != nil {
		return
	}
	if reg.resp, reg.err = protocol.ReadLobbyResponse(conn); reg.err != nil {
		return
	}
	reg.err = conn.SetDeadline(time.Time{})
}

func writeCommand(w io.Writer, cmd protocol.LobbyCommand) error {
	data, err := cmd.MarshalBinary()
	debug.Assert(err == nil)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("could not send %s: %w", cmd, err)
	}
	return nil
}

// runWatch notices the server hanging up. The server never talks after the
// registration, so anything read is discarded.
func runWatch(conn net.Conn, closed chan<- error) {
	_, err := io.Copy(io.Discard, conn)
	if err == nil {
		err = io.EOF
	}
	closed <- err
}

// Tick advances the conversation. It never blocks for longer than a write
// deadline.
func (r *Registrar) Tick(now time.Time) State {
	switch r.state {
	case Connecting:
		select {
		case reg := <-r.result:
			r.finishRegister(reg, now)
		default:
		}
	case Connected:
		select {
		case err := <-r.closed:
			r.fail(fmt.Errorf("lobby closed the connection: %w", err))
			return r.state
		default:
		}
		r.maintain(now)
	}
	return r.state
}

func (r *Registrar) finishRegister(reg registration, now time.Time) {
	r.result = nil
	if reg.err != nil {
		r.fail(reg.err)
		return
	}
	r.motd = reg.resp.Message
	if !reg.resp.OK() {
		r.logger.Warn().
			Uint32("status", reg.resp.Status).
			Str("motd", reg.resp.Message).
			Msg("lobby refused registration")
		reg.conn.Close()
		r.upgrade = true
		r.state = Disconnected
		return
	}

	r.conn = reg.conn
	r.gameID = reg.gameID
	r.lastContact = now
	// the registration itself counts as an update
	r.limiter.AllowN(now, 1)
	r.closed = make(chan error, 1)
	go runWatch(r.conn, r.closed)

	r.state = Connected
	r.logger.Info().
		Uint32("game_id", r.gameID).
		Str("lobby", r.cfg.Address).
		Msg("registered with lobby")
}

func (r *Registrar) maintain(now time.Time) {
	if r.dirty && r.limiter.AllowN(now, 1) {
		data, err := r.desc.MarshalBinary()
		if err != nil {
			r.fail(err)
			return
		}
		if err := r.write(data); err != nil {
			r.fail(fmt.Errorf("could not send update: %w", err))
			return
		}
		r.dirty = false
		r.lastContact = now
		r.logger.Debug().Int32("players", r.desc.CurrentPlayers).Msg("sent lobby update")
		return
	}

	if now.Sub(r.lastContact) >= r.cfg.KeepAliveInterval {
		data, err := protocol.LobbyKeepAlive.MarshalBinary()
		debug.Assert(err == nil)
		if err := r.write(data); err != nil {
			r.fail(fmt.Errorf("could not send keep-alive: %w", err))
			return
		}
		r.lastContact = now
	}
}

func (r *Registrar) write(data []byte) error {
	if err := r.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := r.conn.Write(data)
	return err
}

func (r *Registrar) fail(err error) {
	r.logger.Warn().Err(err).Str("lobby", r.cfg.Address).Msg("lobby unreachable")
	r.teardown()
	r.unreachable = true
}

func (r *Registrar) teardown() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.state = Disconnected
}

// Close drops the registration; the server delists the session when the
// connection goes away.
func (r *Registrar) Close() {
	if r.state == Connecting {
		r.cancel()
		r.cancel = nil
		// the goroutine owns the connection until it reports back
		if reg := <-r.result; reg.conn != nil {
			reg.conn.Close()
		}
		r.result = nil
	}
	r.teardown()
}

// MaxListedGames bounds a list answer.
const MaxListedGames = 1024

// ListGames asks the lobby at address for the sessions it knows about. The
// trailing status carries the server's message of the day.
func ListGames(ctx context.Context, address string, timeout time.Duration) ([]protocol.SessionDescriptor, protocol.LobbyResponse, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, protocol.LobbyResponse{}, fmt.Errorf("could not dial lobby: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, protocol.LobbyResponse{}, err
	}
	if err := writeCommand(conn, protocol.LobbyList); err != nil {
		return nil, protocol.LobbyResponse{}, err
	}

	games, resp, err := protocol.ReadGameList(conn, MaxListedGames)
	if err != nil {
		return nil, protocol.LobbyResponse{}, fmt.Errorf("could not read game list: %w", err)
	}
	return games, resp, nil
}
