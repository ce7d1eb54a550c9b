// Package joiner drives one outbound attempt to join a hosted session.
package joiner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/phuslu/log"

	"github.com/blukai/netplay/internal/debug"
	"github.com/blukai/netplay/internal/identity"
	"github.com/blukai/netplay/internal/logging"
	"github.com/blukai/netplay/internal/netqueue"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/transport"
)

type State int

const (
	AwaitingConnection State = iota
	AwaitingInitialHandshakeAck
	ProcessingJoinMessages
	NeedsPassword
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingConnection:
		return "awaiting connection"
	case AwaitingInitialHandshakeAck:
		return "awaiting handshake ack"
	case ProcessingJoinMessages:
		return "processing join messages"
	case NeedsPassword:
		return "needs password"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) Done() bool {
	return s == Succeeded || s == Failed
}

var (
	ErrNoCandidates = errors.New("no candidate addresses")
	ErrTimeout      = errors.New("join attempt timed out")
	ErrUnexpected   = errors.New("unexpected message")
	ErrCancelled    = errors.New("join attempt cancelled")
)

type Config struct {
	Candidates []Candidate
	Version    protocol.Version
	Name       string
	ModList    string
	Password   string
	Role       protocol.Role
	Identity   *identity.Identity
	// Timeout bounds each connection to a candidate, from dialing to
	// acceptance. Time spent waiting for a password does not count.
	Timeout     time.Duration
	DialTimeout time.Duration
	Stats       *transport.Stats
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Failure is the terminal outcome of a failed attempt. Text is meant for
// the user.
type Failure struct {
	Code protocol.ErrorCode
	Text string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Text, f.Err)
	}
	return f.Text
}

func (f *Failure) Unwrap() error { return f.Err }

// Established is a connection the host accepted. Queue may already hold
// messages the host sent right after accepting.
type Established struct {
	Socket     *transport.Socket
	Queue      *netqueue.Queue
	Index      uint8
	HostPlayer uint32
	Candidate  Candidate
}

type dialResult struct {
	conn net.Conn
	err  error
}

// Attempt is driven by Tick from the caller's loop. Dialing happens on a
// goroutine whose result is picked up by Tick.
type Attempt struct {
	cfg    Config
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state     State
	candidate int
	dialed    chan dialResult
	deadline  time.Time

	sock      *transport.Socket
	handshake []byte
	queue     *netqueue.Queue

	est     *Established
	failure *Failure
}

func Start(ctx context.Context, cfg Config, logger *log.Logger) *Attempt {
	debug.Assert(cfg.Identity != nil, "join needs an identity")
	cfg.setDefaults()

	a := &Attempt{
		cfg:    cfg,
		logger: logging.OrDiscard(logger),
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	if len(cfg.Candidates) == 0 {
		a.fail(protocol.ErrConnection, ErrNoCandidates)
		return a
	}
	a.dial()
	return a
}

func (a *Attempt) State() State { return a.state }

// Candidate is the address currently being tried.
func (a *Attempt) Candidate() Candidate {
	if a.candidate >= len(a.cfg.Candidates) {
		return Candidate{}
	}
	return a.cfg.Candidates[a.candidate]
}

// Established hands over the accepted connection. Only the first call after
// success returns it.
func (a *Attempt) Established() (*Established, bool) {
	est := a.est
	a.est = nil
	return est, est != nil
}

func (a *Attempt) Failure() *Failure {
	return a.failure
}

func (a *Attempt) dial() {
	a.state = AwaitingConnection
	a.deadline = time.Time{}
	a.handshake = nil
	a.queue = nil

	c := a.cfg.Candidates[a.candidate]
	a.logger.Debug().Str("addr", c.String()).Msg("connecting")

	ctx := a.ctx
	dialed := make(chan dialResult, 1)
	a.dialed = dialed
	go func() {
		conn, err := transport.OpenAny(ctx, c.Host, c.Port, a.cfg.DialTimeout)
		if err == nil && ctx.Err() != nil {
			conn.Close()
			conn, err = nil, ctx.Err()
		}
		dialed <- dialResult{conn: conn, err: err}
	}()
}

// next moves on to the following candidate after a connection failure.
func (a *Attempt) next(err error) {
	c := a.Candidate()
	a.logger.Info().Str("addr", c.String()).Err(err).Msg("candidate failed")
	a.closeSocket()

	a.candidate++
	if a.candidate >= len(a.cfg.Candidates) {
		a.fail(protocol.ErrConnection, err)
		return
	}
	a.dial()
}

func (a *Attempt) fail(code protocol.ErrorCode, err error) {
	a.failWithText(code, code.Message(), err)
}

func (a *Attempt) failWithText(code protocol.ErrorCode, text string, err error) {
	a.closeSocket()
	a.cancel()
	a.state = Failed
	a.failure = &Failure{Code: code, Text: text, Err: err}
	a.logger.Warn().
		Str("code", code.String()).
		Str("text", text).
		Err(err).
		Msg("join failed")
}

func (a *Attempt) closeSocket() {
	if a.sock != nil {
		a.sock.Close()
		a.sock = nil
	}
}

// SubmitPassword retries the current candidate with a new password.
func (a *Attempt) SubmitPassword(password string) {
	if !debug.Guard(a.state == NeedsPassword, a.logger, "password submitted in state %s", a.state) {
		return
	}
	a.cfg.Password = password
	a.dial()
}

func (a *Attempt) Cancel() {
	if a.state.Done() {
		return
	}
	a.fail(protocol.ErrConnection, ErrCancelled)
}

// Tick advances the attempt by whatever has arrived. It never blocks.
func (a *Attempt) Tick(now time.Time) State {
	if a.state.Done() || a.state == NeedsPassword {
		return a.state
	}

	if a.deadline.IsZero() {
		a.deadline = now.Add(a.cfg.Timeout)
	} else if now.After(a.deadline) {
		a.fail(protocol.ErrConnection, ErrTimeout)
		return a.state
	}

	switch a.state {
	case AwaitingConnection:
		a.tickConnect()
	case AwaitingInitialHandshakeAck:
		a.tickHandshake()
	case ProcessingJoinMessages:
		a.tickMessages()
	}
	return a.state
}

func (a *Attempt) tickConnect() {
	var res dialResult
	select {
	case res = <-a.dialed:
	default:
		return
	}
	a.dialed = nil
	if res.err != nil {
		a.next(res.err)
		return
	}

	a.sock = transport.NewSocket(res.conn, transport.SocketOptions{
		RawPrefix: protocol.ErrorCodeSize,
		Stats:     a.cfg.Stats,
	})
	data, err := a.cfg.Version.MarshalBinary()
	debug.Assert(err == nil)
	if err := a.sock.Write(data); err != nil {
		a.next(err)
		return
	}
	a.state = AwaitingInitialHandshakeAck
}

func (a *Attempt) tickHandshake() {
	data, err := a.sock.Recv()
	a.handshake = append(a.handshake, data...)
	if len(a.handshake) < protocol.ErrorCodeSize {
		if err != nil {
			a.next(fmt.Errorf("connection closed during handshake: %w", err))
		}
		return
	}

	code, perr := protocol.ParseErrorCode(a.handshake[:protocol.ErrorCodeSize])
	debug.Assert(perr == nil)
	a.handshake = nil

	switch code {
	case protocol.NoError:
	case protocol.ErrWrongPassword:
		// the password is only checked on JOIN
		a.fail(protocol.ErrConnection, fmt.Errorf("unexpected %s in handshake", code))
		return
	default:
		a.fail(code, fmt.Errorf("host answered %s", code))
		return
	}

	a.sock.BeginCompression()
	a.queue = netqueue.New()
	a.state = ProcessingJoinMessages
	a.tickMessages()
}

func (a *Attempt) tickMessages() {
	data, rerr := a.sock.Recv()
	if len(data) > 0 {
		if err := a.queue.Insert(data); err != nil {
			a.fail(protocol.ErrConnection, err)
			return
		}
	}

	for a.state == ProcessingJoinMessages {
		msg, ok := a.queue.Pop()
		if !ok {
			break
		}
		a.handle(msg)
	}

	if a.state == ProcessingJoinMessages && rerr != nil {
		a.fail(protocol.ErrConnection, fmt.Errorf("host closed the connection: %w", rerr))
	}
}

func (a *Attempt) handle(msg protocol.Message) {
	a.logger.Debug().Str("type", msg.Type.String()).Msg("recv")

	switch msg.Type {
	case protocol.MsgPing:
		var ping protocol.PingChallenge
		if err := msg.Decode(&ping); err != nil {
			a.fail(protocol.ErrConnection, err)
			return
		}
		join := protocol.Join{
			Name:      a.cfg.Name,
			ModList:   a.cfg.ModList,
			Password:  a.cfg.Password,
			Role:      a.cfg.Role,
			Identity:  a.cfg.Identity.Public(),
			Signature: a.cfg.Identity.Sign(ping.Challenge),
		}
		reply, err := protocol.NewMessage(protocol.MsgJoin, &join)
		if err != nil {
			a.fail(protocol.ErrConnection, err)
			return
		}
		if err := a.sock.Write(protocol.AppendFrame(nil, reply)); err != nil {
			a.fail(protocol.ErrConnection, err)
		}

	case protocol.MsgAccepted:
		var acc protocol.Accepted
		if err := msg.Decode(&acc); err != nil {
			a.fail(protocol.ErrConnection, err)
			return
		}
		a.est = &Established{
			Socket:     a.sock,
			Queue:      a.queue,
			Index:      acc.Index,
			HostPlayer: acc.HostPlayer,
			Candidate:  a.Candidate(),
		}
		a.sock, a.queue = nil, nil
		a.state = Succeeded
		a.cancel()
		a.logger.Info().
			Uint8("index", acc.Index).
			Uint32("host", acc.HostPlayer).
			Msg("joined")

	case protocol.MsgRejected:
		var rej protocol.Rejected
		if err := msg.Decode(&rej); err != nil {
			a.fail(protocol.ErrConnection, err)
			return
		}
		if rej.Code == protocol.ErrWrongPassword {
			a.closeSocket()
			a.state = NeedsPassword
			return
		}
		a.failWithText(rej.Code, rej.Text(), fmt.Errorf("rejected with %s", rej.Code))

	default:
		a.fail(protocol.ErrConnection, fmt.Errorf("%w: %s", ErrUnexpected, msg.Type))
	}
}
