package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/phuslu/log"

	"github.com/blukai/netplay/internal/logging"
)

// AcceptBacklog is how many accepted connections may wait for the session
// loop to pick them up.
const AcceptBacklog = 16

// Listener accepts TCP connections on a goroutine and hands them out
// without blocking.
type Listener struct {
	ln       net.Listener
	logger   *log.Logger
	accepted chan net.Conn

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func Listen(network, address string, logger *log.Logger) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}

	l := &Listener{
		ln:       ln,
		logger:   logging.OrDiscard(logger),
		accepted: make(chan net.Conn, AcceptBacklog),
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer close(l.accepted)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Error().Err(err).Msg("could not accept")
			}
			return
		}

		select {
		case l.accepted <- conn:
		default:
			l.logger.Warn().
				Str("addr", conn.RemoteAddr().String()).
				Msg("accept backlog full, dropping connection")
			conn.Close()
		}
	}
}

// Accept returns a waiting connection if there is one.
func (l *Listener) Accept() (net.Conn, bool) {
	select {
	case conn, ok := <-l.accepted:
		return conn, ok
	default:
		return nil, false
	}
}

func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.ln.Close()
		l.wg.Wait()
		for conn := range l.accepted {
			conn.Close()
		}
	})
	return err
}
