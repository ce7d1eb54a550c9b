package session

import (
	"github.com/blukai/netplay/internal/netqueue"
	"github.com/blukai/netplay/internal/transport"
)

// Handle addresses a connection in the arena. A handle outlives its
// connection safely: once the connection is removed every lookup through an
// old handle fails.
type Handle struct {
	idx uint32
	gen uint32
}

func (h Handle) Valid() bool { return h.gen != 0 }

type connection struct {
	gen   uint32
	live  bool
	sock  *transport.Socket
	queue *netqueue.Queue
}

type arena struct {
	conns []connection
	free  []uint32
}

func (a *arena) add(sock *transport.Socket, queue *netqueue.Queue) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.conns = append(a.conns, connection{})
		idx = uint32(len(a.conns) - 1)
	}

	c := &a.conns[idx]
	c.gen++
	if c.gen == 0 {
		// zero is reserved for the invalid handle
		c.gen = 1
	}
	c.live = true
	c.sock = sock
	c.queue = queue
	return Handle{idx: idx, gen: c.gen}
}

func (a *arena) get(h Handle) *connection {
	if !h.Valid() || int(h.idx) >= len(a.conns) {
		return nil
	}
	c := &a.conns[h.idx]
	if !c.live || c.gen != h.gen {
		return nil
	}
	return c
}

// remove closes the socket and invalidates every handle to it.
func (a *arena) remove(h Handle) *connection {
	c := a.get(h)
	if c == nil {
		return nil
	}
	removed := *c
	if c.sock != nil {
		c.sock.Close()
	}
	c.live = false
	c.sock = nil
	c.queue = nil
	a.free = append(a.free, h.idx)
	return &removed
}

func (a *arena) len() int {
	return len(a.conns) - len(a.free)
}
