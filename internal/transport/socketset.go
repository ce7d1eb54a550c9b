package transport

import (
	"sync"
	"time"
)

// SocketSet waits for readiness across many sockets.
type SocketSet struct {
	mu      sync.Mutex
	sockets map[*Socket]struct{}
	wake    chan struct{}
}

func NewSocketSet() *SocketSet {
	return &SocketSet{
		sockets: make(map[*Socket]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

func (ss *SocketSet) signal() {
	select {
	case ss.wake <- struct{}{}:
	default:
	}
}

func (ss *SocketSet) Add(s *Socket) {
	ss.mu.Lock()
	ss.sockets[s] = struct{}{}
	ss.mu.Unlock()

	s.setNotify(ss.signal)
	if s.Ready() {
		ss.signal()
	}
}

func (ss *SocketSet) Del(s *Socket) {
	ss.mu.Lock()
	delete(ss.sockets, s)
	ss.mu.Unlock()

	s.setNotify(nil)
}

func (ss *SocketSet) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sockets)
}

func (ss *SocketSet) ready() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	n := 0
	for s := range ss.sockets {
		if s.Ready() {
			n++
		}
	}
	return n
}

// Check returns how many sockets are ready, waiting up to timeout for at
// least one. A zero timeout polls.
func (ss *SocketSet) Check(timeout time.Duration) int {
	if n := ss.ready(); n > 0 || timeout <= 0 {
		return n
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ss.wake:
			if n := ss.ready(); n > 0 {
				return n
			}
		case <-timer.C:
			return ss.ready()
		}
	}
}
