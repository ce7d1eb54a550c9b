package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

type Counters struct {
	BytesSent   uint64
	BytesRecv   uint64
	PacketsSent uint64
	PacketsRecv uint64
}

func (c Counters) sub(o Counters) Counters {
	return Counters{
		BytesSent:   c.BytesSent - o.BytesSent,
		BytesRecv:   c.BytesRecv - o.BytesRecv,
		PacketsSent: c.PacketsSent - o.PacketsSent,
		PacketsRecv: c.PacketsRecv - o.PacketsRecv,
	}
}

// Stats counts traffic across every socket of a session. Totals are updated
// from reader goroutines; rates are sampled from the session loop.
type Stats struct {
	bytesSent   atomic.Uint64
	bytesRecv   atomic.Uint64
	packetsSent atomic.Uint64
	packetsRecv atomic.Uint64

	mu         sync.Mutex
	sampledAt  time.Time
	atSample   Counters
	lastSecond Counters
}

func (s *Stats) AddSent(n int) {
	s.bytesSent.Add(uint64(n))
	s.packetsSent.Add(1)
}

func (s *Stats) AddRecv(n int) {
	s.bytesRecv.Add(uint64(n))
	s.packetsRecv.Add(1)
}

func (s *Stats) Totals() Counters {
	return Counters{
		BytesSent:   s.bytesSent.Load(),
		BytesRecv:   s.bytesRecv.Load(),
		PacketsSent: s.packetsSent.Load(),
		PacketsRecv: s.packetsRecv.Load(),
	}
}

// Sample rolls the per-second window when at least a second has passed and
// returns the traffic of the last complete second.
func (s *Stats) Sample(now time.Time) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sampledAt.IsZero() {
		s.sampledAt = now
		s.atSample = s.Totals()
		return s.lastSecond
	}
	if now.Sub(s.sampledAt) >= time.Second {
		totals := s.Totals()
		s.lastSecond = totals.sub(s.atSample)
		s.atSample = totals
		s.sampledAt = now
	}
	return s.lastSecond
}
