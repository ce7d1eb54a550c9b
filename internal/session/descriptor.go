package session

import (
	"net"
	"time"

	"github.com/blukai/netplay/internal/lobbyclient"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/slots"
)

func (s *Session) buildDescriptor() protocol.SessionDescriptor {
	current := 0
	s.dir.Each(func(_ int, slot slots.Slot) {
		if slot.Allocated && !slot.IsSpectator {
			current++
		}
	})

	var port int
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}

	return protocol.SessionDescriptor{
		StructVersion:  protocol.DescriptorVersion,
		Name:           s.cfg.SessionName,
		MaxPlayers:     int32(s.dir.MaxPlayers()),
		CurrentPlayers: int32(current),
		MapName:        s.cfg.MapName,
		HostName:       s.cfg.Name,
		VersionString:  s.cfg.VersionString,
		ModList:        s.cfg.ModList,
		VersionMajor:   s.cfg.Version.Major,
		VersionMinor:   s.cfg.Version.Minor,
		Private:        s.password != "",
		Spectators:     uint32(s.dir.Layout().SpectatorSlots),
		GamePort:       uint32(port),
	}
}

// Descriptor is what the session currently advertises.
func (s *Session) Descriptor() protocol.SessionDescriptor { return s.desc }

// Lobby is the lobby registration, nil when the session is not listed.
func (s *Session) Lobby() *lobbyclient.Registrar { return s.registrar }

func (s *Session) maintainDescriptor(now time.Time) {
	if s.descDirty {
		s.descDirty = false
		s.desc = s.buildDescriptor()
		if s.registrar != nil {
			s.registrar.Update(s.desc)
		}
	}
	if s.registrar != nil {
		s.registrar.Tick(now)
	}
}
