package slots

import (
	"github.com/blukai/netplay/internal/protocol"
)

// Info is the replicated view of slot i. The address and identity of the
// occupant are not part of it.
func (d *Directory) Info(i int) (protocol.PlayerInfoEntry, error) {
	if err := d.check(i); err != nil {
		return protocol.PlayerInfoEntry{}, err
	}
	s := d.slots[i]
	return protocol.PlayerInfoEntry{
		Index:       uint32(i),
		Allocated:   s.Allocated,
		Heartbeat:   s.Heartbeat,
		Kick:        s.Kick,
		Name:        s.Name,
		Colour:      s.Colour,
		Position:    s.Position,
		Team:        s.Team,
		Ready:       s.Ready,
		Controller:  s.Controller.Kind,
		Bot:         s.Controller.Bot,
		Difficulty:  s.Difficulty,
		Faction:     s.Faction,
		IsSpectator: s.IsSpectator,
		IsAdmin:     s.IsAdmin,
	}, nil
}

// InfoAll is Info for every slot, in index order.
func (d *Directory) InfoAll() []protocol.PlayerInfoEntry {
	out := make([]protocol.PlayerInfoEntry, 0, len(d.slots))
	for i := range d.slots {
		entry, _ := d.Info(i)
		out = append(out, entry)
	}
	return out
}

// Apply overwrites a slot with a host broadcast. Only replicas take this
// path; a host builds its table itself.
func (d *Directory) Apply(entry protocol.PlayerInfoEntry) error {
	if d.authoritative {
		return ErrNotAuthoritative
	}
	i := int(entry.Index)
	if err := d.check(i); err != nil {
		return err
	}

	s := &d.slots[i]
	if s.Allocated != entry.Allocated {
		if entry.Allocated {
			d.occupancy++
		} else {
			d.occupancy--
		}
	}

	s.Allocated = entry.Allocated
	s.Heartbeat = entry.Heartbeat
	s.Kick = entry.Kick
	s.Name = entry.Name
	s.Colour = entry.Colour
	s.Position = entry.Position
	s.Team = entry.Team
	s.Ready = entry.Ready
	s.Controller = Controller{Kind: entry.Controller, Bot: entry.Bot}
	s.Difficulty = entry.Difficulty
	s.Faction = entry.Faction
	s.IsSpectator = entry.IsSpectator
	s.IsAdmin = entry.IsAdmin
	if !s.Allocated {
		s.IPAddress = ""
		s.Identity = ""
	}
	return nil
}
