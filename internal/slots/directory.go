package slots

import (
	"fmt"
	"strings"

	"github.com/blukai/netplay/internal/debug"
	"github.com/blukai/netplay/internal/protocol"
)

// Directory owns the slot table. On a host it is authoritative; on everyone
// else it is a replica that changes only through host broadcasts, plus the
// drop and swap notices that are applied locally.
type Directory struct {
	layout        Layout
	slots         []Slot
	authoritative bool
	occupancy     int
	maxPlayers    int
}

func NewDirectory(layout Layout, authoritative bool) *Directory {
	debug.Assert(layout.PlayerSlots > 0, "no player slots")
	debug.Assert(layout.Len() <= protocol.MaxPlayerInfoEntries, "too many slots")

	d := &Directory{
		layout:        layout,
		slots:         make([]Slot, layout.Len()),
		authoritative: authoritative,
		maxPlayers:    layout.PlayerSlots,
	}
	for i := range d.slots {
		d.slots[i] = d.defaults(i)
	}
	return d
}

func (d *Directory) defaults(i int) Slot {
	return Slot{
		IsSpectator: d.layout.IsSpectatorOnly(i),
		Controller:  Open,
		Team:        int32(i),
		Position:    int32(i),
		Colour:      int32(i),
		Heartbeat:   true,
	}
}

// clearOccupant resets everything that belongs to a participant and keeps
// what belongs to the index.
func clearOccupant(s *Slot) {
	*s = Slot{
		IsSpectator: s.IsSpectator,
		Controller:  Open,
		Team:        s.Team,
		Position:    s.Position,
		Colour:      s.Colour,
		Heartbeat:   true,
	}
}

func (d *Directory) check(i int) error {
	if i < 0 || i >= len(d.slots) {
		return fmt.Errorf("%d: %w", i, ErrOutOfRange)
	}
	return nil
}

func (d *Directory) Layout() Layout { return d.layout }
func (d *Directory) Len() int { return len(d.slots) }
func (d *Directory) Authoritative() bool { return d.authoritative }
func (d *Directory) Occupancy() int { return d.occupancy }
func (d *Directory) MaxPlayers() int { return d.maxPlayers }

func (d *Directory) SetMaxPlayers(n int) error {
	if n < 1 || n > d.layout.PlayerSlots {
		return fmt.Errorf("max players %d: %w", n, ErrOutOfRange)
	}
	d.maxPlayers = n
	return nil
}

// Slot returns a copy of slot i.
func (d *Directory) Slot(i int) (Slot, error) {
	if err := d.check(i); err != nil {
		return Slot{}, err
	}
	return d.slots[i], nil
}

// Update mutates slot i in place. Allocation may not be changed this way.
func (d *Directory) Update(i int, fn func(*Slot)) error {
	if err := d.check(i); err != nil {
		return err
	}
	allocated := d.slots[i].Allocated
	fn(&d.slots[i])
	debug.Assert(d.slots[i].Allocated == allocated, "allocation changed through Update")
	return nil
}

// Each calls fn for every slot in index order.
func (d *Directory) Each(fn func(i int, s Slot)) {
	for i, s := range d.slots {
		fn(i, s)
	}
}

// PlayerCount counts player seats that are taken, either by a participant
// or because the host closed them or gave them to a bot.
func (d *Directory) PlayerCount() int {
	n := 0
	for i := 0; i < d.maxPlayers; i++ {
		s := d.slots[i]
		if s.Allocated || s.Controller.Kind != protocol.ControllerOpen {
			n++
		}
	}
	return n
}

// SpectatorCount counts allocated spectator-only seats.
func (d *Directory) SpectatorCount() int {
	n := 0
	for i := d.layout.PlayerSlots; i < len(d.slots); i++ {
		if d.slots[i].Allocated {
			n++
		}
	}
	return n
}

// FindOpenSlotForRole returns the free slot with the lowest position for the
// role, or the lowest free index when forceLowestIndex is set. It returns -1
// when nothing is free.
func (d *Directory) FindOpenSlotForRole(asSpectator, forceLowestIndex bool) int {
	lo, hi := 0, d.maxPlayers
	if asSpectator {
		lo, hi = d.layout.PlayerSlots, len(d.slots)
	}

	best := -1
	for i := lo; i < hi; i++ {
		s := d.slots[i]
		if s.Allocated || s.Controller.Kind != protocol.ControllerOpen || d.layout.IsReserved(i) {
			continue
		}
		if forceLowestIndex {
			return i
		}
		if best < 0 || s.Position < d.slots[best].Position {
			best = i
		}
	}
	return best
}

// CreatePlayer seats a new human participant and returns the index.
func (d *Directory) CreatePlayer(name string, forceLowestIndex, asSpectator bool) (int, error) {
	if !d.authoritative {
		return -1, ErrNotAuthoritative
	}
	i := d.FindOpenSlotForRole(asSpectator, forceLowestIndex)
	if i < 0 {
		return -1, ErrNoSlot
	}

	s := &d.slots[i]
	clearOccupant(s)
	s.Allocated = true
	s.Controller = Human
	s.Name = name
	d.occupancy++

	return i, nil
}

// DestroyPlayer frees slot i. Freeing a free slot does nothing.
func (d *Directory) DestroyPlayer(i int) error {
	if err := d.check(i); err != nil {
		return err
	}
	s := &d.slots[i]
	if !s.Allocated {
		return nil
	}
	clearOccupant(s)
	d.occupancy--
	debug.Assert(d.occupancy >= 0, "negative occupancy")
	return nil
}

// Swap exchanges the occupants of a and b. Both slots keep their position,
// team, colour and spectator flag.
func (d *Directory) Swap(a, b int) error {
	if err := d.check(a); err != nil {
		return err
	}
	if err := d.check(b); err != nil {
		return err
	}
	if a == b {
		return nil
	}

	sa, sb := d.slots[a], d.slots[b]
	na, nb := sb, sa
	na.Position, na.Team, na.Colour, na.IsSpectator = sa.Position, sa.Team, sa.Colour, sa.IsSpectator
	nb.Position, nb.Team, nb.Colour, nb.IsSpectator = sb.Position, sb.Team, sb.Colour, sb.IsSpectator
	d.slots[a], d.slots[b] = na, nb

	return nil
}

// SetController closes a seat, opens it, or gives it to a bot.
func (d *Directory) SetController(i int, c Controller) error {
	if !d.authoritative {
		return ErrNotAuthoritative
	}
	if err := d.check(i); err != nil {
		return err
	}
	if d.slots[i].Allocated {
		return fmt.Errorf("%d: %w", i, ErrOccupied)
	}
	d.slots[i].Controller = c
	return nil
}

// ResetReady clears every ready flag and returns the indices that changed.
func (d *Directory) ResetReady() []int {
	var changed []int
	for i := range d.slots {
		if d.slots[i].Ready {
			d.slots[i].Ready = false
			changed = append(changed, i)
		}
	}
	return changed
}

// FixDuplicateNames renames slot i if another allocated slot already uses
// its name. It reports whether the name changed.
func (d *Directory) FixDuplicateNames(i int) (bool, error) {
	if err := d.check(i); err != nil {
		return false, err
	}
	name := d.slots[i].Name
	if !d.nameTaken(name, i) {
		return false, nil
	}

	base := strings.TrimSpace(name)
	for n := 2; ; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		candidate := protocol.Truncate(base, protocol.MaxNameSize-len(suffix)) + suffix
		if !d.nameTaken(candidate, i) {
			d.slots[i].Name = candidate
			return true, nil
		}
	}
}

func (d *Directory) nameTaken(name string, except int) bool {
	for j, s := range d.slots {
		if j != except && s.Allocated && strings.EqualFold(s.Name, name) {
			return true
		}
	}
	return false
}
