// Package slots is the table of player and spectator seats in a session.
//
// Indices below Layout.PlayerSlots can hold players; indices above are
// spectator only. Position, team, colour and the spectator flag belong to
// the index. Everything else belongs to whoever sits in it, and moves with
// them on a swap.
package slots

import (
	"errors"
	"fmt"
	"time"

	"github.com/blukai/netplay/internal/protocol"
)

var (
	ErrOutOfRange       = errors.New("slot index out of range")
	ErrNoSlot           = errors.New("no free slot")
	ErrNotAuthoritative = errors.New("directory is a replica")
	ErrOccupied         = errors.New("slot is occupied")
)

// Controller is who drives a slot.
type Controller struct {
	Kind protocol.ControllerKind
	// Bot is the bot script index when Kind is ControllerBot.
	Bot int8
}

var (
	Open   = Controller{Kind: protocol.ControllerOpen}
	Closed = Controller{Kind: protocol.ControllerClosed}
	Human  = Controller{Kind: protocol.ControllerHuman}
)

func Bot(index int8) Controller {
	return Controller{Kind: protocol.ControllerBot, Bot: index}
}

func (c Controller) String() string {
	switch c.Kind {
	case protocol.ControllerOpen:
		return "open"
	case protocol.ControllerClosed:
		return "closed"
	case protocol.ControllerHuman:
		return "human"
	case protocol.ControllerBot:
		return fmt.Sprintf("bot(%d)", c.Bot)
	default:
		return fmt.Sprintf("controller(%d)", c.Kind)
	}
}

// Download is the asset transfer state of a participant.
type Download struct {
	Active  bool
	Percent uint8
}

type Slot struct {
	Allocated   bool
	IsSpectator bool
	Controller  Controller
	Difficulty  int8
	Team        int32
	Position    int32
	Colour      int32
	Faction     uint8
	Name        string
	IPAddress   string
	// Identity is the base64 public key of the participant.
	Identity string
	Ready    bool

	Heartbeat bool
	// HeartbeatFailSince is zero while the heartbeat is fine.
	HeartbeatFailSince time.Time
	Kick               bool
	IsAdmin            bool
	Download           Download
}

type Layout struct {
	PlayerSlots    int
	SpectatorSlots int
	// Reserved indices are never handed out, e.g. the scavenger seat.
	Reserved []int
}

func (l Layout) Len() int {
	return l.PlayerSlots + l.SpectatorSlots
}

func (l Layout) IsSpectatorOnly(i int) bool {
	return i >= l.PlayerSlots
}

func (l Layout) IsReserved(i int) bool {
	for _, r := range l.Reserved {
		if r == i {
			return true
		}
	}
	return false
}
