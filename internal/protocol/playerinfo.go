package protocol

import (
	"encoding"
	"fmt"
)

// ControllerKind says who drives a slot. Bot slots carry the bot index in
// PlayerInfoEntry.Bot.
type ControllerKind uint8

const (
	ControllerOpen ControllerKind = iota
	ControllerClosed
	ControllerHuman
	ControllerBot
)

// PlayerInfoEntry is the replicated view of one slot. Address and identity
// stay on the host.
type PlayerInfoEntry struct {
	Index       uint32
	Allocated   bool
	Heartbeat   bool
	Kick        bool
	Name        string
	Colour      int32
	Position    int32
	Team        int32
	Ready       bool
	Controller  ControllerKind
	Bot         int8
	Difficulty  int8
	Faction     uint8
	IsSpectator bool
	IsAdmin     bool
}

func (p *PlayerInfoEntry) encode(e *Encoder) {
	e.Uint32(p.Index)
	e.Bool(p.Allocated)
	e.Bool(p.Heartbeat)
	e.Bool(p.Kick)
	e.String(p.Name, MaxNameSize)
	e.Int32(p.Colour)
	e.Int32(p.Position)
	e.Int32(p.Team)
	e.Bool(p.Ready)
	e.Uint8(uint8(p.Controller))
	e.Int8(p.Bot)
	e.Int8(p.Difficulty)
	e.Uint8(p.Faction)
	e.Bool(p.IsSpectator)
	e.Bool(p.IsAdmin)
}

func (p *PlayerInfoEntry) decode(d *Decoder) {
	p.Index = d.Uint32()
	p.Allocated = d.Bool()
	p.Heartbeat = d.Bool()
	p.Kick = d.Bool()
	p.Name = d.String(MaxNameSize)
	p.Colour = d.Int32()
	p.Position = d.Int32()
	p.Team = d.Int32()
	p.Ready = d.Bool()
	p.Controller = ControllerKind(d.Uint8())
	p.Bot = d.Int8()
	p.Difficulty = d.Int8()
	p.Faction = d.Uint8()
	p.IsSpectator = d.Bool()
	p.IsAdmin = d.Bool()
}

// MaxPlayerInfoEntries bounds one PLAYER_INFO message.
const MaxPlayerInfoEntries = 64

// PlayerInfo carries one or more slot entries.
type PlayerInfo struct {
	Entries []PlayerInfoEntry
}

var (
	_ encoding.BinaryMarshaler   = (*PlayerInfo)(nil)
	_ encoding.BinaryUnmarshaler = (*PlayerInfo)(nil)
)

func (p *PlayerInfo) MarshalBinary() ([]byte, error) {
	if len(p.Entries) > MaxPlayerInfoEntries {
		return nil, fmt.Errorf("%d entries > %d: %w", len(p.Entries), MaxPlayerInfoEntries, ErrTooLong)
	}
	var e Encoder
	e.Uint32(uint32(len(p.Entries)))
	for i := range p.Entries {
		p.Entries[i].encode(&e)
	}
	return e.Data()
}

func (p *PlayerInfo) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	n := d.Uint32()
	if d.Err() == nil && n > MaxPlayerInfoEntries {
		return fmt.Errorf("%d entries > %d: %w", n, MaxPlayerInfoEntries, ErrTooLong)
	}
	p.Entries = make([]PlayerInfoEntry, n)
	for i := range p.Entries {
		p.Entries[i].decode(d)
	}
	return finish(d)
}
