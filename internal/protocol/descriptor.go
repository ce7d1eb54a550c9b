package protocol

import (
	"encoding"
	"fmt"
	"io"

	"github.com/blukai/netplay/internal/byteorder"
)

// Field sizes of the session descriptor record. The record is shared with
// lobby servers and older peers; sizes and order are fixed.
const (
	DescriptorVersion = 3
	DescriptorSize    = 814

	descNameSize          = 64
	descHostSize          = 40
	descUserFlags         = 4
	descSecondaryHosts    = 2
	descExtraSize         = 159
	descMapNameSize       = 40
	descHostNameSize      = 40
	descVersionStringSize = 64
	descModListSize       = 255
)

// SessionDescriptor is what a host advertises about itself.
type SessionDescriptor struct {
	StructVersion  uint32
	Name           string
	Size           int32
	Flags          int32
	Host           string
	MaxPlayers     int32
	CurrentPlayers int32
	UserFlags      [descUserFlags]int32
	SecondaryHosts [descSecondaryHosts]string
	Extra          string
	MapName        string
	HostName       string
	VersionString  string
	ModList        string
	VersionMajor   uint32
	VersionMinor   uint32
	Private        bool
	Pure           bool
	Mods           uint32
	GameID         uint32
	Limits         uint32
	// Spectators is the number of spectator slots; older peers know the
	// field as future3.
	Spectators uint32
	// GamePort is the port the host accepts joiners on (future4).
	GamePort uint32
}

var (
	_ encoding.BinaryMarshaler   = (*SessionDescriptor)(nil)
	_ encoding.BinaryUnmarshaler = (*SessionDescriptor)(nil)
)

// descWriter fills a fixed size buffer front to back.
type descWriter struct {
	buf []byte
	pos int
}

func (w *descWriter) u32(v uint32) {
	copy(w.buf[w.pos:], byteorder.Htonl(v))
	w.pos += 4
}

func (w *descWriter) i32(v int32) { w.u32(uint32(v)) }

func (w *descWriter) str(s string, size int) {
	byteorder.PutFixedString(w.buf[w.pos:w.pos+size], s)
	w.pos += size
}

func (w *descWriter) flag(b bool) {
	if b {
		w.u32(1)
	} else {
		w.u32(0)
	}
}

type descReader struct {
	buf []byte
	pos int
}

func (r *descReader) u32() uint32 {
	v := byteorder.Ntohl(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *descReader) i32() int32 { return int32(r.u32()) }

func (r *descReader) str(size int) string {
	s := byteorder.FixedString(r.buf[r.pos : r.pos+size])
	r.pos += size
	return s
}

func (d *SessionDescriptor) MarshalBinary() ([]byte, error) {
	w := descWriter{buf: make([]byte, DescriptorSize)}
	w.u32(d.StructVersion)
	w.str(d.Name, descNameSize)
	w.i32(d.Size)
	w.i32(d.Flags)
	w.str(d.Host, descHostSize)
	w.i32(d.MaxPlayers)
	w.i32(d.CurrentPlayers)
	for _, f := range d.UserFlags {
		w.i32(f)
	}
	for _, h := range d.SecondaryHosts {
		w.str(h, descHostSize)
	}
	w.str(d.Extra, descExtraSize)
	w.str(d.MapName, descMapNameSize)
	w.str(d.HostName, descHostNameSize)
	w.str(d.VersionString, descVersionStringSize)
	w.str(d.ModList, descModListSize)
	w.u32(d.VersionMajor)
	w.u32(d.VersionMinor)
	w.flag(d.Private)
	w.flag(d.Pure)
	w.u32(d.Mods)
	w.u32(d.GameID)
	w.u32(d.Limits)
	w.u32(d.Spectators)
	w.u32(d.GamePort)
	if w.pos != DescriptorSize {
		return nil, fmt.Errorf("descriptor layout is %d bytes, want %d", w.pos, DescriptorSize)
	}
	return w.buf, nil
}

func (d *SessionDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) != DescriptorSize {
		return fmt.Errorf("descriptor is %d bytes, want %d: %w", len(data), DescriptorSize, ErrShortRead)
	}
	r := descReader{buf: data}
	d.StructVersion = r.u32()
	d.Name = r.str(descNameSize)
	d.Size = r.i32()
	d.Flags = r.i32()
	d.Host = r.str(descHostSize)
	d.MaxPlayers = r.i32()
	d.CurrentPlayers = r.i32()
	for i := range d.UserFlags {
		d.UserFlags[i] = r.i32()
	}
	for i := range d.SecondaryHosts {
		d.SecondaryHosts[i] = r.str(descHostSize)
	}
	d.Extra = r.str(descExtraSize)
	d.MapName = r.str(descMapNameSize)
	d.HostName = r.str(descHostNameSize)
	d.VersionString = r.str(descVersionStringSize)
	d.ModList = r.str(descModListSize)
	d.VersionMajor = r.u32()
	d.VersionMinor = r.u32()
	d.Private = r.u32() != 0
	d.Pure = r.u32() != 0
	d.Mods = r.u32()
	d.GameID = r.u32()
	d.Limits = r.u32()
	d.Spectators = r.u32()
	d.GamePort = r.u32()
	return nil
}

func ReadSessionDescriptor(r io.Reader) (SessionDescriptor, error) {
	buf := make([]byte, DescriptorSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return SessionDescriptor{}, fmt.Errorf("could not read descriptor: %w", err)
	}
	var d SessionDescriptor
	err := d.UnmarshalBinary(buf)
	return d, err
}
