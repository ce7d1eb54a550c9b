package protocol

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/blukai/netplay/internal/byteorder"
	"github.com/blukai/netplay/internal/debug"
	"github.com/blukai/netplay/internal/zigzag"
)

const (
	// BufferSize is how much is read from a socket in one go.
	BufferSize = 16 << 10
	// MaxMessageSize bounds a single framed payload. File chunks are the
	// largest regular message and stay far below it.
	MaxMessageSize = 64 << 10
	// ChallengeSize is the size of the nonce carried by the join PING.
	ChallengeSize = 128

	MaxNameSize     = 64
	MaxModListSize  = 255
	MaxPasswordSize = 64
	MaxReasonSize   = 2048
	MaxIdentitySize = 64
	MaxSigSize      = 128

	// AllPlayers addresses every player in a relayed message.
	AllPlayers uint8 = 255
)

type MsgType uint8

const (
	_ MsgType = iota
	// MsgPing carries the join challenge while a connection is pending and
	// heartbeats once it is established.
	MsgPing
	MsgJoin
	MsgAccepted
	MsgRejected
	MsgPlayerInfo
	MsgPlayerJoined
	MsgPlayerLeaving
	MsgPlayerDropped
	MsgPlayerSwapIndex
	MsgPlayerSwapIndexAck
	MsgGameFlags
	MsgFileRequested
	MsgFilePayload
	MsgFileCancelled
	MsgSendToPlayer
	MsgKick
	MsgHostDropped

	MsgSystemMax
)

// GameMin is the first type owned by the layers above. This package never
// looks inside those payloads.
const GameMin MsgType = 64

var msgTypeNames = [...]string{
	MsgPing:               "PING",
	MsgJoin:               "JOIN",
	MsgAccepted:           "ACCEPTED",
	MsgRejected:           "REJECTED",
	MsgPlayerInfo:         "PLAYER_INFO",
	MsgPlayerJoined:       "PLAYER_JOINED",
	MsgPlayerLeaving:      "PLAYER_LEAVING",
	MsgPlayerDropped:      "PLAYER_DROPPED",
	MsgPlayerSwapIndex:    "PLAYER_SWAP_INDEX",
	MsgPlayerSwapIndexAck: "PLAYER_SWAP_INDEX_ACK",
	MsgGameFlags:          "GAME_FLAGS",
	MsgFileRequested:      "FILE_REQUESTED",
	MsgFilePayload:        "FILE_PAYLOAD",
	MsgFileCancelled:      "FILE_CANCELLED",
	MsgSendToPlayer:       "SEND_TO_PLAYER",
	MsgKick:               "KICK",
	MsgHostDropped:        "HOST_DROPPED",
}

func (t MsgType) String() string {
	if int(t) < len(msgTypeNames) && msgTypeNames[t] != "" {
		return msgTypeNames[t]
	}
	if t >= GameMin {
		return fmt.Sprintf("GAME(%d)", uint8(t))
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

func (t MsgType) IsSystem() bool {
	return t > 0 && t < MsgSystemMax
}

var (
	ErrShortRead       = errors.New("short read")
	ErrTooLong         = errors.New("field too long")
	ErrMessageTooLarge = errors.New("message too large")
)

// Message is a typed payload. On the wire it is framed as
//
//	type:u8 | length:uvarint | payload
type Message struct {
	Type    MsgType
	Payload []byte
}

var _ encoding.BinaryMarshaler = (*Message)(nil)

// NewMessage marshals body (which may be nil for payload-less messages).
func NewMessage(typ MsgType, body encoding.BinaryMarshaler) (Message, error) {
	msg := Message{Type: typ}
	if body == nil {
		return msg, nil
	}
	payload, err := body.MarshalBinary()
	if err != nil {
		return Message{}, fmt.Errorf("could not marshal %s body: %w", typ, err)
	}
	if len(payload) > MaxMessageSize {
		return Message{}, fmt.Errorf("%s body: %w", typ, ErrMessageTooLarge)
	}
	msg.Payload = payload
	return msg, nil
}

// MustMessage is NewMessage for bodies whose encoding cannot fail.
func MustMessage(typ MsgType, body encoding.BinaryMarshaler) Message {
	msg, err := NewMessage(typ, body)
	debug.Assert(err == nil, fmt.Sprintf("%v", err))
	return msg
}

func (m *Message) Decode(body encoding.BinaryUnmarshaler) error {
	if err := body.UnmarshalBinary(m.Payload); err != nil {
		return fmt.Errorf("could not unmarshal %s body: %w", m.Type, err)
	}
	return nil
}

func (m *Message) MarshalBinary() ([]byte, error) {
	return AppendFrame(nil, *m), nil
}

func AppendFrame(dst []byte, m Message) []byte {
	dst = append(dst, byte(m.Type))
	dst = binary.AppendUvarint(dst, uint64(len(m.Payload)))
	return append(dst, m.Payload...)
}

// ParseMessage reads one frame from the front of data. It returns n == 0
// and a nil error when data does not hold a complete frame yet; this is a
// byte stream and frames arrive in pieces.
func ParseMessage(data []byte) (msg Message, n int, err error) {
	if len(data) < 2 {
		return Message{}, 0, nil
	}
	length, lenLen := binary.Uvarint(data[1:])
	if lenLen == 0 {
		return Message{}, 0, nil
	}
	if lenLen < 0 || length > MaxMessageSize {
		return Message{}, 0, ErrMessageTooLarge
	}
	total := 1 + lenLen + int(length)
	if len(data) < total {
		return Message{}, 0, nil
	}
	payload := make([]byte, length)
	copy(payload, data[1+lenLen:total])
	return Message{Type: MsgType(data[0]), Payload: payload}, total, nil
}

// Encoder writes message bodies: fixed width big-endian integers, zig-zag
// mapped signed integers, u16-prefixed strings and u32-prefixed blobs.
type Encoder struct {
	buf bytes.Buffer
	err error
}

func (e *Encoder) Uint8(v uint8) { e.buf.WriteByte(v) }

func (e *Encoder) Bool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

func (e *Encoder) Int8(v int8) { e.buf.WriteByte(zigzag.Encode8(v)) }

func (e *Encoder) Uint16(v uint16) { e.buf.Write(byteorder.Htons(v)) }

func (e *Encoder) Uint32(v uint32) { e.buf.Write(byteorder.Htonl(v)) }

func (e *Encoder) Int32(v int32) { e.buf.Write(byteorder.Htonl(zigzag.Encode32(v))) }

// String truncates s to max bytes.
func (e *Encoder) String(s string, max int) {
	s = Truncate(s, max)
	e.Uint16(uint16(len(s)))
	e.buf.WriteString(s)
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (e *Encoder) Bytes(b []byte, max int) {
	if len(b) > max {
		e.err = fmt.Errorf("%d > %d: %w", len(b), max, ErrTooLong)
		return
	}
	e.Uint32(uint32(len(b)))
	e.buf.Write(b)
}

// Raw writes b as is; the reader must know its length.
func (e *Encoder) Raw(b []byte) { e.buf.Write(b) }

func (e *Encoder) Data() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf.Bytes(), nil
}

// Decoder is the reading side of Encoder. The first failure sticks and every
// later read returns a zero value, so a body is decoded top to bottom and
// checked once with Err.
type Decoder struct {
	data []byte
	pos  int
	err  error
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.data)-d.pos < n {
		d.err = ErrShortRead
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) Uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Bool() bool { return d.Uint8() != 0 }

func (d *Decoder) Int8() int8 { return zigzag.Decode8(d.Uint8()) }

func (d *Decoder) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return byteorder.Ntohs(b)
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return byteorder.Ntohl(b)
}

func (d *Decoder) Int32() int32 { return zigzag.Decode32(d.Uint32()) }

func (d *Decoder) String(max int) string {
	n := int(d.Uint16())
	if d.err == nil && n > max {
		d.err = fmt.Errorf("string %d > %d: %w", n, max, ErrTooLong)
	}
	return string(d.take(n))
}

func (d *Decoder) Bytes(max int) []byte {
	n := int(d.Uint32())
	if d.err == nil && n > max {
		d.err = fmt.Errorf("blob %d > %d: %w", n, max, ErrTooLong)
	}
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *Decoder) Raw(n int) []byte { return d.take(n) }

func (d *Decoder) Remaining() int { return len(d.data) - d.pos }

func (d *Decoder) Err() error { return d.err }
