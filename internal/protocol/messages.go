package protocol

import (
	"encoding"
	"fmt"
)

// compile time checks; every body is both a marshaler and an unmarshaler.
var (
	_ encoding.BinaryMarshaler   = (*PingChallenge)(nil)
	_ encoding.BinaryUnmarshaler = (*PingChallenge)(nil)
	_ encoding.BinaryMarshaler   = (*Heartbeat)(nil)
	_ encoding.BinaryUnmarshaler = (*Heartbeat)(nil)
	_ encoding.BinaryMarshaler   = (*Join)(nil)
	_ encoding.BinaryUnmarshaler = (*Join)(nil)
	_ encoding.BinaryMarshaler   = (*Accepted)(nil)
	_ encoding.BinaryUnmarshaler = (*Accepted)(nil)
	_ encoding.BinaryMarshaler   = (*Rejected)(nil)
	_ encoding.BinaryUnmarshaler = (*Rejected)(nil)
	_ encoding.BinaryMarshaler   = (*PlayerIndex)(nil)
	_ encoding.BinaryUnmarshaler = (*PlayerIndex)(nil)
	_ encoding.BinaryMarshaler   = (*PlayerLeaving)(nil)
	_ encoding.BinaryUnmarshaler = (*PlayerLeaving)(nil)
	_ encoding.BinaryMarshaler   = (*SwapIndex)(nil)
	_ encoding.BinaryUnmarshaler = (*SwapIndex)(nil)
	_ encoding.BinaryMarshaler   = (*GameFlags)(nil)
	_ encoding.BinaryUnmarshaler = (*GameFlags)(nil)
	_ encoding.BinaryMarshaler   = (*FileRequest)(nil)
	_ encoding.BinaryUnmarshaler = (*FileRequest)(nil)
	_ encoding.BinaryMarshaler   = (*FilePayload)(nil)
	_ encoding.BinaryUnmarshaler = (*FilePayload)(nil)
	_ encoding.BinaryMarshaler   = (*FileCancel)(nil)
	_ encoding.BinaryUnmarshaler = (*FileCancel)(nil)
	_ encoding.BinaryMarshaler   = (*SendToPlayer)(nil)
	_ encoding.BinaryUnmarshaler = (*SendToPlayer)(nil)
	_ encoding.BinaryMarshaler   = (*Kick)(nil)
	_ encoding.BinaryUnmarshaler = (*Kick)(nil)
)

// finish fails decoding of bodies with trailing garbage.
func finish(d *Decoder) error {
	if err := d.Err(); err != nil {
		return err
	}
	if d.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes", d.Remaining())
	}
	return nil
}

// ----

// PingChallenge is the first message a pending connection receives after
// the version handshake. The joiner signs Challenge with its identity key.
type PingChallenge struct {
	Challenge []byte
}

func (p *PingChallenge) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Bytes(p.Challenge, ChallengeSize)
	return e.Data()
}

func (p *PingChallenge) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	p.Challenge = d.Bytes(ChallengeSize)
	if err := finish(d); err != nil {
		return err
	}
	if len(p.Challenge) != ChallengeSize {
		return fmt.Errorf("challenge is %d bytes, want %d", len(p.Challenge), ChallengeSize)
	}
	return nil
}

// ----

// Heartbeat is the post-join PING. The receiver echoes it back with Response
// set; the round trip feeds the ping history.
type Heartbeat struct {
	Seq      uint32
	Response bool
}

func (h *Heartbeat) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Uint32(h.Seq)
	e.Bool(h.Response)
	return e.Data()
}

func (h *Heartbeat) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	h.Seq = d.Uint32()
	h.Response = d.Bool()
	return finish(d)
}

// ----

type Role uint8

const (
	RolePlayer Role = iota
	RoleSpectator
)

func (r Role) String() string {
	if r == RoleSpectator {
		return "spectator"
	}
	return "player"
}

type Join struct {
	Name      string
	ModList   string
	Password  string
	Role      Role
	Identity  []byte
	Signature []byte
}

func (j *Join) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.String(j.Name, MaxNameSize)
	e.String(j.ModList, MaxModListSize)
	e.String(j.Password, MaxPasswordSize)
	e.Uint8(uint8(j.Role))
	e.Bytes(j.Identity, MaxIdentitySize)
	e.Bytes(j.Signature, MaxSigSize)
	return e.Data()
}

func (j *Join) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	j.Name = d.String(MaxNameSize)
	j.ModList = d.String(MaxModListSize)
	j.Password = d.String(MaxPasswordSize)
	j.Role = Role(d.Uint8())
	j.Identity = d.Bytes(MaxIdentitySize)
	j.Signature = d.Bytes(MaxSigSize)
	if err := finish(d); err != nil {
		return err
	}
	if j.Role > RoleSpectator {
		return fmt.Errorf("invalid role %d", j.Role)
	}
	return nil
}

// ----

type Accepted struct {
	Index      uint8
	HostPlayer uint32
}

func (a *Accepted) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Uint8(a.Index)
	e.Uint32(a.HostPlayer)
	return e.Data()
}

func (a *Accepted) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	a.Index = d.Uint8()
	a.HostPlayer = d.Uint32()
	return finish(d)
}

// ----

type Rejected struct {
	Code   ErrorCode
	Reason string
}

func (r *Rejected) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Uint8(uint8(r.Code))
	e.String(r.Reason, MaxReasonSize)
	return e.Data()
}

func (r *Rejected) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	r.Code = ErrorCode(d.Uint8())
	r.Reason = d.String(MaxReasonSize)
	return finish(d)
}

// Text is what a user should see: the host's reason verbatim when present,
// the canned message for the code otherwise.
func (r *Rejected) Text() string {
	if r.Reason != "" {
		return r.Reason
	}
	return r.Code.Message()
}

// ----

// PlayerIndex is the body of PLAYER_JOINED and PLAYER_DROPPED.
type PlayerIndex struct {
	Index uint32
}

func (p *PlayerIndex) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Uint32(p.Index)
	return e.Data()
}

func (p *PlayerIndex) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	p.Index = d.Uint32()
	return finish(d)
}

// ----

type PlayerLeaving struct {
	Index uint32
	// Host is set when the leaving participant is the host itself.
	Host bool
}

func (p *PlayerLeaving) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Uint32(p.Index)
	e.Bool(p.Host)
	return e.Data()
}

func (p *PlayerLeaving) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	p.Index = d.Uint32()
	p.Host = d.Bool()
	return finish(d)
}

// ----

// SwapIndex is the body of both PLAYER_SWAP_INDEX and its acknowledgment.
type SwapIndex struct {
	A, B uint32
}

func (s *SwapIndex) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Uint32(s.A)
	e.Uint32(s.B)
	return e.Data()
}

func (s *SwapIndex) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	s.A = d.Uint32()
	s.B = d.Uint32()
	return finish(d)
}

// ----

const GameFlagCount = 4

type GameFlags struct {
	Flags [GameFlagCount]int32
}

func (g *GameFlags) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Uint8(GameFlagCount)
	for _, f := range g.Flags {
		e.Int32(f)
	}
	return e.Data()
}

func (g *GameFlags) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	n := int(d.Uint8())
	if d.Err() == nil && n > GameFlagCount {
		return fmt.Errorf("%d game flags > %d", n, GameFlagCount)
	}
	g.Flags = [GameFlagCount]int32{}
	for i := 0; i < n; i++ {
		g.Flags[i] = d.Int32()
	}
	return finish(d)
}

// ----

const HashSize = 32

// Hash identifies an asset by its content.
type Hash [HashSize]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:8])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

type FileRequest struct {
	Hash Hash
}

func (f *FileRequest) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Raw(f.Hash[:])
	return e.Data()
}

func (f *FileRequest) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	copy(f.Hash[:], d.Raw(HashSize))
	return finish(d)
}

// ----

// FilePayload is one chunk of an asset. Data carries the chunk length.
type FilePayload struct {
	Hash      Hash
	TotalSize uint32
	Offset    uint32
	Data      []byte
}

const MaxChunkSize = 2048

func (f *FilePayload) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Raw(f.Hash[:])
	e.Uint32(f.TotalSize)
	e.Uint32(f.Offset)
	e.Bytes(f.Data, MaxChunkSize)
	return e.Data()
}

func (f *FilePayload) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	copy(f.Hash[:], d.Raw(HashSize))
	f.TotalSize = d.Uint32()
	f.Offset = d.Uint32()
	f.Data = d.Bytes(MaxChunkSize)
	return finish(d)
}

// ----

type CancelReason uint8

const (
	CancelUnknown CancelReason = iota
	CancelByReceiver
	CancelNotFound
	CancelMismatch
)

type FileCancel struct {
	Hash   Hash
	Reason CancelReason
}

func (f *FileCancel) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Raw(f.Hash[:])
	e.Uint8(uint8(f.Reason))
	return e.Data()
}

func (f *FileCancel) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	copy(f.Hash[:], d.Raw(HashSize))
	f.Reason = CancelReason(d.Uint8())
	return finish(d)
}

// ----

// SendToPlayer is the relay envelope non-host peers use to reach each other
// through the host. Receiver may be AllPlayers.
type SendToPlayer struct {
	Sender   uint8
	Receiver uint8
	Inner    Message
}

func (s *SendToPlayer) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Uint8(s.Sender)
	e.Uint8(s.Receiver)
	e.Raw(AppendFrame(nil, s.Inner))
	return e.Data()
}

func (s *SendToPlayer) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	s.Sender = d.Uint8()
	s.Receiver = d.Uint8()
	if err := d.Err(); err != nil {
		return err
	}
	rest := d.Raw(d.Remaining())
	msg, n, err := ParseMessage(rest)
	if err != nil {
		return err
	}
	if n == 0 || n != len(rest) {
		return fmt.Errorf("relayed message is %d bytes, frame is %d", len(rest), n)
	}
	s.Inner = msg
	return nil
}

// ----

type Kick struct {
	Index  uint32
	Code   ErrorCode
	Reason string
}

func (k *Kick) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Uint32(k.Index)
	e.Uint32(uint32(k.Code))
	e.String(k.Reason, MaxReasonSize)
	return e.Data()
}

func (k *Kick) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	k.Index = d.Uint32()
	k.Code = ErrorCode(d.Uint32())
	k.Reason = d.String(MaxReasonSize)
	return finish(d)
}
