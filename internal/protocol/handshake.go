package protocol

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/blukai/netplay/internal/byteorder"
)

const (
	// VersionSize is what a joining client writes first, uncompressed.
	VersionSize = 8
	// ErrorCodeSize is the host's uncompressed answer to it.
	ErrorCodeSize = 4
	// AliveCheckReplySize is the host's answer to the alive-check sentinel.
	AliveCheckReplySize = 8
)

// Version is a pair of big-endian u32 numbers.
type Version struct {
	Major uint32
	Minor uint32
}

// AliveCheck is the reserved version pair used by lobby servers to probe a
// host port without consuming a slot.
var AliveCheck = Version{}

var (
	_ encoding.BinaryMarshaler   = (*Version)(nil)
	_ encoding.BinaryUnmarshaler = (*Version)(nil)
)

func (v Version) IsAliveCheck() bool {
	return v == AliveCheck
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v *Version) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, VersionSize)
	buf = append(buf, byteorder.Htonl(v.Major)...)
	buf = append(buf, byteorder.Htonl(v.Minor)...)
	return buf, nil
}

func (v *Version) UnmarshalBinary(data []byte) error {
	if len(data) != VersionSize {
		return fmt.Errorf("version is %d bytes: %w", len(data), ErrShortRead)
	}
	v.Major = byteorder.Ntohl(data[0:4])
	v.Minor = byteorder.Ntohl(data[4:8])
	return nil
}

func AppendErrorCode(dst []byte, code ErrorCode) []byte {
	return append(dst, byteorder.Htonl(uint32(code))...)
}

func ParseErrorCode(data []byte) (ErrorCode, error) {
	if len(data) != ErrorCodeSize {
		return 0, fmt.Errorf("error code is %d bytes: %w", len(data), ErrShortRead)
	}
	return ErrorCode(byteorder.Ntohl(data)), nil
}

// AliveCheckReply answers AliveCheck: a zero code followed by the session id.
type AliveCheckReply struct {
	SessionID uint32
}

func (a *AliveCheckReply) MarshalBinary() ([]byte, error) {
	buf := AppendErrorCode(make([]byte, 0, AliveCheckReplySize), NoError)
	return append(buf, byteorder.Htonl(a.SessionID)...), nil
}

var errNotAlive = errors.New("alive-check reply carries an error code")

func (a *AliveCheckReply) UnmarshalBinary(data []byte) error {
	if len(data) != AliveCheckReplySize {
		return fmt.Errorf("alive-check reply is %d bytes: %w", len(data), ErrShortRead)
	}
	if byteorder.Ntohl(data[0:4]) != uint32(NoError) {
		return errNotAlive
	}
	a.SessionID = byteorder.Ntohl(data[4:8])
	return nil
}
