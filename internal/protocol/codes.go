package protocol

import "fmt"

// ErrorCode is the machine readable reason carried by the handshake reply,
// REJECTED and KICK. The numbering is shared with hosts in the wild and must
// not change.
type ErrorCode uint32

const (
	NoError          ErrorCode = 0
	ErrConnection    ErrorCode = 1
	ErrFull          ErrorCode = 2
	ErrCheat         ErrorCode = 3
	ErrKicked        ErrorCode = 4
	ErrWrongVersion  ErrorCode = 5
	ErrWrongPassword ErrorCode = 6
	ErrHostDropped   ErrorCode = 7
	ErrWrongData     ErrorCode = 8
	ErrUnknownFile   ErrorCode = 9
	ErrInvalid       ErrorCode = 101
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "NOERROR"
	case ErrConnection:
		return "CONNECTION"
	case ErrFull:
		return "FULL"
	case ErrCheat:
		return "CHEAT"
	case ErrKicked:
		return "KICKED"
	case ErrWrongVersion:
		return "WRONGVERSION"
	case ErrWrongPassword:
		return "WRONGPASSWORD"
	case ErrHostDropped:
		return "HOSTDROPPED"
	case ErrWrongData:
		return "WRONGDATA"
	case ErrUnknownFile:
		return "UNKNOWNFILEISSUE"
	case ErrInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("ERROR(%d)", uint32(c))
	}
}

// Message is the canned text shown to a user when the host supplied no
// reason of its own.
func (c ErrorCode) Message() string {
	switch c {
	case NoError:
		return ""
	case ErrFull:
		return "Game is full."
	case ErrKicked:
		return "You were kicked!"
	case ErrWrongVersion:
		return "Your game version does not match the host."
	case ErrWrongData:
		return "The host rejected your connection due to invalid data."
	case ErrHostDropped:
		return "Host has dropped connection!"
	case ErrWrongPassword:
		return "Incorrect password."
	default:
		return "Connection Error"
	}
}
