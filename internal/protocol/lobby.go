package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/blukai/netplay/internal/byteorder"
)

// LobbyCommand is a four letter verb sent NUL-terminated to the lobby
// server.
type LobbyCommand string

const (
	LobbyGameID    LobbyCommand = "gaId"
	LobbyAddGame   LobbyCommand = "addg"
	LobbyList      LobbyCommand = "list"
	LobbyKeepAlive LobbyCommand = "keep"
)

const LobbyCommandSize = 5

// MaxLobbyMessageSize bounds the human readable part of a lobby response.
const MaxLobbyMessageSize = 4096

// LobbyStatusOK is the status of a successful exchange. Any 2xx status is
// success; other statuses usually mean the server wants a newer client.
const LobbyStatusOK = 200

var ErrUnknownLobbyCommand = errors.New("unknown lobby command")

func (c LobbyCommand) MarshalBinary() ([]byte, error) {
	if len(c) != LobbyCommandSize-1 {
		return nil, fmt.Errorf("%q: %w", string(c), ErrUnknownLobbyCommand)
	}
	return append([]byte(c), 0), nil
}

func ParseLobbyCommand(data []byte) (LobbyCommand, error) {
	if len(data) != LobbyCommandSize || data[LobbyCommandSize-1] != 0 {
		return "", fmt.Errorf("%q: %w", data, ErrUnknownLobbyCommand)
	}
	c := LobbyCommand(data[:LobbyCommandSize-1])
	switch c {
	case LobbyGameID, LobbyAddGame, LobbyList, LobbyKeepAlive:
		return c, nil
	default:
		return "", fmt.Errorf("%q: %w", string(c), ErrUnknownLobbyCommand)
	}
}

// LobbyResponse is status:u32 | len:u32 | message.
type LobbyResponse struct {
	Status  uint32
	Message string
}

func (r LobbyResponse) OK() bool {
	return r.Status/100 == 2
}

func (r *LobbyResponse) MarshalBinary() ([]byte, error) {
	msg := r.Message
	if len(msg) > MaxLobbyMessageSize {
		msg = msg[:MaxLobbyMessageSize]
	}
	buf := make([]byte, 0, 8+len(msg))
	buf = append(buf, byteorder.Htonl(r.Status)...)
	buf = append(buf, byteorder.Htonl(uint32(len(msg)))...)
	return append(buf, msg...), nil
}

func (r *LobbyResponse) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return ErrShortRead
	}
	r.Status = byteorder.Ntohl(data[0:4])
	n := byteorder.Ntohl(data[4:8])
	if n > MaxLobbyMessageSize {
		return fmt.Errorf("lobby message %d: %w", n, ErrTooLong)
	}
	if uint32(len(data)-8) != n {
		return ErrShortRead
	}
	r.Message = string(data[8:])
	return nil
}

func ReadLobbyResponse(r io.Reader) (LobbyResponse, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(r, head); err != nil {
		return LobbyResponse{}, fmt.Errorf("could not read lobby response: %w", err)
	}
	n := byteorder.Ntohl(head[4:8])
	if n > MaxLobbyMessageSize {
		return LobbyResponse{}, fmt.Errorf("lobby message %d: %w", n, ErrTooLong)
	}
	buf := append(head, make([]byte, n)...)
	if _, err := io.ReadFull(r, buf[8:]); err != nil {
		return LobbyResponse{}, fmt.Errorf("could not read lobby message: %w", err)
	}
	var resp LobbyResponse
	err := resp.UnmarshalBinary(buf)
	return resp, err
}

// ReadGameID reads the u32 answer to LobbyGameID.
func ReadGameID(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("could not read game id: %w", err)
	}
	return byteorder.Ntohl(buf), nil
}

// ReadGameList reads the answer to LobbyList: a u32 count, that many
// descriptors, then a trailing status response.
func ReadGameList(r io.Reader, max int) ([]SessionDescriptor, LobbyResponse, error) {
	count, err := ReadGameID(r)
	if err != nil {
		return nil, LobbyResponse{}, fmt.Errorf("could not read game count: %w", err)
	}
	if int(count) > max {
		return nil, LobbyResponse{}, fmt.Errorf("game count %d > %d: %w", count, max, ErrTooLong)
	}
	games := make([]SessionDescriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		d, err := ReadSessionDescriptor(r)
		if err != nil {
			return nil, LobbyResponse{}, err
		}
		games = append(games, d)
	}
	resp, err := ReadLobbyResponse(r)
	return games, resp, err
}
