package protocol_test

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/blukai/netplay/internal/protocol"
	"github.com/matryer/is"
)

func TestMessageFraming(t *testing.T) {
	is := is.New(t)

	original := protocol.Message{
		Type:    protocol.MsgPlayerJoined,
		Payload: []byte{0, 0, 0, 2},
	}
	encoded, err := original.MarshalBinary()
	is.NoErr(err)

	t.Run("partial", func(t *testing.T) {
		for i := 0; i < len(encoded); i++ {
			_, n, err := protocol.ParseMessage(encoded[:i])
			is.NoErr(err)
			is.Equal(n, 0)
		}
	})

	t.Run("complete with trailer", func(t *testing.T) {
		data := append(append([]byte{}, encoded...), 0xff)
		decoded, n, err := protocol.ParseMessage(data)
		is.NoErr(err)
		is.Equal(n, len(encoded))
		is.Equal(decoded, original)
	})

	t.Run("declared length too large", func(t *testing.T) {
		var frame []byte
		frame = protocol.AppendFrame(frame, protocol.Message{Type: protocol.MsgPing})
		frame = frame[:1]
		frame = append(frame, 0xff, 0xff, 0xff, 0x0f)
		_, _, err := protocol.ParseMessage(frame)
		is.True(errors.Is(err, protocol.ErrMessageTooLarge))
	})
}

func TestSignedFieldsSurviveEncoding(t *testing.T) {
	is := is.New(t)

	testCases := []int32{0, 1, -1, 42, -42, math.MaxInt32, math.MinInt32}

	for _, tc := range testCases {
		var e protocol.Encoder
		e.Int32(tc)
		data, err := e.Data()
		is.NoErr(err)
		is.Equal(len(data), 4)

		d := protocol.NewDecoder(data)
		is.Equal(d.Int32(), tc)
		is.NoErr(d.Err())
	}
}

func TestDecoderIsSticky(t *testing.T) {
	is := is.New(t)

	d := protocol.NewDecoder([]byte{1, 2})
	is.Equal(d.Uint32(), uint32(0))
	is.True(errors.Is(d.Err(), protocol.ErrShortRead))
	// once failed, later reads return zero values
	is.Equal(d.Uint8(), uint8(0))
}

func TestJoinEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.Join{
		Name:      "Alice",
		ModList:   "",
		Password:  "hunter2",
		Role:      protocol.RoleSpectator,
		Identity:  bytes.Repeat([]byte{7}, 32),
		Signature: bytes.Repeat([]byte{9}, 64),
	}
	msg, err := protocol.NewMessage(protocol.MsgJoin, &original)
	is.NoErr(err)

	var decoded protocol.Join
	is.NoErr(msg.Decode(&decoded))
	is.Equal(decoded.Name, original.Name)
	is.Equal(decoded.Password, original.Password)
	is.Equal(decoded.Role, protocol.RoleSpectator)
	is.Equal(decoded.Identity, original.Identity)
	is.Equal(decoded.Signature, original.Signature)
}

func TestJoinRejectsOversizedSignature(t *testing.T) {
	is := is.New(t)

	_, err := protocol.NewMessage(protocol.MsgJoin, &protocol.Join{
		Name:      "Mallory",
		Signature: make([]byte, protocol.MaxSigSize+1),
	})
	is.True(errors.Is(err, protocol.ErrTooLong))
}

func TestPingChallengeSize(t *testing.T) {
	is := is.New(t)

	ok := protocol.PingChallenge{Challenge: make([]byte, protocol.ChallengeSize)}
	msg, err := protocol.NewMessage(protocol.MsgPing, &ok)
	is.NoErr(err)
	var decoded protocol.PingChallenge
	is.NoErr(msg.Decode(&decoded))
	is.Equal(len(decoded.Challenge), protocol.ChallengeSize)

	short := protocol.PingChallenge{Challenge: make([]byte, 16)}
	msg, err = protocol.NewMessage(protocol.MsgPing, &short)
	is.NoErr(err)
	is.True(msg.Decode(&decoded) != nil)
}

func TestRejectedText(t *testing.T) {
	is := is.New(t)

	is.Equal((&protocol.Rejected{Code: protocol.ErrFull}).Text(), "Game is full.")
	is.Equal((&protocol.Rejected{Code: protocol.ErrFull, Reason: "no room"}).Text(), "no room")

	original := protocol.Rejected{Code: protocol.ErrInvalid, Reason: "banned"}
	data, err := original.MarshalBinary()
	is.NoErr(err)
	var decoded protocol.Rejected
	is.NoErr(decoded.UnmarshalBinary(data))
	is.Equal(decoded, original)
}

func TestPlayerInfoEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.PlayerInfo{Entries: []protocol.PlayerInfoEntry{
		{Index: 0, Allocated: true, Heartbeat: true, Name: "host", Colour: 0, Position: 0, Team: 0, Controller: protocol.ControllerHuman, IsAdmin: true},
		{Index: 5, Name: "", Colour: -1, Position: 5, Team: 1, Controller: protocol.ControllerBot, Bot: 2, Difficulty: -1},
		{Index: 9, IsSpectator: true, Controller: protocol.ControllerOpen, Position: 9, Team: -1},
	}}
	data, err := original.MarshalBinary()
	is.NoErr(err)

	var decoded protocol.PlayerInfo
	is.NoErr(decoded.UnmarshalBinary(data))
	is.Equal(decoded, original)
}

func TestSendToPlayerCarriesFrame(t *testing.T) {
	is := is.New(t)

	original := protocol.SendToPlayer{
		Sender:   3,
		Receiver: protocol.AllPlayers,
		Inner:    protocol.Message{Type: protocol.GameMin + 1, Payload: []byte("gg")},
	}
	data, err := original.MarshalBinary()
	is.NoErr(err)

	var decoded protocol.SendToPlayer
	is.NoErr(decoded.UnmarshalBinary(data))
	is.Equal(decoded, original)

	// a truncated inner frame is an error, not a partial read
	is.True(decoded.UnmarshalBinary(data[:len(data)-1]) != nil)
}

func TestFilePayloadEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.FilePayload{
		Hash:      protocol.Hash{1, 2, 3},
		TotalSize: 5000,
		Offset:    2048,
		Data:      bytes.Repeat([]byte{0xaa}, protocol.MaxChunkSize),
	}
	data, err := original.MarshalBinary()
	is.NoErr(err)

	var decoded protocol.FilePayload
	is.NoErr(decoded.UnmarshalBinary(data))
	is.Equal(decoded, original)
}

func TestVersionHandshake(t *testing.T) {
	is := is.New(t)

	v := protocol.Version{Major: 5, Minor: 3}
	data, err := v.MarshalBinary()
	is.NoErr(err)
	is.Equal(data, []byte{0, 0, 0, 5, 0, 0, 0, 3})

	var decoded protocol.Version
	is.NoErr(decoded.UnmarshalBinary(data))
	is.Equal(decoded, v)
	is.True(!decoded.IsAliveCheck())
	is.True(protocol.Version{}.IsAliveCheck())

	code, err := protocol.ParseErrorCode(protocol.AppendErrorCode(nil, protocol.ErrWrongVersion))
	is.NoErr(err)
	is.Equal(code, protocol.ErrWrongVersion)

	reply := protocol.AliveCheckReply{SessionID: 0xdeadbeef}
	data, err = reply.MarshalBinary()
	is.NoErr(err)
	is.Equal(len(data), protocol.AliveCheckReplySize)
	var decodedReply protocol.AliveCheckReply
	is.NoErr(decodedReply.UnmarshalBinary(data))
	is.Equal(decodedReply, reply)
}

func TestSessionDescriptorLayout(t *testing.T) {
	is := is.New(t)

	original := protocol.SessionDescriptor{
		StructVersion:  protocol.DescriptorVersion,
		Name:           "friday night",
		Size:           protocol.DescriptorSize,
		Flags:          0,
		Host:           "192.0.2.10",
		MaxPlayers:     8,
		CurrentPlayers: 3,
		UserFlags:      [4]int32{1, -2, 3, 0},
		SecondaryHosts: [2]string{"2001:db8::1", ""},
		Extra:          "",
		MapName:        "Sk-Rush",
		HostName:       "alice",
		VersionString:  "4.5.3",
		ModList:        "",
		VersionMajor:   5,
		VersionMinor:   3,
		Private:        true,
		Pure:           false,
		GameID:         77,
		Limits:         0x4,
		Spectators:     2,
		GamePort:       2100,
	}
	data, err := original.MarshalBinary()
	is.NoErr(err)
	is.Equal(len(data), protocol.DescriptorSize)

	// version is the first big-endian word, the name follows directly
	is.Equal(data[:4], []byte{0, 0, 0, 3})
	is.Equal(string(data[4:16]), "friday night")
	// spectator slots live in the second to last word
	is.Equal(data[protocol.DescriptorSize-8:protocol.DescriptorSize-4], []byte{0, 0, 0, 2})

	decoded, err := protocol.ReadSessionDescriptor(bytes.NewReader(data))
	is.NoErr(err)
	is.Equal(decoded, original)
}

func TestSessionDescriptorTruncatesLongStrings(t *testing.T) {
	is := is.New(t)

	d := protocol.SessionDescriptor{Name: string(bytes.Repeat([]byte{'x'}, 100))}
	data, err := d.MarshalBinary()
	is.NoErr(err)

	var decoded protocol.SessionDescriptor
	is.NoErr(decoded.UnmarshalBinary(data))
	is.Equal(len(decoded.Name), 63) // room for the terminator
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	is := is.New(t)

	is.Equal(protocol.Truncate("abc", 5), "abc")
	is.Equal(protocol.Truncate("héllo", 2), "h")
	is.Equal(protocol.Truncate("héllo", 3), "hé")

	join := protocol.Join{Name: "a" + strings.Repeat("é", 40)}
	data, err := join.MarshalBinary()
	is.NoErr(err)
	var decoded protocol.Join
	is.NoErr(decoded.UnmarshalBinary(data))
	is.True(utf8.ValidString(decoded.Name))
	is.Equal(len(decoded.Name), protocol.MaxNameSize-1)

	d := protocol.SessionDescriptor{Name: strings.Repeat("€", 30)}
	data, err = d.MarshalBinary()
	is.NoErr(err)
	var desc protocol.SessionDescriptor
	is.NoErr(desc.UnmarshalBinary(data))
	is.Equal(desc.Name, strings.Repeat("€", 21))
}

func TestLobbyFraming(t *testing.T) {
	is := is.New(t)

	verb, err := protocol.LobbyAddGame.MarshalBinary()
	is.NoErr(err)
	is.Equal(verb, []byte("addg\x00"))

	parsed, err := protocol.ParseLobbyCommand(verb)
	is.NoErr(err)
	is.Equal(parsed, protocol.LobbyAddGame)

	_, err = protocol.ParseLobbyCommand([]byte("nope\x00"))
	is.True(errors.Is(err, protocol.ErrUnknownLobbyCommand))

	resp := protocol.LobbyResponse{Status: 200, Message: "welcome"}
	data, err := resp.MarshalBinary()
	is.NoErr(err)
	decoded, err := protocol.ReadLobbyResponse(bytes.NewReader(data))
	is.NoErr(err)
	is.Equal(decoded, resp)
	is.True(decoded.OK())
	is.True(!protocol.LobbyResponse{Status: 400}.OK())
}

func TestReadGameList(t *testing.T) {
	is := is.New(t)

	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 2})
	for _, name := range []string{"one", "two"} {
		d := protocol.SessionDescriptor{StructVersion: protocol.DescriptorVersion, Name: name}
		data, err := d.MarshalBinary()
		is.NoErr(err)
		buf.Write(data)
	}
	status := protocol.LobbyResponse{Status: 200, Message: "2 games"}
	data, err := status.MarshalBinary()
	is.NoErr(err)
	buf.Write(data)

	games, resp, err := protocol.ReadGameList(&buf, 16)
	is.NoErr(err)
	is.Equal(len(games), 2)
	is.Equal(games[1].Name, "two")
	is.Equal(resp.Message, "2 games")
}
