package netqueue_test

import (
	"errors"
	"testing"

	"github.com/blukai/netplay/internal/netqueue"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/matryer/is"
)

func frame(msgs ...protocol.Message) []byte {
	var out []byte
	for _, m := range msgs {
		out = protocol.AppendFrame(out, m)
	}
	return out
}

func TestQueueToleratesPartialReads(t *testing.T) {
	is := is.New(t)

	msgs := []protocol.Message{
		{Type: protocol.MsgPlayerJoined, Payload: []byte{0, 0, 0, 1}},
		{Type: protocol.MsgHostDropped, Payload: []byte{}},
		{Type: protocol.GameMin, Payload: []byte("hello")},
	}
	raw := frame(msgs...)

	q := netqueue.New()
	// one byte at a time is the worst a stream can do
	for i := range raw {
		is.NoErr(q.Insert(raw[i : i+1]))
	}
	is.Equal(q.Len(), 3)
	is.Equal(q.IncompleteBuffered(), 0)

	for _, want := range msgs {
		is.True(q.IsMessageReady())
		peek, ok := q.Next()
		is.True(ok)
		got, ok := q.Pop()
		is.True(ok)
		is.Equal(peek.Type, got.Type)
		is.Equal(got.Type, want.Type)
		is.Equal(string(got.Payload), string(want.Payload))
	}
	is.True(!q.IsMessageReady())
	_, ok := q.Pop()
	is.True(!ok)
}

func TestQueueRejectsOversizedDeclaration(t *testing.T) {
	is := is.New(t)

	q := netqueue.New()
	err := q.Insert([]byte{byte(protocol.GameMin), 0xff, 0xff, 0xff, 0x7f})
	is.True(errors.Is(err, netqueue.ErrTooLarge))
}

func TestQueueOverflowCutoff(t *testing.T) {
	is := is.New(t)

	q := netqueue.NewLimited(64)
	// declares 1000 bytes and never delivers them
	is.NoErr(q.Insert([]byte{byte(protocol.MsgJoin), 0xe8, 0x07}))
	is.NoErr(q.Insert(make([]byte, 61)))
	is.Equal(q.IncompleteBuffered(), 64)
	err := q.Insert([]byte{0})
	is.True(errors.Is(err, netqueue.ErrOverflow))
}

func TestQueueOutgoing(t *testing.T) {
	is := is.New(t)

	q := netqueue.New()
	q.Push(protocol.Message{Type: protocol.MsgPing, Payload: []byte{1}})
	q.Push(protocol.Message{Type: protocol.MsgKick})

	out, n := q.TakeOutgoing()
	is.Equal(n, 2)
	is.Equal(out, frame(
		protocol.Message{Type: protocol.MsgPing, Payload: []byte{1}},
		protocol.Message{Type: protocol.MsgKick},
	))

	out, n = q.TakeOutgoing()
	is.Equal(n, 0)
	is.Equal(len(out), 0)
}
