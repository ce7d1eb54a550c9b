// Package netqueue turns the byte stream of one peer into an ordered queue
// of messages, and buffers outgoing messages until the session flushes them.
package netqueue

import (
	"errors"
	"fmt"

	"github.com/blukai/netplay/internal/protocol"
)

// MaxIncomplete is how many bytes of a message that has not fully arrived
// yet a peer may make us hold.
const MaxIncomplete = protocol.BufferSize * 16

var (
	ErrOverflow = errors.New("incomplete message buffer overflow")
	ErrTooLarge = errors.New("declared message size too large")
)

type Queue struct {
	limit    int
	partial  []byte
	incoming []protocol.Message
	outgoing []byte
	pending  int
}

func New() *Queue {
	return NewLimited(MaxIncomplete)
}

// NewLimited returns a queue that fails once more than limit bytes of an
// incomplete message are buffered. Pending joins use a small limit since
// the only thing they may send is a JOIN.
func NewLimited(limit int) *Queue {
	return &Queue{limit: limit}
}

// SetLimit changes the incomplete message cutoff, used when a pending
// connection is promoted.
func (q *Queue) SetLimit(limit int) {
	q.limit = limit
}

// Insert appends raw bytes from the stream and frames every complete
// message. Once it returns an error the peer must be dropped; the queue is
// left in an unspecified state.
func (q *Queue) Insert(raw []byte) error {
	q.partial = append(q.partial, raw...)
	for {
		msg, n, err := protocol.ParseMessage(q.partial)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTooLarge, err)
		}
		if n == 0 {
			break
		}
		q.incoming = append(q.incoming, msg)
		q.partial = q.partial[n:]
	}
	if len(q.partial) > q.limit {
		return ErrOverflow
	}
	if len(q.partial) == 0 {
		q.partial = nil
	}
	return nil
}

// PushIncoming queues a message that did not come off this peer's stream,
// for example a game message relayed through the host.
func (q *Queue) PushIncoming(msg protocol.Message) {
	q.incoming = append(q.incoming, msg)
}

func (q *Queue) IsMessageReady() bool {
	return len(q.incoming) > 0
}

// Next returns the oldest message without consuming it.
func (q *Queue) Next() (protocol.Message, bool) {
	if len(q.incoming) == 0 {
		return protocol.Message{}, false
	}
	return q.incoming[0], true
}

func (q *Queue) Pop() (protocol.Message, bool) {
	msg, ok := q.Next()
	if !ok {
		return msg, false
	}
	q.incoming[0] = protocol.Message{}
	q.incoming = q.incoming[1:]
	if len(q.incoming) == 0 {
		q.incoming = nil
	}
	return msg, true
}

func (q *Queue) Len() int {
	return len(q.incoming)
}

func (q *Queue) IncompleteBuffered() int {
	return len(q.partial)
}

// Push frames msg onto the outgoing buffer.
func (q *Queue) Push(msg protocol.Message) {
	q.outgoing = protocol.AppendFrame(q.outgoing, msg)
	q.pending++
}

// TakeOutgoing hands over everything pushed so far along with the number of
// messages it holds.
func (q *Queue) TakeOutgoing() ([]byte, int) {
	out, n := q.outgoing, q.pending
	q.outgoing, q.pending = nil, 0
	return out, n
}

// Reset drops everything, used when a connection is torn down or its slot
// is handed to somebody else.
func (q *Queue) Reset() {
	*q = Queue{limit: q.limit}
}
