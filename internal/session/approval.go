package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/blukai/netplay/internal/protocol"
)

type VerdictKind int

const (
	Approve VerdictKind = iota + 1
	ApproveAsSpectator
	Reject
)

type Verdict struct {
	Kind VerdictKind
	// Reason is shown to a rejected joiner.
	Reason string
}

// ApprovalRequest describes a joiner waiting for a verdict.
type ApprovalRequest struct {
	ID       uuid.UUID
	Name     string
	IP       string
	Identity string
	Role     protocol.Role
	// Demoted is set when the host moved this participant to the
	// spectators before.
	Demoted bool
}

var ErrDecisionBacklog = errors.New("too many undelivered decisions")

const maxDecisions = 64

// decisionBox carries verdicts from any goroutine to the session loop.
type decisionBox struct {
	mu        sync.Mutex
	decisions map[uuid.UUID]Verdict
}

func (b *decisionBox) init() {
	b.decisions = make(map[uuid.UUID]Verdict)
}

func (b *decisionBox) put(id uuid.UUID, v Verdict) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.decisions) >= maxDecisions {
		return ErrDecisionBacklog
	}
	b.decisions[id] = v
	return nil
}

// take empties the box.
func (b *decisionBox) take() map[uuid.UUID]Verdict {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.decisions) == 0 {
		return nil
	}
	out := b.decisions
	b.decisions = make(map[uuid.UUID]Verdict)
	return out
}

// Decide delivers a verdict for an approval request. It is safe to call
// from any goroutine. A verdict for a joiner that is gone is ignored.
func (s *Session) Decide(id uuid.UUID, v Verdict) error {
	return s.decisions.put(id, v)
}

// approvalID derives the correlation id of a pending join from its
// challenge, which is unique per connection.
func approvalID(challenge []byte) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, challenge)
}
