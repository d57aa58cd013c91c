package election

import (
	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/rpc"
)

// Candidate is told when it gains or loses leadership
type Candidate interface {
	ElectedLeader()
	RevokedLeadership()
}

// Agent runs a leader election on behalf of one candidate
type Agent interface {
	Start(candidate Candidate) error
	Stop() error
}

// NotifyRef adapts a master ref to Candidate. Leadership changes arrive as
// ElectedLeader and RevokedLeadership messages in the master's mailbox.
func NotifyRef(ref *rpc.Ref) Candidate {
	return refCandidate{ref: ref}
}

type refCandidate struct {
	ref *rpc.Ref
}

func (c refCandidate) ElectedLeader() {
	if err := c.ref.Send(&messages.ElectedLeader{}); err != nil {
		log.Logger.Warn().Err(err).Str("master", c.ref.String()).Msg("Failed to deliver leadership")
	}
}

func (c refCandidate) RevokedLeadership() {
	if err := c.ref.Send(&messages.RevokedLeadership{}); err != nil {
		log.Logger.Warn().Err(err).Str("master", c.ref.String()).Msg("Failed to deliver leadership revocation")
	}
}

// MonarchyAgent makes its candidate leader immediately. It is used when a
// single master runs without recovery.
type MonarchyAgent struct{}

func (MonarchyAgent) Start(candidate Candidate) error {
	candidate.ElectedLeader()
	return nil
}

func (MonarchyAgent) Stop() error { return nil }
