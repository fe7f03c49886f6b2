package ballot

import "fmt"

// The gate functions derive permissions from a mirror snapshot. They are pure
// and must be re-evaluated against a fresh snapshot on every use.

func identified(m Mirror) bool {
	return m.Connection.Accepted && m.Connection.Account == m.Voter.Address && m.Voter.Address != zeroAddress
}

// CanVote reports whether the current identity may cast a vote.
func CanVote(m Mirror) bool {
	return identified(m) &&
		m.Contract.Winner == "" &&
		!m.Voter.IsManager &&
		m.Voter.VotesCast < MaxVotesPerVoter &&
		!m.Contract.Disabled
}

// CanDeclareWinner reports whether the current identity may end the round.
func CanDeclareWinner(m Mirror) bool {
	return identified(m) && m.Voter.IsManager && m.Contract.Winner == ""
}

// CanReset reports whether the current identity may reset the live counters.
func CanReset(m Mirror) bool {
	return identified(m) && m.Voter.IsManager && m.Contract.Winner != ""
}

// CanChangeOwner reports whether the current identity may replace the manager.
func CanChangeOwner(m Mirror) bool {
	return CanReset(m)
}

// CanWithdraw reports whether the current identity may withdraw the stake balance.
func CanWithdraw(m Mirror) bool {
	return identified(m) && m.Voter.IsManager
}

// CanDisable reports whether the current identity may disable the contract.
func CanDisable(m Mirror) bool {
	return CanWithdraw(m)
}

// RemainingVotes is the number of votes the current identity may still cast.
func RemainingVotes(m Mirror) uint64 {
	if m.Voter.VotesCast >= MaxVotesPerVoter {
		return 0
	}
	return MaxVotesPerVoter - m.Voter.VotesCast
}

// Permitted evaluates the gate for kind.
func Permitted(kind ActionKind, m Mirror) bool {
	switch kind {
	case ActionVote:
		return CanVote(m)
	case ActionDeclareWinner:
		return CanDeclareWinner(m)
	case ActionWithdraw:
		return CanWithdraw(m)
	case ActionReset:
		return CanReset(m)
	case ActionChangeOwner:
		return CanChangeOwner(m)
	case ActionDisable:
		return CanDisable(m)
	default:
		return false
	}
}

// Authorize returns ErrNotAuthorized when the gate denies kind.
func Authorize(kind ActionKind, m Mirror) error {
	if !Permitted(kind, m) {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, kind)
	}
	return nil
}

// Permissions is the full gate evaluation for a snapshot.
type Permissions struct {
	Vote          bool   `json:"vote"`
	DeclareWinner bool   `json:"declare_winner"`
	Withdraw      bool   `json:"withdraw"`
	Reset         bool   `json:"reset"`
	ChangeOwner   bool   `json:"change_owner"`
	Disable       bool   `json:"disable"`
	Remaining     uint64 `json:"remaining_votes"`
}

// Evaluate computes every permission for m.
func Evaluate(m Mirror) Permissions {
	return Permissions{
		Vote:          CanVote(m),
		DeclareWinner: CanDeclareWinner(m),
		Withdraw:      CanWithdraw(m),
		Reset:         CanReset(m),
		ChangeOwner:   CanChangeOwner(m),
		Disable:       CanDisable(m),
		Remaining:     RemainingVotes(m),
	}
}
