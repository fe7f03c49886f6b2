package ballot

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ActionKind enumerates the state-changing calls a client can submit.
type ActionKind string

const (
	ActionVote          ActionKind = "vote"
	ActionDeclareWinner ActionKind = "declare-winner"
	ActionWithdraw      ActionKind = "withdraw"
	ActionReset         ActionKind = "reset"
	ActionChangeOwner   ActionKind = "change-owner"
	ActionDisable       ActionKind = "disable"
)

// ActionKinds lists every kind in display order.
var ActionKinds = []ActionKind{
	ActionVote,
	ActionDeclareWinner,
	ActionWithdraw,
	ActionReset,
	ActionChangeOwner,
	ActionDisable,
}

// ParseActionKind maps a textual kind onto the enum.
func ParseActionKind(raw string) (ActionKind, error) {
	kind := ActionKind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range ActionKinds {
		if kind == known {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown action kind %q", raw)
}

// Method returns the contract method invoked for the kind.
func (k ActionKind) Method() string {
	switch k {
	case ActionVote:
		return "vote"
	case ActionDeclareWinner:
		return "endVoting"
	case ActionWithdraw:
		return "withdraw"
	case ActionReset:
		return "resetVoting"
	case ActionChangeOwner:
		return "changeOwner"
	case ActionDisable:
		return "disableContract"
	default:
		return ""
	}
}

// MessageTransactionFailed is shown for every failed submission.
const MessageTransactionFailed = "Transaction failed."

// MessageReadFailed is shown when the ledger state could not be read.
const MessageReadFailed = "Could not load voting state."

// ProgressMessage is the status shown while an action of kind is in flight.
func (k ActionKind) ProgressMessage() string {
	switch k {
	case ActionVote:
		return "Waiting on transaction success..."
	case ActionDeclareWinner:
		return "Declaring winner..."
	case ActionWithdraw:
		return "Withdrawing funds..."
	case ActionReset:
		return "Resetting votes..."
	case ActionChangeOwner:
		return "Changing owner..."
	case ActionDisable:
		return "Disabling contract..."
	default:
		return ""
	}
}

// DoneMessage is the status shown once an action of kind is confirmed.
func (k ActionKind) DoneMessage() string {
	switch k {
	case ActionVote:
		return "Vote casted successfully!"
	case ActionDeclareWinner:
		return "Winner declared!"
	case ActionWithdraw:
		return "Funds withdrawn!"
	case ActionReset:
		return "Votes reset!"
	case ActionChangeOwner:
		return "Owner changed!"
	case ActionDisable:
		return "Contract disabled!"
	default:
		return ""
	}
}

// ActionStatus is the lifecycle state of a pending action.
type ActionStatus string

const (
	StatusIdle      ActionStatus = "idle"
	StatusSubmitted ActionStatus = "submitted"
	StatusConfirmed ActionStatus = "confirmed"
	StatusFailed    ActionStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ActionStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Action is a user request to change ledger state.
type Action struct {
	Kind      ActionKind `json:"kind"`
	Candidate string     `json:"candidate,omitempty"`
	NewOwner  string     `json:"new_owner,omitempty"`
}

// Validate performs the local, state-independent argument checks.
func (a Action) Validate(m Mirror) error {
	switch a.Kind {
	case ActionVote:
		if !m.HasCandidate(a.Candidate) {
			return fmt.Errorf("%w: %q", ErrUnknownCandidate, a.Candidate)
		}
	case ActionChangeOwner:
		if !common.IsHexAddress(strings.TrimSpace(a.NewOwner)) {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, a.NewOwner)
		}
	case ActionDeclareWinner, ActionWithdraw, ActionReset, ActionDisable:
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// PendingAction tracks a submitted action until its outcome is reflected.
type PendingAction struct {
	ID          string         `json:"id"`
	Kind        ActionKind     `json:"kind"`
	Account     common.Address `json:"account"`
	Status      ActionStatus   `json:"status"`
	TxHash      common.Hash    `json:"tx_hash"`
	SubmittedAt time.Time      `json:"submitted_at"`
}
