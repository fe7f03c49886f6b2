// Package ledger binds the voting contract's read, write, and event surfaces.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"

	"scrumvote/ballot"
)

// Reader is the pure read surface of the contract.
type Reader interface {
	Manager(ctx context.Context) (common.Address, error)
	SecondaryManager(ctx context.Context) (common.Address, error)
	Votes(ctx context.Context, candidate string) (uint64, error)
	VoterVotes(ctx context.Context, voter common.Address) (uint64, error)
	IsAuthorizedManager(ctx context.Context, account common.Address) (bool, error)
	ContractDisabled(ctx context.Context) (bool, error)
	VoteHistory(ctx context.Context) ([]ballot.HistoryEntry, error)
	Balance(ctx context.Context) (*uint256.Int, error)
}

// Call describes a state-changing contract invocation.
type Call struct {
	From   common.Address
	Method string
	Args   []interface{}
	Value  *big.Int
}

// Writer submits transactions and waits for their receipts.
type Writer interface {
	Send(ctx context.Context, call Call) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	DecodeReceipt(receipt *types.Receipt) []Event
}

// EventKind distinguishes the contract events the client consumes.
type EventKind string

const (
	EventVoteCast    EventKind = "VoteCasted"
	EventVotingEnded EventKind = "VotingEnded"
)

// Event is a decoded contract log.
type Event struct {
	Kind          EventKind
	Voter         common.Address
	Candidate     string
	Winner        string
	VotesReceived uint64
	TxHash        common.Hash
	LogIndex      uint
	BlockNumber   uint64
	Removed       bool
}

// EventSource streams decoded contract events until the subscription ends.
type EventSource interface {
	SubscribeEvents(ctx context.Context, sink chan<- Event) (event.Subscription, error)
}
