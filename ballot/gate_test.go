package ballot

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	voterAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	managerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func readyMirror(account common.Address, manager bool, votesCast uint64) Mirror {
	return Mirror{
		Connection: Connection{Account: account, ChainID: Ganache.ChainID, Accepted: true},
		Candidates: []Candidate{{Name: "Lionel Messi"}, {Name: "Cristiano Ronaldo"}, {Name: "Diego Maradona"}},
		Voter:      VoterRecord{Address: account, VotesCast: votesCast, IsManager: manager},
		Contract:   ContractState{ManagerPrimary: managerAddr, Balance: uint256.NewInt(0)},
		Synced:     true,
	}
}

func TestCanVoteFalseAtCap(t *testing.T) {
	for votes := uint64(0); votes <= MaxVotesPerVoter; votes++ {
		m := readyMirror(voterAddr, false, votes)
		require.Equal(t, votes < MaxVotesPerVoter, CanVote(m), "votes=%d", votes)
	}
	m := readyMirror(voterAddr, false, MaxVotesPerVoter)
	require.Zero(t, RemainingVotes(m))
}

func TestWinnerBlocksVotingForEveryone(t *testing.T) {
	for _, m := range []Mirror{
		readyMirror(voterAddr, false, 0),
		readyMirror(managerAddr, true, 0),
	} {
		m.Contract.Winner = "Lionel Messi"
		require.False(t, CanVote(m))
		require.False(t, CanDeclareWinner(m))
	}
}

func TestDisabledBlocksVotingForEveryone(t *testing.T) {
	for _, m := range []Mirror{
		readyMirror(voterAddr, false, 0),
		readyMirror(managerAddr, true, 0),
	} {
		m.Contract.Disabled = true
		require.False(t, CanVote(m))
	}
}

func TestManagerPermissions(t *testing.T) {
	m := readyMirror(managerAddr, true, 0)
	perms := Evaluate(m)
	require.False(t, perms.Vote)
	require.True(t, perms.DeclareWinner)
	require.True(t, perms.Withdraw)
	require.True(t, perms.Disable)
	require.False(t, perms.Reset)
	require.False(t, perms.ChangeOwner)

	m.Contract.Winner = "Diego Maradona"
	perms = Evaluate(m)
	require.False(t, perms.DeclareWinner)
	require.True(t, perms.Reset)
	require.True(t, perms.ChangeOwner)
	require.True(t, perms.Withdraw)
}

func TestNonManagerDeniedAdminActions(t *testing.T) {
	m := readyMirror(voterAddr, false, 0)
	m.Contract.Winner = "Lionel Messi"
	for _, kind := range []ActionKind{ActionDeclareWinner, ActionWithdraw, ActionReset, ActionChangeOwner, ActionDisable} {
		err := Authorize(kind, m)
		require.True(t, errors.Is(err, ErrNotAuthorized), "kind=%s", kind)
	}
}

func TestGateRequiresAcceptedConnection(t *testing.T) {
	m := readyMirror(voterAddr, false, 0)
	m.Connection.Accepted = false
	require.False(t, CanVote(m))

	m = readyMirror(voterAddr, false, 0)
	m.Voter.Address = common.Address{}
	require.False(t, CanVote(m))
}

func TestActionValidate(t *testing.T) {
	m := readyMirror(voterAddr, false, 0)
	require.NoError(t, Action{Kind: ActionVote, Candidate: "Lionel Messi"}.Validate(m))
	require.ErrorIs(t, Action{Kind: ActionVote, Candidate: "Pele"}.Validate(m), ErrUnknownCandidate)
	require.ErrorIs(t, Action{Kind: ActionChangeOwner, NewOwner: "0x1234"}.Validate(m), ErrInvalidAddress)
	require.NoError(t, Action{Kind: ActionChangeOwner, NewOwner: managerAddr.Hex()}.Validate(m))
	require.Error(t, Action{Kind: "mint"}.Validate(m))
}

func TestParseActionKind(t *testing.T) {
	kind, err := ParseActionKind(" Declare-Winner ")
	require.NoError(t, err)
	require.Equal(t, ActionDeclareWinner, kind)
	require.Equal(t, "endVoting", kind.Method())
	_, err = ParseActionKind("destroy")
	require.Error(t, err)
}

func TestFormatEther(t *testing.T) {
	require.Equal(t, "0", FormatEther(nil))
	require.Equal(t, "0.01", FormatEther(uint256.MustFromBig(DefaultStake)))
	require.Equal(t, "1.25", FormatEther(uint256.NewInt(1_250_000_000_000_000_000)))
	require.Equal(t, "3", FormatEther(uint256.NewInt(3_000_000_000_000_000_000)))
}

func TestHistoryEntryString(t *testing.T) {
	entry := HistoryEntry{Sequence: 2, Winner: "Lionel Messi", VotesReceived: 10}
	require.Equal(t, "2. Winner: Lionel Messi with 10 votes", entry.String())
}
