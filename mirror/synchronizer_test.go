package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"scrumvote/ballot"
	"scrumvote/ledger/ledgertest"
)

var (
	manager = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	voter   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	other   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newFixture(t *testing.T) (*ledgertest.Ledger, *Synchronizer) {
	t.Helper()
	contract := ledgertest.New(manager, ballot.DefaultCandidates...)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSynchronizer(contract, ballot.DefaultCandidates, WithClock(func() time.Time { return clock }))
	return contract, s
}

func connect(s *Synchronizer, account common.Address) {
	s.SetConnection(ballot.Connection{Account: account, ChainID: ballot.Ganache.ChainID, Network: ballot.Ganache.Name, Accepted: true})
}

func TestFullSyncPopulatesMirror(t *testing.T) {
	contract, s := newFixture(t)
	contract.SetVotes("Lionel Messi", 3)
	contract.SetVotes("Diego Maradona", 1)
	contract.SetVoterVotes(voter, 2)
	contract.SetHistory(ballot.HistoryEntry{Sequence: 1, Winner: "Diego Maradona", VotesReceived: 9})
	connect(s, voter)

	m, err := s.FullSync(context.Background())
	require.NoError(t, err)
	require.True(t, m.Synced)
	require.Empty(t, m.LastError)
	require.Equal(t, manager, m.Contract.ManagerPrimary)
	require.Equal(t, voter, m.Voter.Address)
	require.Equal(t, uint64(2), m.Voter.VotesCast)
	require.False(t, m.Voter.IsManager)
	messi, ok := m.Candidate("Lionel Messi")
	require.True(t, ok)
	require.Equal(t, uint64(3), messi.Votes)
	require.Len(t, m.History, 1)
	require.Equal(t, "1. Winner: Diego Maradona with 9 votes", m.History[0].String())
	require.NotNil(t, m.Contract.Balance)
	require.True(t, ballot.CanVote(m))
}

func TestFailedSyncRetainsPreviousMirror(t *testing.T) {
	contract, s := newFixture(t)
	contract.SetVotes("Cristiano Ronaldo", 4)
	connect(s, voter)
	before, err := s.FullSync(context.Background())
	require.NoError(t, err)

	contract.SetVotes("Cristiano Ronaldo", 7)
	contract.FailMethod("getVoteHistory", errors.New("connection reset"))
	after, err := s.FullSync(context.Background())
	require.ErrorIs(t, err, ballot.ErrRemoteRead)
	require.Contains(t, after.LastError, "connection reset")

	ronaldo, _ := after.Candidate("Cristiano Ronaldo")
	require.Equal(t, uint64(4), ronaldo.Votes, "a partially failed sync must not apply any field")
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)

	contract.FailMethod("getVoteHistory", nil)
	recovered, err := s.FullSync(context.Background())
	require.NoError(t, err)
	require.Empty(t, recovered.LastError)
	ronaldo, _ = recovered.Candidate("Cristiano Ronaldo")
	require.Equal(t, uint64(7), ronaldo.Votes)
}

func TestPartialSyncTouchesOnlyRequestedFields(t *testing.T) {
	contract, s := newFixture(t)
	connect(s, voter)
	_, err := s.FullSync(context.Background())
	require.NoError(t, err)

	contract.SetVotes("Lionel Messi", 1)
	contract.SetVotes("Diego Maradona", 6)
	contract.SetVoterVotes(voter, 1)
	historyReads := contract.Reads("getVoteHistory")

	m, err := s.PartialSync(context.Background(), Only(FieldVoterVotes|FieldBalance, "Lionel Messi"))
	require.NoError(t, err)
	messi, _ := m.Candidate("Lionel Messi")
	maradona, _ := m.Candidate("Diego Maradona")
	require.Equal(t, uint64(1), messi.Votes)
	require.Zero(t, maradona.Votes)
	require.Equal(t, uint64(1), m.Voter.VotesCast)
	require.Equal(t, historyReads, contract.Reads("getVoteHistory"))
}

func TestSyncRequiresAcceptedNetwork(t *testing.T) {
	contract, s := newFixture(t)
	s.SetConnection(ballot.Connection{Account: voter, ChainID: 1})
	_, err := s.FullSync(context.Background())
	require.ErrorIs(t, err, ballot.ErrNetworkMismatch)
	require.Zero(t, contract.Reads("manager"))
}

func TestAccountSwitchDuringSyncDropsVoterFields(t *testing.T) {
	contract, s := newFixture(t)
	contract.SetVoterVotes(voter, 3)
	connect(s, voter)

	var once sync.Once
	contract.OnRead(func(method string) {
		if method == "voterVotes" {
			once.Do(func() { connect(s, other) })
		}
	})
	m, err := s.FullSync(context.Background())
	require.NoError(t, err)
	require.Equal(t, other, m.Connection.Account)
	require.Zero(t, m.Voter.VotesCast)
	require.NotEqual(t, voter, m.Voter.Address)
	require.False(t, ballot.CanVote(m))
}

func TestVotesCastClampedToCap(t *testing.T) {
	contract, s := newFixture(t)
	contract.SetVoterVotes(voter, 9)
	connect(s, voter)
	m, err := s.FullSync(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(ballot.MaxVotesPerVoter), m.Voter.VotesCast)
	require.Zero(t, ballot.RemainingVotes(m))
}

func TestClearRoundKeepsHistory(t *testing.T) {
	contract, s := newFixture(t)
	contract.SetVotes("Lionel Messi", 5)
	contract.SetVoterVotes(voter, 2)
	contract.SetHistory(ballot.HistoryEntry{Sequence: 1, Winner: "Lionel Messi", VotesReceived: 5})
	connect(s, voter)
	_, err := s.FullSync(context.Background())
	require.NoError(t, err)
	s.RecordWinner("Lionel Messi")

	m := s.ClearRound()
	require.Empty(t, m.Contract.Winner)
	require.Zero(t, m.Voter.VotesCast)
	for _, c := range m.Candidates {
		require.Zero(t, c.Votes)
	}
	require.Len(t, m.History, 1)
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	_, s := newFixture(t)
	updates, release := s.Subscribe()
	defer release()

	s.RecordWinner("Diego Maradona")
	s.MarkDisabled()

	require.Eventually(t, func() bool {
		select {
		case m := <-updates:
			return m.Contract.Disabled && m.Contract.Winner == "Diego Maradona"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSnapshotsDoNotAliasStore(t *testing.T) {
	_, s := newFixture(t)
	m := s.Snapshot()
	m.Candidates[0].Votes = 42
	require.Zero(t, s.Snapshot().Candidates[0].Votes)
}
