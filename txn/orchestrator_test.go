package txn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"scrumvote/ballot"
	"scrumvote/ledger/ledgertest"
	"scrumvote/mirror"
	"scrumvote/notify"
)

var (
	manager = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	voter   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type revertError struct{}

func (revertError) Error() string  { return "execution reverted" }
func (revertError) ErrorCode() int { return 3 }

type statusLog struct {
	mu   sync.Mutex
	msgs []string
}

func (s *statusLog) Notify(_ context.Context, n notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, n.Message)
}

func (s *statusLog) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

type fixture struct {
	contract *ledgertest.Ledger
	mirror   *mirror.Synchronizer
	orch     *Orchestrator
	status   *statusLog
}

func newFixture(t *testing.T, account common.Address) *fixture {
	t.Helper()
	contract := ledgertest.New(manager, ballot.DefaultCandidates...)
	return attach(t, contract, account)
}

func attach(t *testing.T, contract *ledgertest.Ledger, account common.Address) *fixture {
	t.Helper()
	s := mirror.NewSynchronizer(contract, ballot.DefaultCandidates)
	s.SetConnection(ballot.Connection{Account: account, ChainID: ballot.Ganache.ChainID, Network: ballot.Ganache.Name, Accepted: true})
	_, err := s.FullSync(context.Background())
	require.NoError(t, err)
	status := &statusLog{}
	orch := NewOrchestrator(contract, s, WithNotifier(status), WithReceiptTimeout(2*time.Second))
	t.Cleanup(orch.Close)
	return &fixture{contract: contract, mirror: s, orch: orch, status: status}
}

func TestVoteReachesCap(t *testing.T) {
	contract := ledgertest.New(manager, ballot.DefaultCandidates...)
	contract.SetVoterVotes(voter, 4)
	contract.SetVotes("Lionel Messi", 2)
	f := attach(t, contract, voter)

	res, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Lionel Messi"})
	require.NoError(t, err)
	require.Equal(t, ballot.StatusConfirmed, res.Action.Status)
	require.Equal(t, "Vote casted successfully!", res.Message)

	m := f.mirror.Snapshot()
	require.Equal(t, uint64(5), m.Voter.VotesCast)
	messi, _ := m.Candidate("Lionel Messi")
	require.Equal(t, uint64(3), messi.Votes)
	ronaldo, _ := m.Candidate("Cristiano Ronaldo")
	require.Zero(t, ronaldo.Votes)
	maradona, _ := m.Candidate("Diego Maradona")
	require.Zero(t, maradona.Votes)
	require.False(t, ballot.CanVote(m))
	require.Zero(t, ballot.RemainingVotes(m))
	require.Equal(t, "0.01", ballot.FormatEther(m.Contract.Balance))

	sent := contract.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, ballot.DefaultStake, sent[0].Value)
	require.Equal(t, []string{"Waiting on transaction success...", "Vote casted successfully!"}, f.status.all())

	_, err = f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Lionel Messi"})
	require.ErrorIs(t, err, ballot.ErrNotAuthorized)
	require.Len(t, contract.Sent(), 1)
}

func TestDeclareWinnerRecordsLedgerWinner(t *testing.T) {
	contract := ledgertest.New(manager, ballot.DefaultCandidates...)
	contract.SetVotes("Lionel Messi", 10)
	contract.SetVotes("Cristiano Ronaldo", 7)
	contract.SetVotes("Diego Maradona", 3)
	contract.SetHistory(ballot.HistoryEntry{Sequence: 1, Winner: "Diego Maradona", VotesReceived: 4})
	f := attach(t, contract, manager)

	res, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionDeclareWinner})
	require.NoError(t, err)
	require.Equal(t, "Lionel Messi", res.Mirror.Contract.Winner)

	m := f.mirror.Snapshot()
	require.Equal(t, "Lionel Messi", m.Contract.Winner)
	require.Len(t, m.History, 2)
	require.Equal(t, ballot.HistoryEntry{Sequence: 2, Winner: "Lionel Messi", VotesReceived: 10}, m.History[1])
	require.False(t, ballot.CanDeclareWinner(m))
	require.True(t, ballot.CanReset(m))
}

func TestDisableBlocksVotingForEveryone(t *testing.T) {
	contract := ledgertest.New(manager, ballot.DefaultCandidates...)
	f := attach(t, contract, manager)

	_, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionDisable})
	require.NoError(t, err)
	require.True(t, f.mirror.Snapshot().Contract.Disabled)
	require.False(t, ballot.CanVote(f.mirror.Snapshot()))

	other := attach(t, contract, voter)
	require.False(t, ballot.CanVote(other.mirror.Snapshot()))
	_, err = other.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Diego Maradona"})
	require.ErrorIs(t, err, ballot.ErrNotAuthorized)
}

func TestResetClearsRoundKeepsHistory(t *testing.T) {
	contract := ledgertest.New(manager, ballot.DefaultCandidates...)
	contract.SetVotes("Cristiano Ronaldo", 6)
	f := attach(t, contract, manager)
	_, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionDeclareWinner})
	require.NoError(t, err)

	_, err = f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionReset})
	require.NoError(t, err)
	m := f.mirror.Snapshot()
	require.Empty(t, m.Contract.Winner)
	for _, c := range m.Candidates {
		require.Zero(t, c.Votes)
	}
	require.Len(t, m.History, 1)
	require.True(t, ballot.CanDeclareWinner(m))
}

func TestChangeOwnerRefreshesManagers(t *testing.T) {
	contract := ledgertest.New(manager, ballot.DefaultCandidates...)
	f := attach(t, contract, manager)
	_, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionDeclareWinner})
	require.NoError(t, err)

	newOwner := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	_, err = f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionChangeOwner, NewOwner: newOwner.Hex()})
	require.NoError(t, err)
	m := f.mirror.Snapshot()
	require.Equal(t, newOwner, m.Contract.ManagerPrimary)
	require.False(t, m.Voter.IsManager)
	require.False(t, ballot.CanWithdraw(m))
}

func TestChangeOwnerRejectsInvalidAddressLocally(t *testing.T) {
	f := newFixture(t, manager)
	_, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionChangeOwner, NewOwner: "0x1234"})
	require.ErrorIs(t, err, ballot.ErrInvalidAddress)
	require.Empty(t, f.contract.Sent())
}

func TestNotAuthorizedNeverContactsLedger(t *testing.T) {
	f := newFixture(t, voter)
	for _, kind := range []ballot.ActionKind{ballot.ActionDeclareWinner, ballot.ActionWithdraw, ballot.ActionReset, ballot.ActionDisable} {
		_, err := f.orch.Submit(context.Background(), ballot.Action{Kind: kind})
		require.ErrorIs(t, err, ballot.ErrNotAuthorized, kind)
	}
	_, err := newFixture(t, manager).orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Lionel Messi"})
	require.ErrorIs(t, err, ballot.ErrNotAuthorized)
	require.Empty(t, f.contract.Sent())
}

func TestRevertedReceiptIsRemoteRejected(t *testing.T) {
	f := newFixture(t, manager)
	f.contract.Reject("withdraw")
	res, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionWithdraw})
	require.ErrorIs(t, err, ballot.ErrRemoteRejected)
	require.Equal(t, ballot.StatusFailed, res.Action.Status)
	require.Equal(t, ballot.MessageTransactionFailed, res.Message)
	require.Contains(t, f.status.all(), ballot.MessageTransactionFailed)
	require.Empty(t, f.orch.Pending())
}

func TestSendErrorsAreClassified(t *testing.T) {
	f := newFixture(t, voter)
	f.contract.FailSend(revertError{})
	_, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Diego Maradona"})
	require.ErrorIs(t, err, ballot.ErrRemoteRejected)

	f.contract.FailSend(errors.New("dial tcp: connection refused"))
	_, err = f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Diego Maradona"})
	require.ErrorIs(t, err, ballot.ErrNetworkError)

	f.contract.FailSend(nil)
	f.contract.FailReceipts(context.DeadlineExceeded)
	_, err = f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Diego Maradona"})
	require.ErrorIs(t, err, ballot.ErrNetworkError)
}

func TestInFlightGuardPerKindAndAccount(t *testing.T) {
	f := newFixture(t, voter)
	f.contract.HoldReceipts()

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Lionel Messi"})
		done <- err
	}()
	require.Eventually(t, func() bool { return len(f.contract.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	pending := f.orch.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, ballot.StatusSubmitted, pending[0].Status)
	require.NotEmpty(t, pending[0].ID)

	_, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Diego Maradona"})
	require.ErrorIs(t, err, ballot.ErrActionInFlight)

	f.contract.Release()
	require.NoError(t, <-done)
	require.Empty(t, f.orch.Pending())
}

func TestCloseDiscardsInFlightOutcome(t *testing.T) {
	f := newFixture(t, voter)
	f.contract.HoldReceipts()
	before := f.mirror.Snapshot()

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Lionel Messi"})
		done <- err
	}()
	require.Eventually(t, func() bool { return len(f.orch.Pending()) == 1 && len(f.contract.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	f.orch.Close()
	require.ErrorIs(t, <-done, ballot.ErrSessionReloaded)
	require.Empty(t, f.orch.Pending())
	require.Equal(t, before.Candidates, f.mirror.Snapshot().Candidates)
	require.Equal(t, before.Voter, f.mirror.Snapshot().Voter)

	_, err := f.orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Lionel Messi"})
	require.ErrorIs(t, err, ballot.ErrSessionReloaded)
	f.contract.Release()
}

// stallingMirror hands out the first snapshot it reads only after resume is
// closed, so the caller acts on state that may since have changed.
type stallingMirror struct {
	*mirror.Synchronizer
	used   atomic.Bool
	stuck  chan struct{}
	resume chan struct{}
}

func (s *stallingMirror) Snapshot() ballot.Mirror {
	m := s.Synchronizer.Snapshot()
	if s.used.CompareAndSwap(false, true) {
		close(s.stuck)
		<-s.resume
	}
	return m
}

func TestConcurrentVotesRespectCap(t *testing.T) {
	contract := ledgertest.New(manager, ballot.DefaultCandidates...)
	contract.SetVoterVotes(voter, 4)
	contract.SetVotes("Cristiano Ronaldo", 1)
	f := attach(t, contract, voter)
	stalling := &stallingMirror{Synchronizer: f.mirror, stuck: make(chan struct{}), resume: make(chan struct{})}
	orch := NewOrchestrator(contract, stalling, WithReceiptTimeout(2*time.Second))
	t.Cleanup(orch.Close)

	late := make(chan error, 1)
	go func() {
		_, err := orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Diego Maradona"})
		late <- err
	}()
	<-stalling.stuck

	res, err := orch.Submit(context.Background(), ballot.Action{Kind: ballot.ActionVote, Candidate: "Lionel Messi"})
	require.NoError(t, err)
	require.Equal(t, ballot.StatusConfirmed, res.Action.Status)
	require.Equal(t, uint64(5), f.mirror.Snapshot().Voter.VotesCast)

	close(stalling.resume)
	require.ErrorIs(t, <-late, ballot.ErrNotAuthorized)
	require.Len(t, contract.Sent(), 1)
	require.Empty(t, orch.Pending())

	m := f.mirror.Snapshot()
	messi, _ := m.Candidate("Lionel Messi")
	require.Equal(t, uint64(1), messi.Votes)
	ronaldo, _ := m.Candidate("Cristiano Ronaldo")
	require.Equal(t, uint64(1), ronaldo.Votes)
	maradona, _ := m.Candidate("Diego Maradona")
	require.Zero(t, maradona.Votes)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	f := newFixture(t, voter)
	p := &ballot.PendingAction{Kind: ballot.ActionVote, Status: ballot.StatusSubmitted}
	require.True(t, f.orch.setStatus(p, ballot.StatusConfirmed))
	require.False(t, f.orch.setStatus(p, ballot.StatusFailed))
	require.Equal(t, ballot.StatusConfirmed, p.Status)
}
