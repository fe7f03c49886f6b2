package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"scrumvote/ballot"
	"scrumvote/ledger"
	"scrumvote/ledger/ledgertest"
	"scrumvote/mirror"
	"scrumvote/notify"
)

var (
	manager = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	voter   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type recorder struct {
	mu    sync.Mutex
	items []notify.Notification
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.items))
	for _, n := range r.items {
		out = append(out, n.Message)
	}
	return out
}

type countingMirror struct {
	Mirror
	mu    sync.Mutex
	syncs int
}

func (c *countingMirror) PartialSync(ctx context.Context, fields mirror.Fields) (ballot.Mirror, error) {
	c.mu.Lock()
	c.syncs++
	c.mu.Unlock()
	return c.Mirror.PartialSync(ctx, fields)
}

func (c *countingMirror) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncs
}

func setup(t *testing.T) (*ledgertest.Ledger, *mirror.Synchronizer, *countingMirror, *recorder) {
	t.Helper()
	contract := ledgertest.New(manager, ballot.DefaultCandidates...)
	s := mirror.NewSynchronizer(contract, ballot.DefaultCandidates)
	s.SetConnection(ballot.Connection{Account: voter, ChainID: ballot.Sepolia.ChainID, Network: ballot.Sepolia.Name, Accepted: true})
	_, err := s.FullSync(context.Background())
	require.NoError(t, err)
	return contract, s, &countingMirror{Mirror: s}, &recorder{}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	contract, _, counting, notes := setup(t)
	sub := NewSubscriber(contract, counting, WithNotifier(notes))

	first, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	defer first.Close()
	for i := 0; i < 4; i++ {
		again, err := sub.Subscribe(context.Background())
		require.NoError(t, err)
		require.Same(t, first, again)
	}
	require.Eventually(t, func() bool { return contract.Subscriptions() == 1 }, time.Second, 5*time.Millisecond)

	contract.SetVotes("Lionel Messi", 1)
	contract.Emit(ledger.Event{Kind: ledger.EventVoteCast, Voter: voter, Candidate: "Lionel Messi", TxHash: common.HexToHash("0x01")})

	require.Eventually(t, func() bool { return counting.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, counting.count())
	require.Equal(t, 1, contract.Subscriptions())
	require.Equal(t, []string{voter.Hex() + " voted for Lionel Messi"}, notes.messages())
}

func TestVoteCastRefreshesCounters(t *testing.T) {
	contract, s, counting, notes := setup(t)
	handle, err := NewSubscriber(contract, counting, WithNotifier(notes)).Subscribe(context.Background())
	require.NoError(t, err)
	defer handle.Close()
	require.Eventually(t, func() bool { return contract.Subscriptions() == 1 }, time.Second, 5*time.Millisecond)

	contract.SetVotes("Diego Maradona", 3)
	contract.SetVoterVotes(voter, 1)
	contract.Emit(ledger.Event{Kind: ledger.EventVoteCast, Voter: voter, Candidate: "Diego Maradona", TxHash: common.HexToHash("0x02")})

	require.Eventually(t, func() bool {
		m := s.Snapshot()
		c, _ := m.Candidate("Diego Maradona")
		return c.Votes == 3 && m.Voter.VotesCast == 1
	}, time.Second, 5*time.Millisecond)
}

func TestVotingEndedRecordsWinnerAndHistory(t *testing.T) {
	contract, s, counting, notes := setup(t)
	handle, err := NewSubscriber(contract, counting, WithNotifier(notes)).Subscribe(context.Background())
	require.NoError(t, err)
	defer handle.Close()
	require.Eventually(t, func() bool { return contract.Subscriptions() == 1 }, time.Second, 5*time.Millisecond)

	contract.SetHistory(ballot.HistoryEntry{Sequence: 1, Winner: "Cristiano Ronaldo", VotesReceived: 8})
	contract.Emit(ledger.Event{Kind: ledger.EventVotingEnded, Winner: "Cristiano Ronaldo", VotesReceived: 8, TxHash: common.HexToHash("0x03")})

	require.Eventually(t, func() bool {
		m := s.Snapshot()
		return m.Contract.Winner == "Cristiano Ronaldo" && len(m.History) == 1
	}, time.Second, 5*time.Millisecond)
	require.False(t, ballot.CanVote(s.Snapshot()))
	require.Eventually(t, func() bool {
		msgs := notes.messages()
		return len(msgs) == 1 && msgs[0] == "The winner is Cristiano Ronaldo with 8 votes!"
	}, time.Second, 5*time.Millisecond)
}

func TestDuplicateAndRemovedLogsAreSkipped(t *testing.T) {
	contract, _, counting, notes := setup(t)
	handle, err := NewSubscriber(contract, counting, WithNotifier(notes)).Subscribe(context.Background())
	require.NoError(t, err)
	defer handle.Close()
	require.Eventually(t, func() bool { return contract.Subscriptions() == 1 }, time.Second, 5*time.Millisecond)

	ev := ledger.Event{Kind: ledger.EventVoteCast, Voter: voter, Candidate: "Lionel Messi", TxHash: common.HexToHash("0x04")}
	contract.Emit(ev)
	contract.Emit(ev)
	removed := ev
	removed.TxHash = common.HexToHash("0x05")
	removed.Removed = true
	contract.Emit(removed)
	second := ev
	second.LogIndex = 1
	contract.Emit(second)

	require.Eventually(t, func() bool { return counting.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, counting.count())
}

func TestHandlerFailureKeepsSubscription(t *testing.T) {
	contract, s, counting, notes := setup(t)
	sub := NewSubscriber(contract, counting, WithNotifier(notes))
	handle, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	defer handle.Close()
	require.Eventually(t, func() bool { return contract.Subscriptions() == 1 }, time.Second, 5*time.Millisecond)

	contract.FailReads(errors.New("rpc unavailable"))
	contract.Emit(ledger.Event{Kind: ledger.EventVoteCast, Voter: voter, Candidate: "Lionel Messi", TxHash: common.HexToHash("0x06")})
	require.Eventually(t, func() bool { return counting.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Snapshot().LastError != "" }, time.Second, 5*time.Millisecond)

	contract.FailReads(nil)
	contract.SetVotes("Lionel Messi", 2)
	contract.Emit(ledger.Event{Kind: ledger.EventVoteCast, Voter: voter, Candidate: "Lionel Messi", TxHash: common.HexToHash("0x07")})
	require.Eventually(t, func() bool {
		c, _ := s.Snapshot().Candidate("Lionel Messi")
		return c.Votes == 2
	}, time.Second, 5*time.Millisecond)
	require.True(t, sub.Subscribed())
}

func TestCloseReleasesRegistration(t *testing.T) {
	contract, _, counting, _ := setup(t)
	sub := NewSubscriber(contract, counting)
	handle, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return contract.Subscriptions() == 1 }, time.Second, 5*time.Millisecond)

	handle.Close()
	handle.Close()
	<-handle.Done()
	require.False(t, sub.Subscribed())
	require.Zero(t, contract.Emit(ledger.Event{Kind: ledger.EventVoteCast, TxHash: common.HexToHash("0x08")}))

	again, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	defer again.Close()
	require.NotSame(t, handle, again)
}
