// Package ledgertest provides an in-memory voting contract implementing the
// ledger Reader, Writer and EventSource interfaces for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"

	"scrumvote/ballot"
	"scrumvote/ledger"
)

// Ledger simulates the deployed contract. State changes are applied when a
// transaction is sent; the matching receipt is served by WaitReceipt unless
// receipts are held.
type Ledger struct {
	mu         sync.Mutex
	order      []string
	votes      map[string]uint64
	voterVotes map[common.Address]uint64
	primary    common.Address
	secondary  common.Address
	disabled   bool
	winner     string
	history    []ballot.HistoryEntry
	balance    *uint256.Int

	readErr    error
	methodErrs map[string]error
	readHook   func(method string)
	reads      map[string]int

	sendErr    error
	receiptErr error
	rejected   map[string]bool
	held       chan struct{}
	nonce      uint64
	sent       []ledger.Call
	receipts   map[common.Hash]*types.Receipt
	logs       map[common.Hash][]ledger.Event

	feed          event.Feed
	subscriptions int
	subscribeErr  error
}

// New returns a contract with the given candidates and primary manager.
func New(manager common.Address, candidates ...string) *Ledger {
	l := &Ledger{
		order:      append([]string(nil), candidates...),
		votes:      make(map[string]uint64),
		voterVotes: make(map[common.Address]uint64),
		primary:    manager,
		balance:    new(uint256.Int),
		methodErrs: make(map[string]error),
		reads:      make(map[string]int),
		rejected:   make(map[string]bool),
		receipts:   make(map[common.Hash]*types.Receipt),
		logs:       make(map[common.Hash][]ledger.Event),
	}
	for _, name := range candidates {
		l.votes[name] = 0
	}
	return l
}

var (
	_ ledger.Reader      = (*Ledger)(nil)
	_ ledger.Writer      = (*Ledger)(nil)
	_ ledger.EventSource = (*Ledger)(nil)
)

// SetSecondaryManager installs a second authorised manager.
func (l *Ledger) SetSecondaryManager(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.secondary = addr
}

// SetVotes overrides a candidate's tally.
func (l *Ledger) SetVotes(candidate string, votes uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.votes[candidate] = votes
}

// SetVoterVotes overrides the number of votes an account has cast.
func (l *Ledger) SetVoterVotes(voter common.Address, votes uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.voterVotes[voter] = votes
}

// SetHistory replaces the recorded rounds.
func (l *Ledger) SetHistory(entries ...ballot.HistoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append([]ballot.HistoryEntry(nil), entries...)
}

// FailReads makes every read return err. A nil err restores reads.
func (l *Ledger) FailReads(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readErr = err
}

// FailMethod makes a single read method return err.
func (l *Ledger) FailMethod(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.methodErrs, method)
		return
	}
	l.methodErrs[method] = err
}

// OnRead installs a hook invoked before each read with the method name.
func (l *Ledger) OnRead(hook func(method string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readHook = hook
}

// Reads reports how many times method was read.
func (l *Ledger) Reads(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads[method]
}

// FailSend makes Send return err before anything reaches the contract.
func (l *Ledger) FailSend(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// FailReceipts makes WaitReceipt return err.
func (l *Ledger) FailReceipts(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiptErr = err
}

// Reject forces every transaction calling method to revert.
func (l *Ledger) Reject(method string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejected[method] = true
}

// HoldReceipts blocks WaitReceipt until Release is called.
func (l *Ledger) HoldReceipts() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(chan struct{})
	}
}

// Release unblocks receipts held by HoldReceipts.
func (l *Ledger) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held != nil {
		close(l.held)
		l.held = nil
	}
}

// Sent returns every call submitted so far.
func (l *Ledger) Sent() []ledger.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Call(nil), l.sent...)
}

// Winner returns the winner the contract recorded for the current round.
func (l *Ledger) Winner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.winner
}

// Subscriptions reports how many event subscriptions were opened.
func (l *Ledger) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscriptions
}

// FailSubscribe makes SubscribeEvents return err.
func (l *Ledger) FailSubscribe(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribeErr = err
}

// Emit delivers ev to every event subscriber.
func (l *Ledger) Emit(ev ledger.Event) int {
	return l.feed.Send(ev)
}

// Publish emits the events logged by transaction hash, the way a node would
// once the block is seen.
func (l *Ledger) Publish(hash common.Hash) {
	l.mu.Lock()
	logs := append([]ledger.Event(nil), l.logs[hash]...)
	l.mu.Unlock()
	for i, ev := range logs {
		ev.LogIndex = uint(i)
		l.feed.Send(ev)
	}
}

func (l *Ledger) read(method string) error {
	l.mu.Lock()
	hook := l.readHook
	l.reads[method]++
	err := l.readErr
	if methodErr, ok := l.methodErrs[method]; ok {
		err = methodErr
	}
	l.mu.Unlock()
	if hook != nil {
		hook(method)
	}
	if err != nil {
		return fmt.Errorf("ledgertest: %s: %w", method, err)
	}
	return nil
}

func (l *Ledger) Manager(context.Context) (common.Address, error) {
	if err := l.read("manager"); err != nil {
		return common.Address{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.primary, nil
}

func (l *Ledger) SecondaryManager(context.Context) (common.Address, error) {
	if err := l.read("manager2"); err != nil {
		return common.Address{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.secondary, nil
}

func (l *Ledger) Votes(_ context.Context, candidate string) (uint64, error) {
	if err := l.read("votes"); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.votes[candidate], nil
}

func (l *Ledger) VoterVotes(_ context.Context, voter common.Address) (uint64, error) {
	if err := l.read("voterVotes"); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.voterVotes[voter], nil
}

func (l *Ledger) IsAuthorizedManager(_ context.Context, account common.Address) (bool, error) {
	if err := l.read("isAuthorizedManager"); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isManager(account), nil
}

func (l *Ledger) ContractDisabled(context.Context) (bool, error) {
	if err := l.read("contractDisabled"); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disabled, nil
}

func (l *Ledger) VoteHistory(context.Context) ([]ballot.HistoryEntry, error) {
	if err := l.read("getVoteHistory"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ballot.HistoryEntry(nil), l.history...), nil
}

func (l *Ledger) Balance(context.Context) (*uint256.Int, error) {
	if err := l.read("balance"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.balance), nil
}

func (l *Ledger) isManager(account common.Address) bool {
	zero := common.Address{}
	return account != zero && (account == l.primary || account == l.secondary)
}

// Send applies call to the simulated contract and records a receipt.
func (l *Ledger) Send(_ context.Context, call ledger.Call) (common.Hash, error) {
	l.mu.Lock()
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return common.Hash{}, err
	}
	l.nonce++
	hash := common.BigToHash(new(big.Int).SetUint64(l.nonce))
	l.sent = append(l.sent, call)
	status := types.ReceiptStatusSuccessful
	var emitted []ledger.Event
	if l.rejected[call.Method] {
		status = types.ReceiptStatusFailed
	} else if err := l.execute(call, hash, &emitted); err != nil {
		status = types.ReceiptStatusFailed
	}
	l.receipts[hash] = &types.Receipt{Status: status, TxHash: hash, BlockNumber: new(big.Int).SetUint64(l.nonce)}
	l.logs[hash] = emitted
	l.mu.Unlock()
	return hash, nil
}

func (l *Ledger) execute(call ledger.Call, hash common.Hash, emitted *[]ledger.Event) error {
	if l.disabled {
		return errors.New("contract disabled")
	}
	switch call.Method {
	case "vote":
		candidate, _ := call.Args[0].(string)
		if _, ok := l.votes[candidate]; !ok {
			return errors.New("unknown proposal")
		}
		if l.winner != "" || l.isManager(call.From) || l.voterVotes[call.From] >= ballot.MaxVotesPerVoter {
			return errors.New("vote not allowed")
		}
		if call.Value == nil || call.Value.Cmp(ballot.DefaultStake) != 0 {
			return errors.New("wrong stake")
		}
		l.votes[candidate]++
		l.voterVotes[call.From]++
		l.balance.Add(l.balance, uint256.MustFromBig(call.Value))
		*emitted = append(*emitted, ledger.Event{Kind: ledger.EventVoteCast, Voter: call.From, Candidate: candidate, TxHash: hash})
	case "endVoting":
		if !l.isManager(call.From) || l.winner != "" {
			return errors.New("not allowed")
		}
		var best string
		var most uint64
		for _, name := range l.order {
			if best == "" || l.votes[name] > most {
				best, most = name, l.votes[name]
			}
		}
		l.winner = best
		l.history = append(l.history, ballot.HistoryEntry{Sequence: len(l.history) + 1, Winner: best, VotesReceived: most})
		*emitted = append(*emitted, ledger.Event{Kind: ledger.EventVotingEnded, Winner: best, VotesReceived: most, TxHash: hash})
	case "withdraw":
		if !l.isManager(call.From) {
			return errors.New("not allowed")
		}
		l.balance.Clear()
	case "resetVoting":
		if !l.isManager(call.From) || l.winner == "" {
			return errors.New("not allowed")
		}
		for name := range l.votes {
			l.votes[name] = 0
		}
		l.voterVotes = make(map[common.Address]uint64)
		l.winner = ""
	case "changeOwner":
		if !l.isManager(call.From) || l.winner == "" {
			return errors.New("not allowed")
		}
		owner, _ := call.Args[0].(common.Address)
		l.primary = owner
	case "disableContract":
		if !l.isManager(call.From) {
			return errors.New("not allowed")
		}
		l.disabled = true
	default:
		return fmt.Errorf("unknown method %s", call.Method)
	}
	return nil
}

// WaitReceipt returns the receipt for hash, blocking while receipts are held.
func (l *Ledger) WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	l.mu.Lock()
	held := l.held
	l.mu.Unlock()
	if held != nil {
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.receiptErr != nil {
		return nil, l.receiptErr
	}
	receipt, ok := l.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("ledgertest: unknown transaction %s", hash.Hex())
	}
	return receipt, nil
}

// DecodeReceipt returns the events the transaction emitted.
func (l *Ledger) DecodeReceipt(receipt *types.Receipt) []ledger.Event {
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Event(nil), l.logs[receipt.TxHash]...)
}

// SubscribeEvents relays emitted events into sink.
func (l *Ledger) SubscribeEvents(_ context.Context, sink chan<- ledger.Event) (event.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribeErr != nil {
		return nil, l.subscribeErr
	}
	l.subscriptions++
	return l.feed.Subscribe(sink), nil
}
