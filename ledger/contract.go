package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"scrumvote/ballot"
)

var (
	//go:embed voting_abi.json
	votingABIJSON string
	// VotingABI is the parsed interface of the voting contract.
	VotingABI abi.ABI
)

func init() {
	var err error
	VotingABI, err = abi.JSON(strings.NewReader(votingABIJSON))
	if err != nil {
		panic(err)
	}
}

// Backend is the subset of the Ethereum JSON-RPC the contract binding uses.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// TxSigner signs transactions on behalf of a wallet account.
type TxSigner interface {
	SignTx(account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Dial connects to an Ethereum node. Event subscriptions need a websocket or IPC endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Contract implements Reader, Writer and EventSource for one deployed voting contract.
type Contract struct {
	address       common.Address
	backend       Backend
	signer        TxSigner
	limiter       *rate.Limiter
	logger        *slog.Logger
	pollInterval  time.Duration
	confirmations uint64
	gasMultiplier float64
}

// Option customises a Contract.
type Option func(*Contract)

// WithSigner supplies the signer used by Send.
func WithSigner(s TxSigner) Option {
	return func(c *Contract) { c.signer = s }
}

// WithRateLimit throttles RPC calls to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Contract) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Contract) { c.logger = l }
}

// WithReceiptPolling configures how receipts are awaited.
func WithReceiptPolling(interval time.Duration, confirmations uint64) Option {
	return func(c *Contract) {
		c.pollInterval = interval
		c.confirmations = confirmations
	}
}

// WithGasMultiplier pads estimated gas by the given factor.
func WithGasMultiplier(m float64) Option {
	return func(c *Contract) { c.gasMultiplier = m }
}

// NewContract binds the voting contract deployed at address.
func NewContract(address common.Address, backend Backend, opts ...Option) *Contract {
	c := &Contract{
		address:       address,
		backend:       backend,
		limiter:       rate.NewLimiter(rate.Inf, 0),
		logger:        slog.Default(),
		pollInterval:  2 * time.Second,
		confirmations: 1,
		gasMultiplier: 1.2,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ledger")
	return c
}

// Address returns the contract address.
func (c *Contract) Address() common.Address { return c.address }

func (c *Contract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	data, err := VotingABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := c.address
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := VotingABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return values, nil
}

func (c *Contract) callAddress(ctx context.Context, method string) (common.Address, error) {
	out, err := c.call(ctx, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("call %s: unexpected result %T", method, out[0])
	}
	return addr, nil
}

func (c *Contract) callUint(ctx context.Context, method string, args ...interface{}) (uint64, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	return toUint64(method, out[0])
}

func (c *Contract) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	value, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("call %s: unexpected result %T", method, out[0])
	}
	return value, nil
}

func toUint64(method string, value interface{}) (uint64, error) {
	n, ok := value.(*big.Int)
	if !ok || n == nil {
		return 0, fmt.Errorf("%s: unexpected result %T", method, value)
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("%s: value %s out of range", method, n)
	}
	return n.Uint64(), nil
}

// Manager reads the primary manager address.
func (c *Contract) Manager(ctx context.Context) (common.Address, error) {
	return c.callAddress(ctx, "manager")
}

// SecondaryManager reads the secondary manager address.
func (c *Contract) SecondaryManager(ctx context.Context) (common.Address, error) {
	return c.callAddress(ctx, "manager2")
}

// Votes reads the vote count of a candidate.
func (c *Contract) Votes(ctx context.Context, candidate string) (uint64, error) {
	return c.callUint(ctx, "votes", candidate)
}

// VoterVotes reads how many votes voter has cast in the current round.
func (c *Contract) VoterVotes(ctx context.Context, voter common.Address) (uint64, error) {
	return c.callUint(ctx, "voterVotes", voter)
}

// IsAuthorizedManager reports whether account may run administrative actions.
func (c *Contract) IsAuthorizedManager(ctx context.Context, account common.Address) (bool, error) {
	return c.callBool(ctx, "isAuthorizedManager", account)
}

// ContractDisabled reads the disabled flag.
func (c *Contract) ContractDisabled(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "contractDisabled")
}

type voteRecord struct {
	Winner        string
	VotesReceived *big.Int
}

// VoteHistory reads every concluded round in ledger order.
func (c *Contract) VoteHistory(ctx context.Context) ([]ballot.HistoryEntry, error) {
	out, err := c.call(ctx, "getVoteHistory")
	if err != nil {
		return nil, err
	}
	records := *abi.ConvertType(out[0], new([]voteRecord)).(*[]voteRecord)
	history := make([]ballot.HistoryEntry, 0, len(records))
	for i, rec := range records {
		votes, err := toUint64("getVoteHistory", rec.VotesReceived)
		if err != nil {
			return nil, err
		}
		history = append(history, ballot.HistoryEntry{
			Sequence:      i + 1,
			Winner:        rec.Winner,
			VotesReceived: votes,
		})
	}
	return history, nil
}

// Balance reads the ether held by the contract.
func (c *Contract) Balance(ctx context.Context) (*uint256.Int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := c.backend.BalanceAt(ctx, c.address, nil)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	balance, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, fmt.Errorf("balance: %s overflows 256 bits", raw)
	}
	return balance, nil
}

// Send signs and broadcasts call, returning the transaction hash.
func (c *Contract) Send(ctx context.Context, call Call) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, fmt.Errorf("send %s: signer not configured", call.Method)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return common.Hash{}, err
	}
	data, err := VotingABI.Pack(call.Method, call.Args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", call.Method, err)
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, call.From)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	to := c.address
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: call.From, To: &to, Value: value, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate %s: %w", call.Method, err)
	}
	if c.gasMultiplier > 1 {
		gas = uint64(float64(gas) * c.gasMultiplier)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("head: %w", err)
	}
	var tx *types.Transaction
	if head != nil && head.BaseFee != nil {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("gas tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		})
	} else {
		price, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}
	signed, err := c.signer.SignTx(call.From, tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign %s: %w", call.Method, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", call.Method, err)
	}
	c.logger.Info("transaction sent", "method", call.Method, "tx", signed.Hash().Hex(), "from", call.From.Hex())
	return signed.Hash(), nil
}

// WaitReceipt polls for the receipt of hash until it has the configured number
// of confirmations or ctx ends. A reverted transaction is returned with its
// failed status rather than as an error.
func (c *Contract) WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	interval := c.pollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := c.receiptWithConfirmations(ctx, hash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Contract) receiptWithConfirmations(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return nil, nil
	}
	if c.confirmations <= 1 || receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, nil
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	if head == nil || head.Number == nil || receipt.BlockNumber == nil {
		return nil, fmt.Errorf("block metadata unavailable")
	}
	if head.Number.Cmp(receipt.BlockNumber) < 0 {
		return nil, nil
	}
	confirmed := new(big.Int).Sub(head.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	if confirmed.Cmp(new(big.Int).SetUint64(c.confirmations)) < 0 {
		return nil, nil
	}
	return receipt, nil
}

// DecodeReceipt extracts the contract events carried by a receipt.
func (c *Contract) DecodeReceipt(receipt *types.Receipt) []Event {
	if receipt == nil {
		return nil
	}
	var events []Event
	for _, l := range receipt.Logs {
		if l == nil {
			continue
		}
		ev, ok, err := c.parseLog(*l)
		if err != nil {
			c.logger.Warn("undecodable receipt log", "tx", receipt.TxHash.Hex(), "error", err)
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events
}

// SubscribeEvents streams VoteCasted and VotingEnded logs of the contract into sink.
func (c *Contract) SubscribeEvents(ctx context.Context, sink chan<- Event) (event.Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{{
			VotingABI.Events[string(EventVoteCast)].ID,
			VotingABI.Events[string(EventVotingEnded)].ID,
		}},
	}
	logs := make(chan types.Log, 64)
	sub, err := c.backend.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case l := <-logs:
				ev, ok, err := c.parseLog(l)
				if err != nil {
					c.logger.Warn("undecodable contract log", "tx", l.TxHash.Hex(), "error", err)
					continue
				}
				if !ok {
					continue
				}
				select {
				case sink <- ev:
				case err := <-sub.Err():
					return err
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (c *Contract) parseLog(l types.Log) (Event, bool, error) {
	if l.Address != c.address || len(l.Topics) == 0 {
		return Event{}, false, nil
	}
	abiEvent, err := VotingABI.EventByID(l.Topics[0])
	if err != nil {
		return Event{}, false, nil
	}
	values := make(map[string]interface{})
	if len(l.Data) > 0 {
		if err := abiEvent.Inputs.UnpackIntoMap(values, l.Data); err != nil {
			return Event{}, false, fmt.Errorf("unpack %s: %w", abiEvent.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range abiEvent.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, indexed, l.Topics[1:]); err != nil {
			return Event{}, false, fmt.Errorf("topics %s: %w", abiEvent.Name, err)
		}
	}
	ev := Event{
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		BlockNumber: l.BlockNumber,
		Removed:     l.Removed,
	}
	switch EventKind(abiEvent.Name) {
	case EventVoteCast:
		ev.Kind = EventVoteCast
		voter, ok := values["voter"].(common.Address)
		if !ok {
			return Event{}, false, fmt.Errorf("%s: voter missing", abiEvent.Name)
		}
		ev.Voter = voter
		ev.Candidate = stringValue(values["proposal"])
	case EventVotingEnded:
		ev.Kind = EventVotingEnded
		ev.Winner = stringValue(values["winner"])
		votes, err := toUint64(abiEvent.Name, values["votesReceived"])
		if err != nil {
			return Event{}, false, err
		}
		ev.VotesReceived = votes
	default:
		return Event{}, false, nil
	}
	return ev, true, nil
}

// stringValue tolerates indexed string arguments, which arrive as topic hashes.
func stringValue(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case common.Hash:
		return value.Hex()
	default:
		return ""
	}
}
