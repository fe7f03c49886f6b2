// Package txn submits state-changing contract calls and reflects their outcome
// back into the mirror.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"scrumvote/ballot"
	"scrumvote/ledger"
	"scrumvote/mirror"
	"scrumvote/notify"
	"scrumvote/observability"
)

// Mirror is the slice of the synchronizer the orchestrator needs.
type Mirror interface {
	Snapshot() ballot.Mirror
	FullSync(ctx context.Context) (ballot.Mirror, error)
	PartialSync(ctx context.Context, fields mirror.Fields) (ballot.Mirror, error)
	RecordWinner(name string) ballot.Mirror
	ClearRound() ballot.Mirror
	MarkDisabled() ballot.Mirror
}

// Result is the terminal outcome of a submission.
type Result struct {
	Action  ballot.PendingAction `json:"action"`
	Mirror  ballot.Mirror        `json:"mirror"`
	Message string               `json:"message"`
	// SyncError is set when the follow-up refresh failed. The transaction
	// itself is confirmed; the mirror keeps its previous values.
	SyncError string `json:"sync_error,omitempty"`
}

type flightKey struct {
	kind    ballot.ActionKind
	account common.Address
}

// Orchestrator drives each action through Idle, Submitted and a terminal status.
// Failed actions are never retried.
type Orchestrator struct {
	writer         ledger.Writer
	mirror         Mirror
	notifier       notify.Notifier
	stake          *big.Int
	receiptTimeout time.Duration
	logger         *slog.Logger
	metrics        *observability.ClientMetrics
	tracer         trace.Tracer
	now            func() time.Time

	life   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inFlight map[flightKey]*ballot.PendingAction
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithStake overrides the payment attached to votes.
func WithStake(wei *big.Int) Option {
	return func(o *Orchestrator) {
		if wei != nil && wei.Sign() > 0 {
			o.stake = new(big.Int).Set(wei)
		}
	}
}

// WithReceiptTimeout bounds how long a submission waits for its receipt.
func WithReceiptTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.receiptTimeout = d }
}

// WithNotifier routes status messages to n.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.ClientMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator binds a writer to the mirror it refreshes.
func NewOrchestrator(writer ledger.Writer, m Mirror, opts ...Option) *Orchestrator {
	life, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		writer:         writer,
		mirror:         m,
		notifier:       notify.Discard,
		stake:          new(big.Int).Set(ballot.DefaultStake),
		receiptTimeout: 5 * time.Minute,
		logger:         slog.Default(),
		metrics:        observability.Client(),
		tracer:         otel.Tracer("scrumvote/txn"),
		now:            time.Now,
		life:           life,
		cancel:         cancel,
		inFlight:       make(map[flightKey]*ballot.PendingAction),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "txn")
	return o
}

// Close discards all in-flight tracking. Submissions still waiting return
// ErrSessionReloaded and never touch the mirror.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.inFlight = make(map[flightKey]*ballot.PendingAction)
	o.mu.Unlock()
	o.cancel()
}

// Pending lists actions that have not yet reached a reflected outcome.
func (o *Orchestrator) Pending() []ballot.PendingAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ballot.PendingAction, 0, len(o.inFlight))
	for _, p := range o.inFlight {
		out = append(out, *p)
	}
	return out
}

// Submit validates, authorizes and sends action, waits for its receipt and
// performs the matching follow-up refresh.
func (o *Orchestrator) Submit(ctx context.Context, action ballot.Action) (Result, error) {
	if o.isClosed() {
		return Result{}, ballot.ErrSessionReloaded
	}
	kind := action.Kind
	account := o.mirror.Snapshot().Connection.Account
	pending, err := o.reserve(kind, account)
	if err != nil {
		if errors.Is(err, ballot.ErrActionInFlight) {
			o.metrics.ActionRejected(string(kind), "in_flight")
		}
		return Result{}, err
	}
	defer o.releaseFlight(pending)

	// The gate reads the mirror only while the slot is held, so it sees the
	// outcome of any earlier action of the same kind.
	snapshot := o.mirror.Snapshot()
	if snapshot.Connection.Account != account {
		return Result{}, ballot.ErrSessionReloaded
	}
	if err := action.Validate(snapshot); err != nil {
		o.metrics.ActionRejected(string(kind), "invalid")
		return Result{}, err
	}
	if err := ballot.Authorize(kind, snapshot); err != nil {
		o.metrics.ActionRejected(string(kind), "not_authorized")
		return Result{}, err
	}

	ctx, span := o.tracer.Start(ctx, "txn.submit", trace.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("account", account.Hex()),
		attribute.String("action_id", pending.ID),
	))
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.life, cancel)
	defer stop()

	o.metrics.ActionStarted(string(kind))
	start := o.now()
	o.notifier.Notify(ctx, notify.New(notify.KindStatus, kind.ProgressMessage()))

	result, outcome, err := o.execute(ctx, action, pending, account)
	o.metrics.ActionFinished(string(kind), outcome, o.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if !errors.Is(err, ballot.ErrSessionReloaded) {
			o.notifier.Notify(ctx, notify.New(notify.KindError, ballot.MessageTransactionFailed))
		}
		o.logger.Warn("action failed", "kind", string(kind), "id", pending.ID, "tx", pending.TxHash.Hex(), "outcome", outcome, "error", err)
		return result, err
	}
	o.notifier.Notify(ctx, notify.New(notify.KindStatus, result.Message))
	o.logger.Info("action confirmed", "kind", string(kind), "id", pending.ID, "tx", pending.TxHash.Hex())
	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, action ballot.Action, pending *ballot.PendingAction, account common.Address) (Result, string, error) {
	call := ledger.Call{From: account, Method: action.Kind.Method()}
	switch action.Kind {
	case ballot.ActionVote:
		call.Args = []interface{}{action.Candidate}
		call.Value = new(big.Int).Set(o.stake)
	case ballot.ActionChangeOwner:
		call.Args = []interface{}{common.HexToAddress(strings.TrimSpace(action.NewOwner))}
	}

	hash, err := o.writer.Send(ctx, call)
	if err != nil {
		return o.fail(pending, err)
	}
	o.setTx(pending, hash)

	waitCtx := ctx
	if o.receiptTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.receiptTimeout)
		defer cancel()
	}
	receipt, err := o.writer.WaitReceipt(waitCtx, hash)
	if err != nil {
		return o.fail(pending, err)
	}
	if o.isClosed() {
		return o.fail(pending, ballot.ErrSessionReloaded)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return o.fail(pending, fmt.Errorf("%w: transaction %s reverted", ballot.ErrRemoteRejected, hash.Hex()))
	}

	o.setStatus(pending, ballot.StatusConfirmed)
	m, syncErr := o.followUp(ctx, action, receipt)
	if o.isClosed() {
		return o.fail(pending, ballot.ErrSessionReloaded)
	}
	res := Result{Action: o.copyOf(pending), Mirror: m, Message: action.Kind.DoneMessage()}
	if syncErr != nil {
		res.SyncError = syncErr.Error()
		o.logger.Warn("follow-up sync failed", "kind", string(action.Kind), "tx", hash.Hex(), "error", syncErr)
	}
	return res, "confirmed", nil
}

func (o *Orchestrator) followUp(ctx context.Context, action ballot.Action, receipt *types.Receipt) (ballot.Mirror, error) {
	switch action.Kind {
	case ballot.ActionVote:
		return o.mirror.PartialSync(ctx, mirror.Only(mirror.FieldVoterVotes|mirror.FieldBalance, action.Candidate))
	case ballot.ActionDeclareWinner:
		declared := false
		for _, ev := range o.writer.DecodeReceipt(receipt) {
			if ev.Kind == ledger.EventVotingEnded {
				o.mirror.RecordWinner(ev.Winner)
				declared = true
			}
		}
		m, err := o.mirror.PartialSync(ctx, mirror.Only(mirror.FieldHistory|mirror.FieldCandidateVotes))
		if err == nil && !declared && len(m.History) > 0 {
			m = o.mirror.RecordWinner(m.History[len(m.History)-1].Winner)
		}
		return m, err
	case ballot.ActionWithdraw:
		return o.mirror.PartialSync(ctx, mirror.Only(mirror.FieldBalance))
	case ballot.ActionReset:
		o.mirror.ClearRound()
		return o.mirror.FullSync(ctx)
	case ballot.ActionChangeOwner:
		return o.mirror.PartialSync(ctx, mirror.Only(mirror.FieldManagers|mirror.FieldAuthorization))
	case ballot.ActionDisable:
		o.mirror.MarkDisabled()
		return o.mirror.PartialSync(ctx, mirror.Only(mirror.FieldDisabled))
	default:
		return o.mirror.Snapshot(), nil
	}
}

func (o *Orchestrator) fail(pending *ballot.PendingAction, err error) (Result, string, error) {
	if o.isClosed() || errors.Is(err, ballot.ErrSessionReloaded) {
		return Result{}, "reloaded", ballot.ErrSessionReloaded
	}
	o.setStatus(pending, ballot.StatusFailed)
	classified := classify(err)
	outcome := "network_error"
	if errors.Is(classified, ballot.ErrRemoteRejected) {
		outcome = "rejected"
	}
	return Result{Action: o.copyOf(pending), Mirror: o.mirror.Snapshot(), Message: ballot.MessageTransactionFailed}, outcome, classified
}

// classify maps submission failures onto RemoteRejected or NetworkError. Any
// JSON-RPC error response means the node refused the call; everything else is
// a transport failure.
func classify(err error) error {
	if errors.Is(err, ballot.ErrRemoteRejected) || errors.Is(err, ballot.ErrNetworkError) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %v", ballot.ErrRemoteRejected, err)
	}
	return fmt.Errorf("%w: %v", ballot.ErrNetworkError, err)
}

func (o *Orchestrator) reserve(kind ballot.ActionKind, account common.Address) (*ballot.PendingAction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ballot.ErrSessionReloaded
	}
	key := flightKey{kind: kind, account: account}
	if _, busy := o.inFlight[key]; busy {
		return nil, fmt.Errorf("%w: %s", ballot.ErrActionInFlight, kind)
	}
	p := &ballot.PendingAction{
		ID:          uuid.NewString(),
		Kind:        kind,
		Account:     account,
		Status:      ballot.StatusSubmitted,
		SubmittedAt: o.now().UTC(),
	}
	o.inFlight[key] = p
	return p, nil
}

func (o *Orchestrator) releaseFlight(p *ballot.PendingAction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := flightKey{kind: p.Kind, account: p.Account}
	if current, ok := o.inFlight[key]; ok && current == p {
		delete(o.inFlight, key)
	}
}

func (o *Orchestrator) setTx(p *ballot.PendingAction, hash common.Hash) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p.TxHash = hash
}

// setStatus moves p to status unless p already reached a terminal status.
func (o *Orchestrator) setStatus(p *ballot.PendingAction, status ballot.ActionStatus) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p.Status.Terminal() {
		return false
	}
	p.Status = status
	return true
}

func (o *Orchestrator) copyOf(p *ballot.PendingAction) ballot.PendingAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *p
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
