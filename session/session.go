// Package session ties identity resolution, the mirror, event handling and
// transaction submission together for one wallet connection.
package session

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
	"github.com/ethereum/go-ethereum/event"
	"github.com/samber/lo"

	"scrumvote/ballot"
	"scrumvote/events"
	"scrumvote/ledger"
	"scrumvote/mirror"
	"scrumvote/notify"
	"scrumvote/observability"
	"scrumvote/txn"
)

// Status is the coarse state of the session.
type Status string

const (
	StatusStarting        Status = "starting"
	StatusNoProvider      Status = "no_provider"
	StatusNoAccount       Status = "no_account"
	StatusNetworkMismatch Status = "network_mismatch"
	StatusReady           Status = "ready"
)

const (
	messageNoProvider = "Wallet is not available."
	messageNoAccount  = "Wallet is not installed or not connected."
)

// Resolver is the identity and network resolver.
type Resolver interface {
	Resolve(ctx context.Context) (ballot.Connection, error)
	Watch(ctx context.Context, onAccount func([]common.Address), onNetwork func(uint64)) (event.Subscription, error)
}

// AccountSelector switches the active wallet account.
type AccountSelector interface {
	Select(account common.Address) error
}

// Ledger is the full contract surface a session drives.
type Ledger interface {
	ledger.Reader
	ledger.Writer
	ledger.EventSource
}

// Config wires a session.
type Config struct {
	Resolver           Resolver
	Ledger             Ledger
	Selector           AccountSelector
	Candidates         []string
	Accepted           []ballot.Network
	Notifier           notify.Notifier
	Logger             *slog.Logger
	SyncTimeout        time.Duration
	ReceiptTimeout     time.Duration
	Stake              *big.Int
	ResubscribeBackoff time.Duration
}

// View is a read-only rendering of the session for presentation layers.
type View struct {
	Generation  uint64                 `json:"generation"`
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Mirror      ballot.Mirror          `json:"mirror"`
	Permissions ballot.Permissions     `json:"permissions"`
	Pending     []ballot.PendingAction `json:"pending"`
}

// generation is everything scoped to one network connection. A network change
// discards the whole generation.
type generation struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	mirror *mirror.Synchronizer
	orch   *txn.Orchestrator
	handle *events.Handle
	watch  event.Subscription
}

func (g *generation) close() {
	g.cancel()
	if g.handle != nil {
		g.handle.Close()
	}
	if g.orch != nil {
		g.orch.Close()
	}
	if g.watch != nil {
		g.watch.Unsubscribe()
	}
}

// Session is the long-lived client. It is safe for concurrent use.
type Session struct {
	cfg    Config
	logger *slog.Logger

	reloadMu sync.Mutex
	root     context.Context

	mu      sync.RWMutex
	nextID  uint64
	current *generation
	status  Status
	message string
}

// New validates cfg and returns an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("session: resolver required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("session: ledger required")
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = ballot.DefaultCandidates
	}
	cfg.Candidates = lo.Uniq(cfg.Candidates)
	if len(cfg.Accepted) == 0 {
		cfg.Accepted = ballot.DefaultNetworks
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cfg: cfg, logger: logger.With("component", "session"), status: StatusStarting}, nil
}

// Start resolves the identity and loads the first generation. ctx bounds the
// lifetime of every generation.
func (s *Session) Start(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.root = ctx
	return s.load()
}

// Reload discards the current generation and starts over, exactly as a fresh
// start would.
func (s *Session) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if s.root == nil {
		return errors.New("session: not started")
	}
	return s.reloadLocked()
}

func (s *Session) reloadLocked() error {
	s.mu.Lock()
	old := s.current
	s.current = nil
	s.status = StatusStarting
	s.message = ""
	s.mu.Unlock()
	if old != nil {
		old.close()
	}
	observability.Client().RecordReload()
	return s.load()
}

// reloadFrom reloads only if generation id is still current; concurrent change
// notifications collapse into a single reload.
func (s *Session) reloadFrom(id uint64) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.mu.RLock()
	stale := s.current == nil || s.current.id != id
	s.mu.RUnlock()
	if stale {
		return
	}
	if err := s.reloadLocked(); err != nil {
		s.logger.Warn("session reload incomplete", "error", err)
	}
}

func (s *Session) load() error {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.root)
	gen := &generation{id: id, ctx: ctx, cancel: cancel}

	conn, err := s.cfg.Resolver.Resolve(ctx)
	switch {
	case errors.Is(err, ballot.ErrNoProvider):
		s.install(gen, StatusNoProvider, messageNoProvider)
		return err
	case errors.Is(err, ballot.ErrNoAccount):
		s.watch(gen)
		s.install(gen, StatusNoAccount, messageNoAccount)
		return err
	case err != nil:
		s.logger.Warn("wallet resolution failed", "error", err)
		s.install(gen, StatusNoProvider, messageNoProvider)
		return err
	}

	gen.mirror = mirror.NewSynchronizer(s.cfg.Ledger, s.cfg.Candidates,
		mirror.WithTimeout(s.cfg.SyncTimeout),
		mirror.WithLogger(s.logger),
	)
	gen.mirror.SetConnection(conn)
	s.watch(gen)
	if !conn.Accepted {
		s.install(gen, StatusNetworkMismatch, MismatchMessage(s.cfg.Accepted))
		s.logger.Warn("network not accepted", "chain_id", conn.ChainID)
		return nil
	}

	notifier := s.tracking(id)
	gen.orch = txn.NewOrchestrator(s.cfg.Ledger, gen.mirror,
		txn.WithStake(s.cfg.Stake),
		txn.WithReceiptTimeout(s.cfg.ReceiptTimeout),
		txn.WithNotifier(notifier),
		txn.WithLogger(s.logger),
	)
	s.install(gen, StatusReady, "")

	if _, err := gen.mirror.FullSync(ctx); err != nil {
		s.logger.Warn("initial sync failed", "error", err)
	}
	sub := events.NewSubscriber(s.cfg.Ledger, gen.mirror,
		events.WithNotifier(notifier),
		events.WithLogger(s.logger),
		events.WithBackoff(s.cfg.ResubscribeBackoff),
	)
	handle, err := sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("session: subscribe events: %w", err)
	}
	s.mu.Lock()
	if s.current == gen {
		gen.handle = handle
		handle = nil
	}
	s.mu.Unlock()
	if handle != nil {
		handle.Close()
	}
	s.logger.Info("session ready", "generation", id, "account", conn.Account.Hex(), "network", conn.Network)
	return nil
}

func (s *Session) install(gen *generation, status Status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = gen
	s.status = status
	s.message = message
}

func (s *Session) watch(gen *generation) {
	sub, err := s.cfg.Resolver.Watch(gen.ctx, func(accounts []common.Address) {
		s.accountChanged(gen, accounts)
	}, func(chainID uint64) {
		s.logger.Info("network changed, reloading", "chain_id", chainID)
		go s.reloadFrom(gen.id)
	})
	if err != nil {
		s.logger.Warn("wallet change notifications unavailable", "error", err)
		return
	}
	gen.watch = sub
}

// accountChanged re-derives identity and eligibility without reloading the
// rest of the mirror.
func (s *Session) accountChanged(gen *generation, accounts []common.Address) {
	s.mu.RLock()
	stale := s.current != gen
	status := s.status
	s.mu.RUnlock()
	if stale {
		return
	}
	if len(accounts) == 0 || gen.mirror == nil || status == StatusNoAccount {
		go s.reloadFrom(gen.id)
		return
	}
	conn := gen.mirror.Snapshot().Connection
	conn.Account = accounts[0]
	gen.mirror.SetConnection(conn)
	s.logger.Info("account changed", "account", conn.Account.Hex())
	if !conn.Accepted {
		return
	}
	if _, err := gen.mirror.PartialSync(gen.ctx, mirror.Only(mirror.FieldVoterVotes|mirror.FieldAuthorization)); err != nil {
		s.logger.Warn("identity sync failed", "error", err)
	}
}

// tracking wraps the configured notifier so that status, error and winner
// notices also become the session message while generation id is current.
func (s *Session) tracking(id uint64) notify.Notifier {
	return notify.Func(func(ctx context.Context, n notify.Notification) {
		s.mu.Lock()
		current := s.current != nil && s.current.id == id
		if current && n.Kind != notify.KindVoteCast && n.Message != "" {
			s.message = n.Message
		}
		s.mu.Unlock()
		if current {
			s.cfg.Notifier.Notify(ctx, n)
		}
	})
}

func (s *Session) ready() (*generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gen := s.current
	switch {
	case gen == nil:
		return nil, ballot.ErrSessionReloaded
	case s.status == StatusNoProvider:
		return nil, ballot.ErrNoProvider
	case s.status == StatusNoAccount:
		return nil, ballot.ErrNoAccount
	case s.status == StatusNetworkMismatch:
		return nil, ballot.ErrNetworkMismatch
	}
	return gen, nil
}

// Refresh performs a manual full sync.
func (s *Session) Refresh(ctx context.Context) (ballot.Mirror, error) {
	gen, err := s.ready()
	if err != nil {
		return ballot.Mirror{}, err
	}
	return gen.mirror.FullSync(ctx)
}

// Submit hands action to the current generation's orchestrator.
func (s *Session) Submit(ctx context.Context, action ballot.Action) (txn.Result, error) {
	gen, err := s.ready()
	if err != nil {
		return txn.Result{}, err
	}
	return gen.orch.Submit(ctx, action)
}

// SelectAccount switches the wallet's active account. The change arrives back
// through the account-changed notification.
func (s *Session) SelectAccount(account common.Address) error {
	if s.cfg.Selector == nil {
		return errors.New("session: wallet does not support account selection")
	}
	return s.cfg.Selector.Select(account)
}

// View renders the current state.
func (s *Session) View() View {
	s.mu.RLock()
	gen := s.current
	v := View{Status: s.status, Message: s.message}
	s.mu.RUnlock()

	if gen == nil || gen.mirror == nil {
		v.Mirror = mirror.NewStore(s.cfg.Candidates).Snapshot()
		if gen != nil {
			v.Generation = gen.id
		}
		return v
	}
	v.Generation = gen.id
	v.Mirror = gen.mirror.Snapshot()
	if v.Status == StatusReady {
		v.Permissions = ballot.Evaluate(v.Mirror)
	}
	if gen.orch != nil {
		v.Pending = gen.orch.Pending()
	}
	return v
}

// Close tears the current generation down.
func (s *Session) Close() {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.mu.Lock()
	gen := s.current
	s.current = nil
	s.mu.Unlock()
	if gen != nil {
		gen.close()
	}
}

// MismatchMessage is the blocking notice shown on an unaccepted network.
func MismatchMessage(accepted []ballot.Network) string {
	names := lo.Map(accepted, func(n ballot.Network, _ int) string { return n.Name })
	return fmt.Sprintf("Please connect to the %s network.", strings.Join(names, " or "))
}
