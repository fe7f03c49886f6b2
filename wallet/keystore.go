package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// ChainIDReader reports the chain id of the connected node.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// KeystoreProvider is a Provider backed by an encrypted go-ethereum keystore
// directory. The network id is taken from the connected node and polled so a
// node switching chains is reported as a network change.
type KeystoreProvider struct {
	ks           *keystore.KeyStore
	chain        ChainIDReader
	passphrase   func() (string, error)
	pollInterval time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	selected  common.Address
	lastChain *big.Int

	accountFeed event.Feed
	chainFeed   event.Feed
}

// KeystoreOption customises a KeystoreProvider.
type KeystoreOption func(*KeystoreProvider)

// WithPassphrase sets the function used to unlock accounts when signing.
func WithPassphrase(fn func() (string, error)) KeystoreOption {
	return func(p *KeystoreProvider) { p.passphrase = fn }
}

// WithChainPollInterval sets how often the node's chain id is re-read.
func WithChainPollInterval(d time.Duration) KeystoreOption {
	return func(p *KeystoreProvider) { p.pollInterval = d }
}

// WithProviderLogger overrides the default logger.
func WithProviderLogger(l *slog.Logger) KeystoreOption {
	return func(p *KeystoreProvider) { p.logger = l }
}

// NewKeystoreProvider opens the keystore in dir.
func NewKeystoreProvider(dir string, chain ChainIDReader, opts ...KeystoreOption) *KeystoreProvider {
	return newKeystoreProvider(keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP), chain, opts...)
}

func newKeystoreProvider(ks *keystore.KeyStore, chain ChainIDReader, opts ...KeystoreOption) *KeystoreProvider {
	p := &KeystoreProvider{
		ks:           ks,
		chain:        chain,
		pollInterval: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "wallet.keystore")
	return p
}

// Accounts lists keystore accounts with the selected account first.
func (p *KeystoreProvider) Accounts(context.Context) ([]common.Address, error) {
	p.mu.Lock()
	selected := p.selected
	p.mu.Unlock()
	return p.ordered(selected), nil
}

func (p *KeystoreProvider) ordered(selected common.Address) []common.Address {
	all := p.ks.Accounts()
	out := make([]common.Address, 0, len(all))
	if selected != (common.Address{}) && p.ks.HasAddress(selected) {
		out = append(out, selected)
	}
	for _, acc := range all {
		if acc.Address == selected {
			continue
		}
		out = append(out, acc.Address)
	}
	return out
}

// Select makes account the active identity and notifies subscribers.
func (p *KeystoreProvider) Select(account common.Address) error {
	if !p.ks.HasAddress(account) {
		return fmt.Errorf("account %s not in keystore", account.Hex())
	}
	p.mu.Lock()
	changed := p.selected != account
	p.selected = account
	p.mu.Unlock()
	if changed {
		p.accountFeed.Send(p.ordered(account))
	}
	return nil
}

// ChainID returns the chain id of the connected node.
func (p *KeystoreProvider) ChainID(ctx context.Context) (*big.Int, error) {
	if p.chain == nil {
		return nil, fmt.Errorf("no node connection")
	}
	id, err := p.chain.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.lastChain == nil {
		p.lastChain = new(big.Int).Set(id)
	}
	p.mu.Unlock()
	return id, nil
}

// SignTx signs tx with account, unlocking it with the configured passphrase.
func (p *KeystoreProvider) SignTx(account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if p.passphrase == nil {
		return nil, fmt.Errorf("keystore passphrase not configured")
	}
	pass, err := p.passphrase()
	if err != nil {
		return nil, err
	}
	return p.ks.SignTxWithPassphrase(accounts.Account{Address: account}, pass, tx, chainID)
}

// SubscribeAccountsChanged delivers the reordered account list on every change.
func (p *KeystoreProvider) SubscribeAccountsChanged(ch chan<- []common.Address) event.Subscription {
	return p.accountFeed.Subscribe(ch)
}

// SubscribeChainChanged delivers the new chain id whenever the node's chain changes.
func (p *KeystoreProvider) SubscribeChainChanged(ch chan<- *big.Int) event.Subscription {
	return p.chainFeed.Subscribe(ch)
}

// Run watches the keystore directory and the node's chain id until ctx ends.
func (p *KeystoreProvider) Run(ctx context.Context) {
	walletEvents := make(chan accounts.WalletEvent, 8)
	sub := p.ks.Subscribe(walletEvents)
	defer sub.Unsubscribe()

	interval := p.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-walletEvents:
			p.logger.Info("keystore changed", "event", walletEventName(ev.Kind))
			p.mu.Lock()
			selected := p.selected
			if ev.Kind == accounts.WalletDropped && len(ev.Wallet.Accounts()) > 0 && ev.Wallet.Accounts()[0].Address == selected {
				p.selected = common.Address{}
				selected = common.Address{}
			}
			p.mu.Unlock()
			p.accountFeed.Send(p.ordered(selected))
		case <-ticker.C:
			p.pollChain(ctx)
		}
	}
}

func (p *KeystoreProvider) pollChain(ctx context.Context) {
	if p.chain == nil {
		return
	}
	pollCtx, cancel := context.WithTimeout(ctx, p.pollIntervalOrDefault())
	defer cancel()
	id, err := p.chain.ChainID(pollCtx)
	if err != nil {
		p.logger.Warn("chain id poll failed", "error", err)
		return
	}
	p.mu.Lock()
	previous := p.lastChain
	p.lastChain = new(big.Int).Set(id)
	p.mu.Unlock()
	if previous != nil && previous.Cmp(id) != 0 {
		p.logger.Info("chain changed", "from", previous.String(), "to", id.String())
		p.chainFeed.Send(new(big.Int).Set(id))
	}
}

func (p *KeystoreProvider) pollIntervalOrDefault() time.Duration {
	if p.pollInterval <= 0 {
		return 5 * time.Second
	}
	return p.pollInterval
}

func walletEventName(kind accounts.WalletEventType) string {
	switch kind {
	case accounts.WalletArrived:
		return "arrived"
	case accounts.WalletOpened:
		return "opened"
	case accounts.WalletDropped:
		return "dropped"
	default:
		return "unknown"
	}
}
