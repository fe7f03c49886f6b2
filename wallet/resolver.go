// Package wallet resolves the account and network a session operates against.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"scrumvote/ballot"
)

// Provider is the injected wallet capability: account list, network id,
// signing, and change notifications.
type Provider interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SignTx(account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	SubscribeAccountsChanged(ch chan<- []common.Address) event.Subscription
	SubscribeChainChanged(ch chan<- *big.Int) event.Subscription
}

// Resolver establishes the session identity and validates its network.
type Resolver struct {
	provider Provider
	accepted []ballot.Network
	logger   *slog.Logger
}

// NewResolver builds a resolver over provider. A nil provider is allowed and
// makes every resolution fail with ballot.ErrNoProvider.
func NewResolver(provider Provider, accepted []ballot.Network, logger *slog.Logger) *Resolver {
	if len(accepted) == 0 {
		accepted = ballot.DefaultNetworks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		provider: provider,
		accepted: append([]ballot.Network(nil), accepted...),
		logger:   logger.With("component", "wallet.resolver"),
	}
}

// Accepts looks chainID up in the allow-list.
func (r *Resolver) Accepts(chainID uint64) (ballot.Network, bool) {
	for _, n := range r.accepted {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return ballot.Network{}, false
}

// Resolve returns the active account and network. A network outside the
// allow-list is not an error: the connection comes back with Accepted unset.
func (r *Resolver) Resolve(ctx context.Context) (ballot.Connection, error) {
	if r.provider == nil {
		return ballot.Connection{}, ballot.ErrNoProvider
	}
	accounts, err := r.provider.Accounts(ctx)
	if err != nil {
		return ballot.Connection{}, fmt.Errorf("%w: %v", ballot.ErrNoProvider, err)
	}
	if len(accounts) == 0 {
		return ballot.Connection{}, ballot.ErrNoAccount
	}
	chainID, err := r.provider.ChainID(ctx)
	if err != nil {
		return ballot.Connection{}, fmt.Errorf("%w: chain id: %v", ballot.ErrNoProvider, err)
	}
	conn := ballot.Connection{Account: accounts[0]}
	if chainID != nil && chainID.IsUint64() {
		conn.ChainID = chainID.Uint64()
	}
	if network, ok := r.Accepts(conn.ChainID); ok {
		conn.Network = network.Name
		conn.Accepted = true
	} else {
		r.logger.Warn("wallet connected to unaccepted network", "chain_id", conn.ChainID)
	}
	return conn, nil
}

// Watch relays account and network change notifications until ctx ends or the
// returned subscription is released.
func (r *Resolver) Watch(ctx context.Context, onAccount func([]common.Address), onNetwork func(uint64)) (event.Subscription, error) {
	if r.provider == nil {
		return nil, ballot.ErrNoProvider
	}
	accountsCh := make(chan []common.Address, 4)
	chainCh := make(chan *big.Int, 4)
	accountsSub := r.provider.SubscribeAccountsChanged(accountsCh)
	chainSub := r.provider.SubscribeChainChanged(chainCh)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer accountsSub.Unsubscribe()
		defer chainSub.Unsubscribe()
		for {
			select {
			case accounts := <-accountsCh:
				if onAccount != nil {
					onAccount(accounts)
				}
			case id := <-chainCh:
				if onNetwork != nil && id != nil {
					onNetwork(id.Uint64())
				}
			case err := <-accountsSub.Err():
				return err
			case err := <-chainSub.Err():
				return err
			case <-ctx.Done():
				return nil
			case <-quit:
				return nil
			}
		}
	}), nil
}
