// Package events turns contract logs into targeted mirror refreshes and user
// notifications.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/event"

	"scrumvote/ballot"
	"scrumvote/ledger"
	"scrumvote/mirror"
	"scrumvote/notify"
	"scrumvote/observability"
)

const (
	defaultBackoff = 30 * time.Second
	sinkBuffer     = 64
	seenCapacity   = 1024
)

// Mirror is the part of the synchronizer the handlers drive.
type Mirror interface {
	PartialSync(ctx context.Context, fields mirror.Fields) (ballot.Mirror, error)
	RecordWinner(name string) ballot.Mirror
}

type logKey struct {
	tx    common.Hash
	index uint
}

// Subscriber owns the single event registration of a session.
type Subscriber struct {
	source   ledger.EventSource
	mirror   Mirror
	notifier notify.Notifier
	logger   *slog.Logger
	backoff  time.Duration

	mu         sync.Mutex
	subscribed bool
	handle     *Handle
}

// Option customises a Subscriber.
type Option func(*Subscriber)

// WithNotifier routes user-facing notices to n.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Subscriber) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBackoff caps the delay between resubscription attempts.
func WithBackoff(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// NewSubscriber wires a subscriber to an event source and the mirror.
func NewSubscriber(source ledger.EventSource, m Mirror, opts ...Option) *Subscriber {
	s := &Subscriber{
		source:   source,
		mirror:   m,
		notifier: notify.Discard,
		logger:   slog.Default(),
		backoff:  defaultBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "events")
	return s
}

// Handle is the lifecycle of an active registration.
type Handle struct {
	owner  *Subscriber
	sub    event.Subscription
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Done is closed once the handler goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close releases the registration and waits for the handler to stop.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.sub.Unsubscribe()
		h.cancel()
		<-h.done
		h.owner.release(h)
	})
}

// Subscribe registers the event handlers. Calling it again while a handle is
// active returns that handle without registering anything new.
func (s *Subscriber) Subscribe(ctx context.Context) (*Handle, error) {
	if s.source == nil {
		return nil, errors.New("events: no event source")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return s.handle, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	sink := make(chan ledger.Event, sinkBuffer)
	sub := event.ResubscribeErr(s.backoff, func(ctx context.Context, lastErr error) (event.Subscription, error) {
		if lastErr != nil {
			s.logger.Warn("event subscription dropped, resubscribing", "error", lastErr)
		}
		observability.Events().RecordSubscribe()
		return s.source.SubscribeEvents(ctx, sink)
	})
	h := &Handle{owner: s, sub: sub, cancel: cancel, done: make(chan struct{})}
	s.subscribed = true
	s.handle = h
	go s.loop(ctx, h, sink)
	return h, nil
}

// Subscribed reports whether a registration is active.
func (s *Subscriber) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

func (s *Subscriber) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == h {
		s.subscribed = false
		s.handle = nil
	}
}

func (s *Subscriber) loop(ctx context.Context, h *Handle, sink <-chan ledger.Event) {
	defer close(h.done)
	seen := lru.NewBasicLRU[logKey, struct{}](seenCapacity)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sink:
			if ev.Removed {
				observability.Events().RecordEvent(string(ev.Kind), "removed")
				continue
			}
			if ev.TxHash != (common.Hash{}) {
				key := logKey{tx: ev.TxHash, index: ev.LogIndex}
				if seen.Contains(key) {
					observability.Events().RecordEvent(string(ev.Kind), "duplicate")
					continue
				}
				seen.Add(key, struct{}{})
			}
			s.dispatch(ctx, ev)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, ev ledger.Event) {
	observability.Events().RecordEvent(string(ev.Kind), "handled")
	var err error
	switch ev.Kind {
	case ledger.EventVoteCast:
		s.notifier.Notify(ctx, notify.New(notify.KindVoteCast, fmt.Sprintf("%s voted for %s", ev.Voter.Hex(), ev.Candidate)))
		_, err = s.mirror.PartialSync(ctx, mirror.Only(mirror.FieldBalance|mirror.FieldVoterVotes, ev.Candidate))
	case ledger.EventVotingEnded:
		s.mirror.RecordWinner(ev.Winner)
		s.notifier.Notify(ctx, notify.New(notify.KindWinner, WinnerMessage(ev.Winner, ev.VotesReceived)))
		_, err = s.mirror.PartialSync(ctx, mirror.Only(mirror.FieldHistory))
	default:
		s.logger.Debug("ignoring unknown event", "kind", string(ev.Kind))
		return
	}
	if err != nil {
		observability.Events().RecordHandlerError(string(ev.Kind))
		s.logger.Warn("event follow-up sync failed", "kind", string(ev.Kind), "tx", ev.TxHash.Hex(), "error", err)
	}
}

// WinnerMessage renders the announcement for a concluded round.
func WinnerMessage(winner string, votes uint64) string {
	return fmt.Sprintf("The winner is %s with %d votes!", winner, votes)
}
