package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"scrumvote/ballot"
	"scrumvote/ledger"
	"scrumvote/observability"
)

// FieldTag selects a group of ledger reads. Tags combine as a bit set.
type FieldTag uint8

const (
	FieldManagers FieldTag = 1 << iota
	FieldBalance
	FieldCandidateVotes
	FieldVoterVotes
	FieldAuthorization
	FieldDisabled
	FieldHistory

	fieldAll = FieldManagers | FieldBalance | FieldCandidateVotes | FieldVoterVotes |
		FieldAuthorization | FieldDisabled | FieldHistory
)

// Fields is the set of reads a partial sync performs. Candidates narrows
// FieldCandidateVotes; when empty every candidate is read.
type Fields struct {
	Tags       FieldTag
	Candidates []string
}

// Only builds a field set from tags, optionally narrowed to candidates.
func Only(tags FieldTag, candidates ...string) Fields {
	if len(candidates) > 0 {
		tags |= FieldCandidateVotes
	}
	return Fields{Tags: tags, Candidates: candidates}
}

// All selects every read a full sync performs.
func All() Fields {
	return Fields{Tags: fieldAll}
}

// Has reports whether tag is selected.
func (f Fields) Has(tag FieldTag) bool { return f.Tags&tag != 0 }

func (f Fields) scope() string {
	if f.Tags == fieldAll && len(f.Candidates) == 0 {
		return "full"
	}
	return "partial"
}

// staged collects read results before they are applied in one step.
type staged struct {
	primary, secondary common.Address
	balance            *uint256.Int
	votes              map[string]uint64
	votesCast          uint64
	isManager          bool
	disabled           bool
	history            []ballot.HistoryEntry
}

// Synchronizer is the only writer of the Store. Every sync reads current remote
// truth and applies it atomically; a failed sync leaves the mirror untouched.
type Synchronizer struct {
	store   *Store
	reader  ledger.Reader
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.ClientMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option customises a Synchronizer.
type Option func(*Synchronizer)

// WithTimeout bounds each sync.
func WithTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.timeout = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.ClientMetrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithClock sets the function used to stamp updates.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer creates a synchronizer and its store for candidates.
func NewSynchronizer(reader ledger.Reader, candidates []string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:   NewStore(lo.Uniq(candidates)),
		reader:  reader,
		timeout: 15 * time.Second,
		logger:  slog.Default(),
		metrics: observability.Client(),
		tracer:  otel.Tracer("scrumvote/mirror"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "mirror")
	return s
}

// Snapshot returns the current mirror.
func (s *Synchronizer) Snapshot() ballot.Mirror { return s.store.Snapshot() }

// Subscribe exposes the store's change notifications.
func (s *Synchronizer) Subscribe() (<-chan ballot.Mirror, func()) { return s.store.Subscribe() }

// SetConnection records a resolved identity. Switching accounts drops the
// previous voter record until the next sync re-derives it.
func (s *Synchronizer) SetConnection(conn ballot.Connection) ballot.Mirror {
	return s.store.update(func(m *ballot.Mirror) {
		if m.Connection.Account != conn.Account {
			m.Voter = ballot.VoterRecord{}
		}
		m.Connection = conn
	})
}

// FullSync reads every mirrored field.
func (s *Synchronizer) FullSync(ctx context.Context) (ballot.Mirror, error) {
	return s.sync(ctx, All())
}

// PartialSync reads only the requested fields.
func (s *Synchronizer) PartialSync(ctx context.Context, fields Fields) (ballot.Mirror, error) {
	return s.sync(ctx, fields)
}

func (s *Synchronizer) sync(ctx context.Context, fields Fields) (ballot.Mirror, error) {
	current := s.store.Snapshot()
	if !current.Connection.Accepted {
		return current, ballot.ErrNetworkMismatch
	}
	scope := fields.scope()
	ctx, span := s.tracer.Start(ctx, "mirror."+scope+"_sync", trace.WithAttributes(
		attribute.Int("fields", int(fields.Tags)),
		attribute.StringSlice("candidates", fields.Candidates),
	))
	defer span.End()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := s.now()
	account := current.Connection.Account
	result, err := s.read(ctx, fields, account, current.Candidates)
	s.metrics.ObserveSync(scope, s.now().Sub(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		s.logger.Warn("mirror sync failed", "scope", scope, "error", err)
		wrapped := fmt.Errorf("%w: %v", ballot.ErrRemoteRead, err)
		snapshot := s.store.update(func(m *ballot.Mirror) {
			m.LastError = wrapped.Error()
		})
		return snapshot, wrapped
	}

	snapshot := s.store.update(func(m *ballot.Mirror) {
		s.apply(m, fields, account, result)
	})
	s.record(snapshot, fields)
	return snapshot, nil
}

func (s *Synchronizer) read(ctx context.Context, fields Fields, account common.Address, candidates []ballot.Candidate) (*staged, error) {
	out := &staged{votes: make(map[string]uint64)}
	g, ctx := errgroup.WithContext(ctx)
	hasAccount := account != (common.Address{})

	if fields.Has(FieldManagers) {
		g.Go(func() (err error) {
			out.primary, err = s.reader.Manager(ctx)
			return err
		})
		g.Go(func() (err error) {
			out.secondary, err = s.reader.SecondaryManager(ctx)
			return err
		})
	}
	if fields.Has(FieldBalance) {
		g.Go(func() (err error) {
			out.balance, err = s.reader.Balance(ctx)
			return err
		})
	}
	var names []string
	var counts []uint64
	if fields.Has(FieldCandidateVotes) {
		names = fields.Candidates
		if len(names) == 0 {
			names = lo.Map(candidates, func(c ballot.Candidate, _ int) string { return c.Name })
		}
		counts = make([]uint64, len(names))
		for i, name := range names {
			g.Go(func() (err error) {
				counts[i], err = s.reader.Votes(ctx, name)
				return err
			})
		}
	}
	if fields.Has(FieldVoterVotes) && hasAccount {
		g.Go(func() (err error) {
			out.votesCast, err = s.reader.VoterVotes(ctx, account)
			return err
		})
	}
	if fields.Has(FieldAuthorization) && hasAccount {
		g.Go(func() (err error) {
			out.isManager, err = s.reader.IsAuthorizedManager(ctx, account)
			return err
		})
	}
	if fields.Has(FieldDisabled) {
		g.Go(func() (err error) {
			out.disabled, err = s.reader.ContractDisabled(ctx)
			return err
		})
	}
	if fields.Has(FieldHistory) {
		g.Go(func() (err error) {
			out.history, err = s.reader.VoteHistory(ctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, name := range names {
		out.votes[name] = counts[i]
	}
	return out, nil
}

func (s *Synchronizer) apply(m *ballot.Mirror, fields Fields, account common.Address, r *staged) {
	if fields.Has(FieldManagers) {
		m.Contract.ManagerPrimary = r.primary
		m.Contract.ManagerSecondary = r.secondary
	}
	if fields.Has(FieldBalance) {
		m.Contract.Balance = r.balance
	}
	if fields.Has(FieldCandidateVotes) {
		for i := range m.Candidates {
			if votes, ok := r.votes[m.Candidates[i].Name]; ok {
				m.Candidates[i].Votes = votes
			}
		}
	}
	// The identity may have changed while reads were in flight; voter fields
	// read for a previous account are dropped.
	if m.Connection.Account == account && account != (common.Address{}) {
		m.Voter.Address = account
		if fields.Has(FieldVoterVotes) {
			m.Voter.VotesCast = min(r.votesCast, ballot.MaxVotesPerVoter)
		}
		if fields.Has(FieldAuthorization) {
			m.Voter.IsManager = r.isManager
		}
	}
	if fields.Has(FieldDisabled) {
		m.Contract.Disabled = r.disabled
	}
	if fields.Has(FieldHistory) {
		m.History = r.history
	}
	if fields.scope() == "full" {
		m.Synced = true
	}
	m.LastError = ""
	m.UpdatedAt = s.now()
}

func (s *Synchronizer) record(m ballot.Mirror, fields Fields) {
	if fields.Has(FieldCandidateVotes) {
		for _, c := range m.Candidates {
			s.metrics.RecordCandidateVotes(c.Name, c.Votes)
		}
	}
	if fields.Has(FieldBalance) && m.Contract.Balance != nil {
		s.metrics.RecordBalance(m.Contract.Balance.ToBig())
	}
}

// RecordWinner stores the winner reported by the ledger.
func (s *Synchronizer) RecordWinner(name string) ballot.Mirror {
	return s.store.update(func(m *ballot.Mirror) {
		m.Contract.Winner = name
		m.UpdatedAt = s.now()
	})
}

// ClearRound optimistically zeroes the live counters and the winner after a
// confirmed reset. History is left untouched.
func (s *Synchronizer) ClearRound() ballot.Mirror {
	return s.store.update(func(m *ballot.Mirror) {
		for i := range m.Candidates {
			m.Candidates[i].Votes = 0
		}
		m.Voter.VotesCast = 0
		m.Contract.Winner = ""
		m.UpdatedAt = s.now()
	})
}

// MarkDisabled records a confirmed disable. There is no way back.
func (s *Synchronizer) MarkDisabled() ballot.Mirror {
	return s.store.update(func(m *ballot.Mirror) {
		m.Contract.Disabled = true
		m.UpdatedAt = s.now()
	})
}
