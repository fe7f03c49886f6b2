// Package notify delivers user-facing notices about ledger activity.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"scrumvote/observability"
)

// Kind classifies a notification.
type Kind string

const (
	KindVoteCast Kind = "vote_cast"
	KindWinner   Kind = "winner"
	KindStatus   Kind = "status"
	KindError    Kind = "error"
)

// Notification is a single transient notice.
type Notification struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// New stamps a notification with a fresh identifier.
func New(kind Kind, message string) Notification {
	return Notification{ID: uuid.NewString(), Kind: kind, Message: message, At: time.Now().UTC()}
}

// Notifier receives notifications. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n Notification)

// Notify calls f.
func (f Func) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Discard drops every notification.
var Discard Notifier = Func(func(context.Context, Notification) {})

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n at info level.
func (l LogNotifier) Notify(ctx context.Context, n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "id", n.ID, "kind", string(n.Kind), "message", n.Message)
	observability.Events().RecordNotification(string(n.Kind))
}

// Multi fans a notification out to every member.
type Multi []Notifier

// Notify forwards n to each non-nil notifier in order.
func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(ctx, n)
		}
	}
}
