package ballot

import "errors"

var (
	// ErrNoProvider is returned when no wallet capability was injected.
	ErrNoProvider = errors.New("ballot: wallet provider unavailable")
	// ErrNoAccount is returned when the wallet exposes no accounts.
	ErrNoAccount = errors.New("ballot: wallet has no accounts")
	// ErrNetworkMismatch reports that the wallet is connected to a network outside the allow-list.
	ErrNetworkMismatch = errors.New("ballot: network not accepted")
	// ErrRemoteRead wraps any failed read of ledger state.
	ErrRemoteRead = errors.New("ballot: remote read failed")
	// ErrNotAuthorized is returned when the local gate denies an action.
	ErrNotAuthorized = errors.New("ballot: action not authorized")
	// ErrRemoteRejected reports that the ledger rejected or reverted a transaction.
	ErrRemoteRejected = errors.New("ballot: transaction rejected")
	// ErrNetworkError reports a transport failure while submitting or confirming a transaction.
	ErrNetworkError = errors.New("ballot: network error")
	// ErrInvalidAddress is returned for syntactically invalid account addresses.
	ErrInvalidAddress = errors.New("ballot: invalid address")
	// ErrUnknownCandidate is returned for names outside the candidate set.
	ErrUnknownCandidate = errors.New("ballot: unknown candidate")
	// ErrActionInFlight is returned when the same action is already submitted for the identity.
	ErrActionInFlight = errors.New("ballot: action already in flight")
	// ErrSessionReloaded reports that the session was reloaded before the outcome could be reflected.
	ErrSessionReloaded = errors.New("ballot: session reloaded")
)
