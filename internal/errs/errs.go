package errs

import "errors"

// Subscription errors.
var (
	ErrNoCredentials      = errors.New("no credentials configured")
	ErrAlreadySubscribed  = errors.New("topic already subscribed")
	ErrRetriesExhausted   = errors.New("reconnect retries exhausted")
	ErrChannelClosed      = errors.New("channel closed by server")
	ErrNothingToReconnect = errors.New("no subscription to reconnect")
)

// Cache errors.
var (
	ErrNotFound      = errors.New("session not found")
	ErrInvalidRecord = errors.New("invalid session record")
)
