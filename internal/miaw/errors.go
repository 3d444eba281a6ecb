package miaw

import (
	"errors"
	"fmt"
)

// ErrReplyTimeout is returned by WaitForReply when no agent message arrives
// within the configured bound.
var ErrReplyTimeout = errors.New("timed out waiting for agent reply")

// ErrConversationClosed is the cause recorded when waiters are rejected
// because the conversation was closed locally.
var ErrConversationClosed = errors.New("conversation closed")

// ErrUnauthorized marks a request rejected by the messaging API because the
// access token is no longer accepted. The cached grant is invalidated when
// this surfaces, so the next token request fetches a fresh one.
var ErrUnauthorized = errors.New("access token rejected")

// TransportError wraps failures of the remote messaging API or its event
// stream. Auth, subscription, send and stream-termination failures all
// surface as *TransportError.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("miaw %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportErr(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
