package whatsapp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotLoggedIn is returned when a send is attempted before login.
	ErrNotLoggedIn = errors.New("session not logged in")
	// ErrReconnectExhausted is returned when every reconnect attempt failed.
	ErrReconnectExhausted = errors.New("all reconnect attempts failed")
)

// TransportError is a failed protocol operation on one session. The
// dispatcher records it against the contact and feeds it to the health
// monitor; it is never retried.
type TransportError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(sessionID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{SessionID: sessionID, Op: op, Err: err}
}

var proxyErrorMarkers = []string{
	"proxy",
	"socks",
	"connection refused",
	"connection reset",
	"network unreachable",
	"host unreachable",
	"no route to host",
	"i/o timeout",
}

// IsProxyError reports whether err looks like the outbound proxy failed
// rather than the messaging service.
func IsProxyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range proxyErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
