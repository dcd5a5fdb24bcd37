package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotConnected is returned when an operation needs an established
	// signaling connection.
	ErrNotConnected = errors.New("not connected to signaling server")

	// ErrProtocolViolation marks malformed frames and illegal negotiation
	// steps. These are logged and dropped, never fatal.
	ErrProtocolViolation = errors.New("protocol violation")
)

// TransportError reports a failure to connect to or write to the signaling
// transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NegotiationFailure reports that a peer session could not reach or keep a
// working connection. The session has been closed when this is surfaced.
type NegotiationFailure struct {
	UserID string
	Step   string
	Err    error
}

func (e *NegotiationFailure) Error() string {
	return fmt.Sprintf("negotiation with %s failed at %s: %v", e.UserID, e.Step, e.Err)
}

func (e *NegotiationFailure) Unwrap() error {
	return e.Err
}

// TrackReplacementError collects the sessions that rejected a video track
// substitution, keyed by user id.
type TrackReplacementError struct {
	Failures map[string]error
}

func (e *TrackReplacementError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failures[id]))
	}
	return fmt.Sprintf("replace video track failed for %d session(s): %s", len(ids), strings.Join(parts, "; "))
}

func (e *TrackReplacementError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
