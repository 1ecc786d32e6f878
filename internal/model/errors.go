package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means the broker refused the credentials. Fatal at startup.
	ErrAuth = errors.New("authentication failed")
	// ErrNotAuthenticated is returned when a request is attempted before a token exists.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrTokenExpired is returned when the token is older than the expiry window.
	ErrTokenExpired = errors.New("access token expired")
	// ErrPositionOpen is the no-pyramiding guardrail.
	ErrPositionOpen = errors.New("position already open")
	// ErrNotConnected is returned by stream writes while the connector is down.
	ErrNotConnected = errors.New("market data stream not connected")
)

// NetworkError is a transient request or stream failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: network error: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unexpected stream frame.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	frame := e.Frame
	if len(frame) > 120 {
		frame = frame[:120] + "..."
	}
	return fmt.Sprintf("protocol error: %v (frame %q)", e.Err, frame)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// OrderRejection is a broker refusal of an order request.
type OrderRejection struct {
	Op     string
	Status int
	Body   string
}

func (e *OrderRejection) Error() string {
	return fmt.Sprintf("%s rejected by broker (status %d): %s", e.Op, e.Status, e.Body)
}

// RiskRejection is a defined negative outcome of the risk gate, not a fault.
type RiskRejection struct {
	Reason string
	Detail string
}

func (e *RiskRejection) Error() string {
	if e.Detail == "" {
		return "risk rejected: " + e.Reason
	}
	return fmt.Sprintf("risk rejected: %s (%s)", e.Reason, e.Detail)
}

// PartialBracketError means the entry was placed but a protective leg was not.
// The position may be unprotected and needs operator attention.
type PartialBracketError struct {
	BracketID string
	EntryID   int64
	Leg       OrderType
	Err       error
	Flattened bool // compensating flatten succeeded
	StopLive  bool // the placed stop leg is still working
}

func (e *PartialBracketError) Error() string {
	var state string
	switch {
	case e.Flattened && e.StopLive:
		state = "position flattened, stop still working"
	case e.Flattened:
		state = "position flattened"
	case e.StopLive:
		state = "position protected by stop only"
	default:
		state = "position UNPROTECTED"
	}
	return fmt.Sprintf("bracket %s: entry %d placed but %s leg failed: %v; %s",
		e.BracketID, e.EntryID, e.Leg, e.Err, state)
}

func (e *PartialBracketError) Unwrap() error { return e.Err }
