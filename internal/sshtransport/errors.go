package sshtransport

import "fmt"

// TransportDownError is returned by Open when the transport is not READY
// (not yet connected, closing or CLOSED), and by an Open still waiting for
// its channel when the transport closes (spec.md §4.B, §5 "Cancellation").
type TransportDownError struct {
	Cause error
}

func (e *TransportDownError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport closed: %v", e.Cause)
	}
	return "transport closed"
}

func (e *TransportDownError) Unwrap() error { return e.Cause }

// UpstreamOpenError wraps a per-channel open(Endpoint) failure (remote
// refused, DNS failure at the remote end, channel prohibited). Per
// spec.md §4.B this does NOT tear down the transport.
type UpstreamOpenError struct {
	Endpoint string
	Cause    error
}

func (e *UpstreamOpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Endpoint, e.Cause)
}

func (e *UpstreamOpenError) Unwrap() error { return e.Cause }
