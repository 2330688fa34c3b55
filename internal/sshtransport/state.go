package sshtransport

// State is one of the TransportState values from spec.md §3:
// IDLE -> CONNECTING -> READY -> CLOSING -> CLOSED. A failed CONNECTING
// goes straight to CLOSED with a terminal error; there is no automatic
// reconnection at this layer (spec.md §7).
type State int32

const (
	Idle State = iota
	Connecting
	Ready
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
