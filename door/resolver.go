package door

import "garaged/sensor"

// State is the five-state door position model.
type State int

const (
	StateUnknown State = iota
	StateOpen
	StateOpening
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateOpening:
		return "opening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Resolve combines the open-function and close-function sensor results with
// the previous door state into a new state. Every one of the nine result
// combinations is handled as its own mutually exclusive case; nothing falls
// through between rows.
//
// A door with neither sensor firing is in transit: which direction depends
// on where it last rested. Both sensors firing at once is a contradiction
// and resolves to unknown; the caller is expected to log it.
func Resolve(openResult, closeResult sensor.DetectionResult, prev State) State {
	switch {
	case openResult == sensor.ResultUnknown && closeResult == sensor.ResultUnknown:
		return StateUnknown
	case openResult == sensor.ResultUnknown && closeResult == sensor.ResultUndetected:
		// Only the close sensor reports, and it sees nothing: infer open.
		return StateOpen
	case openResult == sensor.ResultUnknown && closeResult == sensor.ResultDetected:
		return StateClosed
	case openResult == sensor.ResultUndetected && closeResult == sensor.ResultUnknown:
		// Only the open sensor reports, and it sees nothing: infer closed.
		return StateClosed
	case openResult == sensor.ResultUndetected && closeResult == sensor.ResultUndetected:
		return resolveInTransit(prev)
	case openResult == sensor.ResultUndetected && closeResult == sensor.ResultDetected:
		return StateClosed
	case openResult == sensor.ResultDetected && closeResult == sensor.ResultUnknown:
		return StateOpen
	case openResult == sensor.ResultDetected && closeResult == sensor.ResultUndetected:
		return StateOpen
	default: // both detected: contradiction
		return StateUnknown
	}
}

// resolveInTransit picks a direction for a door that is between endpoints.
func resolveInTransit(prev State) State {
	switch prev {
	case StateOpen:
		return StateClosing
	case StateClosed:
		return StateOpening
	case StateOpening, StateClosing:
		return prev
	default:
		return StateUnknown
	}
}
