package session

// State is the lifecycle position of the device session.
type State int

const (
	Detached State = iota
	Opening
	Attached
	Closing
	Faulted
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Opening:
		return "opening"
	case Attached:
		return "attached"
	case Closing:
		return "closing"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
