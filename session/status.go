package session

// Status is the lifecycle of a voice session.
type Status int

const (
	Idle Status = iota
	Connecting
	Active
	Ended
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Ended:
		return "ended"
	}
	return "unknown"
}

var transitions = map[Status][]Status{
	Idle:       {Connecting},
	Connecting: {Active, Idle},
	Active:     {Ended},
	Ended:      {Connecting},
}

// CanTransition reports whether a session may move between two statuses.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
