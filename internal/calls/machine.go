package calls

// transitions is the complete call graph. Anything not listed is a
// STATE_CONFLICT. Disconnects and hangups end any non-terminal session.
var transitions = map[Status][]Status{
	StatusRinging:    {StatusConnecting, StatusRejected, StatusTimeout, StatusEnded},
	StatusConnecting: {StatusActive, StatusEnded},
	StatusActive:     {StatusExtending, StatusEnded},
	StatusExtending:  {StatusActive, StatusEnded},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
