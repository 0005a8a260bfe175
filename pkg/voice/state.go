package voice

// State lifecycle position of a Manager.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateConnecting
	StateConnected
	StateRecording
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecording:
		return "recording"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Live reports whether a backend connection is open.
func (s State) Live() bool {
	return s == StateConnected || s == StateRecording
}
