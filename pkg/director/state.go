package director

// State is the phase of the current snapshot attempt.
type State int32

const (
	StateIdle State = iota
	StateTakingTransient
	StateWaitingForCommit
	StatePersisting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTakingTransient:
		return "taking_transient"
	case StateWaitingForCommit:
		return "waiting_for_commit"
	case StatePersisting:
		return "persisting"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
