package agent

// State is the position of a turn in its lifecycle.
//
//	Pending → AwaitingModel → Dispatching → (AwaitingModel | Done)
//
// Aborted, Failed and Stopped are the other terminal states.
type State int32

const (
	// StatePending means the turn has not started.
	StatePending State = iota
	// StateAwaitingModel means a model call is in flight.
	StateAwaitingModel
	// StateDispatching means the model's tool call is running.
	StateDispatching
	// StateDone means the model replied with send_message.
	StateDone
	// StateAborted means the iteration cap was hit before a reply.
	StateAborted
	// StateFailed means a collaborator returned an error or the context
	// was cancelled.
	StateFailed
	// StateStopped means the caller stopped consuming events early.
	StateStopped
)

var stateNames = [...]string{
	StatePending:       "pending",
	StateAwaitingModel: "awaiting_model",
	StateDispatching:   "dispatching",
	StateDone:          "done",
	StateAborted:       "aborted",
	StateFailed:        "failed",
	StateStopped:       "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s >= StateDone
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
