package workflows

// Slot states of a milestone's verification lifecycle. StateNone means no
// request has ever been created for the milestone.
const (
	StateNone         = "none"
	StatePending      = "pending"
	StateApproved     = "approved"
	StateRejected     = "rejected"
	StateAutoVerified = "auto_verified"
)

// StateMachine enforces milestone verification transitions
type StateMachine struct {
	allowedTransitions map[string][]string
}

// NewStateMachine creates the verification state machine. A rejected
// milestone may be requested again; approved and auto_verified are final.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		allowedTransitions: map[string][]string{
			StateNone:         {StatePending, StateAutoVerified},
			StatePending:      {StateApproved, StateRejected},
			StateRejected:     {StatePending, StateAutoVerified},
			StateApproved:     {},
			StateAutoVerified: {},
		},
	}
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine) CanTransition(from, to string) bool {
	for _, allowedTo := range sm.allowedTransitions[from] {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// IsFinal reports whether no transition leaves state
func (sm *StateMachine) IsFinal(state string) bool {
	allowed, exists := sm.allowedTransitions[state]
	return exists && len(allowed) == 0
}
