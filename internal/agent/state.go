package agent

import "fmt"

// State is a position in the per-query state machine:
//
//	AwaitingModel → ModelRequestedTool → ExecutingTool → AwaitingModel → …
//	  → Answered | Failed | TurnLimitReached
type State int

const (
	StateAwaitingModel State = iota
	StateModelRequestedTool
	StateExecutingTool
	StateAnswered
	StateFailed
	StateTurnLimitReached
)

var stateNames = [...]string{
	StateAwaitingModel:      "awaiting_model",
	StateModelRequestedTool: "model_requested_tool",
	StateExecutingTool:      "executing_tool",
	StateAnswered:           "answered",
	StateFailed:             "failed",
	StateTurnLimitReached:   "turn_limit",
}

// String returns the state's snake_case name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAnswered || s == StateFailed || s == StateTurnLimitReached
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
