package clicker

import "fmt"

// StateTag identifies one of the six run states.
type StateTag string

const (
	TagIdle      StateTag = "idle"
	TagSearching StateTag = "searching"
	TagClicking  StateTag = "clicking"
	TagWaiting   StateTag = "waiting"
	TagError     StateTag = "error"
	TagCompleted StateTag = "completed"
)

// RunState is the tagged state of one automation run. Message is set only
// for TagError; Count only for TagCompleted. The value is owned by the
// Clicker and mutated only by its transition function; external readers
// get copies via the snapshot accessor or the event bus.
type RunState struct {
	Tag     StateTag
	Message string
	Count   int
}

func Idle() RunState      { return RunState{Tag: TagIdle} }
func Searching() RunState { return RunState{Tag: TagSearching} }
func Clicking() RunState  { return RunState{Tag: TagClicking} }
func Waiting() RunState   { return RunState{Tag: TagWaiting} }

// Failed builds the terminal error state.
func Failed(message string) RunState {
	return RunState{Tag: TagError, Message: message}
}

// Completed builds the terminal success state with the final click count.
func Completed(count int) RunState {
	return RunState{Tag: TagCompleted, Count: count}
}

// IsTerminal reports whether the run has ended and needs a fresh Start.
func (s RunState) IsTerminal() bool {
	return s.Tag == TagError || s.Tag == TagCompleted
}

func (s RunState) String() string {
	switch s.Tag {
	case TagError:
		return fmt.Sprintf("error(%s)", s.Message)
	case TagCompleted:
		return fmt.Sprintf("completed(%d)", s.Count)
	default:
		return string(s.Tag)
	}
}
