package state

import "fmt"

// State is a lifecycle state shared by tasks, stages, and pipelines. Each
// entity kind uses a subset of the values.
type State string

const (
	Initial    State = "INITIAL"
	Scheduling State = "SCHEDULING"
	Scheduled  State = "SCHEDULED"
	Submitting State = "SUBMITTING"
	Submitted  State = "SUBMITTED"
	Completed  State = "COMPLETED"
	Dequeueing State = "DEQUEUEING"
	Dequeued   State = "DEQUEUED"
	Done       State = "DONE"
	Failed     State = "FAILED"
	Canceled   State = "CANCELED"
)

// Kind identifies which state machine governs an entity.
type Kind string

const (
	KindTask     Kind = "task"
	KindStage    Kind = "stage"
	KindPipeline Kind = "pipeline"
)

// machine lists the causal order of a kind's non-cancel states. Entries
// sharing a rank are alternative outcomes (DONE or FAILED).
type machine struct {
	rank     map[State]int
	terminal map[State]bool
}

var machines = map[Kind]machine{
	KindTask: {
		rank: map[State]int{
			Initial: 0, Scheduling: 1, Scheduled: 2, Submitting: 3, Submitted: 4,
			Completed: 5, Dequeueing: 6, Dequeued: 7, Done: 8, Failed: 8, Canceled: 9,
		},
		terminal: map[State]bool{Done: true, Failed: true, Canceled: true},
	},
	KindStage: {
		rank:     map[State]int{Initial: 0, Scheduling: 1, Scheduled: 2, Done: 3, Canceled: 4},
		terminal: map[State]bool{Done: true, Canceled: true},
	},
	KindPipeline: {
		rank:     map[State]int{Initial: 0, Scheduling: 1, Done: 2, Canceled: 3},
		terminal: map[State]bool{Done: true, Canceled: true},
	},
}

// Valid reports whether s belongs to the state machine of kind.
func Valid(kind Kind, s State) bool {
	m, ok := machines[kind]
	if !ok {
		return false
	}
	_, ok = m.rank[s]
	return ok
}

// Terminal reports whether s is final for kind.
func Terminal(kind Kind, s State) bool {
	return machines[kind].terminal[s]
}

// Rank returns the causal position of s within kind's machine, or -1 when s
// does not belong to it.
func Rank(kind Kind, s State) int {
	r, ok := machines[kind].rank[s]
	if !ok {
		return -1
	}
	return r
}

// Allowed reports whether from -> to is a forward edge of kind's machine.
// Every non-terminal state may move to CANCELED.
func Allowed(kind Kind, from, to State) bool {
	if !Valid(kind, from) || !Valid(kind, to) || Terminal(kind, from) {
		return false
	}
	if to == Canceled {
		return true
	}
	return Rank(kind, to) == Rank(kind, from)+1
}

// Next returns the successor states of s in kind's machine, excluding CANCELED.
func Next(kind Kind, s State) []State {
	var out []State
	for _, candidate := range order {
		if candidate != Canceled && Allowed(kind, s, candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

var order = []State{Initial, Scheduling, Scheduled, Submitting, Submitted, Completed, Dequeueing, Dequeued, Done, Failed, Canceled}

// All returns the states of kind's machine in lifecycle order.
func All(kind Kind) []State {
	var out []State
	for _, s := range order {
		if Valid(kind, s) {
			out = append(out, s)
		}
	}
	return out
}

// Parse validates a wire value against kind's machine.
func Parse(kind Kind, value string) (State, error) {
	s := State(value)
	if !Valid(kind, s) {
		return "", fmt.Errorf("%s state %q: %w", kind, value, ErrUnknownState)
	}
	return s, nil
}
