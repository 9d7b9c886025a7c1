package restriction

import "strings"

// ActivityKind classifies a scheduler activity name into its reaction
// behavior.
type ActivityKind int

const (
	KindUnknown ActivityKind = iota
	KindUnrestrictedSession
	KindTimerRestriction
	KindDailyRestriction
	KindUsageThresholdRestriction
)

func (k ActivityKind) String() string {
	switch k {
	case KindUnrestrictedSession:
		return "unrestricted-session"
	case KindTimerRestriction:
		return "timer-restriction"
	case KindDailyRestriction:
		return "daily-restriction"
	case KindUsageThresholdRestriction:
		return "usage-threshold-restriction"
	default:
		return "unknown"
	}
}

// restricting reports whether the kind applies targets rather than lifting
// them.
func (k ActivityKind) restricting() bool {
	switch k {
	case KindTimerRestriction, KindDailyRestriction, KindUsageThresholdRestriction:
		return true
	default:
		return false
	}
}

// KindOf classifies a scheduler-supplied activity name. Names are matched
// case-insensitively ignoring separators, since schedulers on different
// platforms deliver "dailyRestriction" and "daily-restriction" for the same
// activity.
func KindOf(activityName string) ActivityKind {
	switch canonical(activityName) {
	case "unrestrictedsession":
		return KindUnrestrictedSession
	case "timerrestriction":
		return KindTimerRestriction
	case "dailyrestriction":
		return KindDailyRestriction
	case "usagethresholdrestriction", "usagethreshold":
		return KindUsageThresholdRestriction
	default:
		return KindUnknown
	}
}

func canonical(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Phase is the per-activity lifecycle.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseActive
	PhaseEnded
)

// EventType is the scheduler callback that fired.
type EventType int

const (
	EventIntervalStart EventType = iota
	EventIntervalEnd
	EventThreshold
)

// Event is one scheduler callback, as a value the reducer can consume.
type Event struct {
	Type     EventType
	Activity string
}

// ActionType is an enforcement intent emitted by the reducer. The reducer
// never touches the target store or the OS restriction API itself; it only
// decides, and the monitor executes.
type ActionType int

const (
	// ActionClearAll lifts every restriction category regardless of what is
	// currently applied. Total on purpose: partial clears previously let a
	// stale category restriction persist through a supposedly-free session.
	ActionClearAll ActionType = iota
	// ActionApplyTargets applies the current target snapshot, each category
	// only if non-empty.
	ActionApplyTargets
)

// State is the machine's view of activity phases. Values are immutable;
// Reduce returns a fresh State.
type State struct {
	phases map[string]Phase
}

// NewState returns an empty machine state.
func NewState() State {
	return State{}
}

// PhaseOf returns the recorded phase for an activity name.
func (s State) PhaseOf(activity string) Phase {
	return s.phases[activity]
}

func (s State) withPhase(activity string, p Phase) State {
	next := make(map[string]Phase, len(s.phases)+1)
	for k, v := range s.phases {
		next[k] = v
	}
	next[activity] = p
	return State{phases: next}
}

// Reduce is the pure transition function: given the current state and one
// scheduler event, it returns the next state and the enforcement actions to
// execute. Deterministic and side-effect free, so the transition table is
// testable without a scheduler, a store or an OS.
//
//	kind          | on start       | on end         | on threshold
//	--------------+----------------+----------------+--------------
//	unrestricted  | clear all      | apply targets  | -
//	timer/daily   | apply targets  | clear all      | apply targets
//	usage-thresh  | apply targets  | -              | apply targets
//	unknown       | -              | -              | -
func Reduce(s State, ev Event) (State, []ActionType) {
	kind := KindOf(ev.Activity)

	switch ev.Type {
	case EventIntervalStart:
		next := s.withPhase(ev.Activity, PhaseActive)
		switch {
		case kind == KindUnrestrictedSession:
			return next, []ActionType{ActionClearAll}
		case kind.restricting():
			return next, []ActionType{ActionApplyTargets}
		default:
			return s, nil
		}

	case EventIntervalEnd:
		next := s.withPhase(ev.Activity, PhaseEnded)
		switch kind {
		case KindUnrestrictedSession:
			return next, []ActionType{ActionApplyTargets}
		case KindTimerRestriction, KindDailyRestriction:
			return next, []ActionType{ActionClearAll}
		case KindUsageThresholdRestriction:
			return next, nil
		default:
			return s, nil
		}

	case EventThreshold:
		if !kind.restricting() {
			return s, nil
		}
		return s, []ActionType{ActionApplyTargets}
	}
	return s, nil
}
