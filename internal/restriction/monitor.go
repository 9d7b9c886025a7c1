package restriction

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nestguard/nestguard/internal/guard"
)

// Monitor is the thin adapter between the scheduler's callbacks and the pure
// transition function. It owns the machine state, loads the target snapshot
// when an action calls for it, and drives the enforcer.
//
// Scheduler callbacks arrive on arbitrary goroutines at unpredictable times;
// the mutex serializes them so state transitions and their enforcement are
// observed in callback order.
type Monitor struct {
	targets *TargetStore
	guard   *guard.HouseholdContext
	enf     Enforcer
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// NewMonitor constructs a Monitor with empty machine state.
func NewMonitor(targets *TargetStore, g *guard.HouseholdContext, enf Enforcer, logger *slog.Logger) *Monitor {
	return &Monitor{
		targets: targets,
		guard:   g,
		enf:     enf,
		logger:  logger,
		state:   NewState(),
	}
}

// OnIntervalStart reacts to an activity interval beginning.
func (m *Monitor) OnIntervalStart(ctx context.Context, activityName string) {
	m.dispatch(ctx, Event{Type: EventIntervalStart, Activity: activityName})
}

// OnIntervalEnd reacts to an activity interval ending.
func (m *Monitor) OnIntervalEnd(ctx context.Context, activityName string) {
	m.dispatch(ctx, Event{Type: EventIntervalEnd, Activity: activityName})
}

// OnThreshold reacts to a usage threshold firing during an active interval.
func (m *Monitor) OnThreshold(ctx context.Context, eventName, activityName string) {
	m.logger.Info("threshold reached",
		slog.String("event", eventName), slog.String("activity", activityName))
	m.dispatch(ctx, Event{Type: EventThreshold, Activity: activityName})
}

func (m *Monitor) dispatch(ctx context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := KindOf(ev.Activity)
	if kind == KindUnknown {
		m.logger.Warn("ignoring event for unrecognized activity",
			slog.String("activity", ev.Activity))
		return
	}

	next, actions := Reduce(m.state, ev)
	m.state = next

	for _, action := range actions {
		switch action {
		case ActionClearAll:
			if err := m.enf.ClearAll(ctx); err != nil {
				m.logger.Error("clear restrictions", slog.Any("error", err))
			}
		case ActionApplyTargets:
			m.applyTargets(ctx)
		}
	}
}

// applyTargets loads the current snapshot and applies its non-empty
// categories. Load failures are absorbed: no restriction change is made on a
// read error, which avoids bricking a device over transient storage trouble.
// Each category is applied only when non-empty, so a household that blocks
// only specific apps never picks up category or domain restrictions it did
// not select.
func (m *Monitor) applyTargets(ctx context.Context) {
	dependentID := m.guard.ActiveDependentID()
	if dependentID == "" {
		m.logger.Info("no acting dependent, skipping restriction apply")
		return
	}
	set, err := m.targets.LoadFor(ctx, dependentID)
	if err != nil {
		m.logger.Warn("restriction targets unavailable, leaving device state unchanged",
			slog.Any("error", err))
		return
	}

	if len(set.Apps) > 0 {
		if err := m.enf.ApplyApps(ctx, set.Apps); err != nil {
			m.logger.Error("apply app restrictions", slog.Any("error", err))
		}
	}
	if len(set.Categories) > 0 {
		if err := m.enf.ApplyCategories(ctx, set.Categories); err != nil {
			m.logger.Error("apply category restrictions", slog.Any("error", err))
		}
	}
	if len(set.Domains) > 0 {
		if err := m.enf.ApplyDomains(ctx, set.Domains); err != nil {
			m.logger.Error("apply domain restrictions", slog.Any("error", err))
		}
	}
}

// PhaseOf exposes the recorded phase for diagnostics and tests.
func (m *Monitor) PhaseOf(activity string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.PhaseOf(activity)
}
