package action

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/triage/common/clock"
	"basegraph.app/triage/common/id"
	"basegraph.app/triage/common/logger"
	"basegraph.app/triage/internal/calendar"
	"basegraph.app/triage/internal/domain"
)

// Risk deltas per action. Negative means the action reduced outstanding risk.
const (
	RiskAssignOwner       = -0.1
	RiskEscalateOwner     = -0.3
	RiskScheduleUnblocker = -0.2
	RiskPostNudge         = -0.05
	RiskFailure           = 0.1
)

const (
	unblockerLeadTime    = time.Hour
	unblockerDurationMin = 15
)

// Calendar is the side-effecting collaborator used by schedule_unblocker and post_nudge.
type Calendar interface {
	CreateMeeting(ctx context.Context, m calendar.Meeting) calendar.Result
	SendNudge(ctx context.Context, n calendar.Nudge) calendar.Result
}

type Executor struct {
	calendar Calendar
	clock    clock.Clock
	newID    func() string
}

type Option func(*Executor)

// WithIDFunc overrides outcome id generation (default "o-<snowflake>").
func WithIDFunc(fn func() string) Option {
	return func(e *Executor) { e.newID = fn }
}

func NewExecutor(cal Calendar, clk clock.Clock, opts ...Option) *Executor {
	e := &Executor{
		calendar: cal,
		clock:    clk,
		newID:    func() string { return id.NewPrefixed("o") },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs the decided action and always returns a well-formed
// Outcome. Side-effect failures are folded into the outcome as
// ack=false with RiskFailure; they are never returned to the caller.
func (e *Executor) Execute(ctx context.Context, event domain.Event, decision domain.Decision) domain.Outcome {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "triage.action.executor",
	})

	outcome := domain.Outcome{
		EventID:   e.newID(),
		ProjectID: event.ProjectID,
	}

	res := e.dispatchSafe(ctx, event, decision)
	if !res.OK() {
		slog.WarnContext(ctx, "action execution failed",
			"action", decision.Action,
			"target", decision.Target,
			"error", res.Err)
		outcome.RiskDelta = RiskFailure
		outcome.Ack = false
		return outcome
	}

	outcome.RiskDelta = successDelta(decision.Action)
	outcome.Ack = true

	slog.InfoContext(ctx, "action executed",
		"action", decision.Action,
		"target", decision.Target,
		"side_effect_id", res.ID,
		"risk_delta", outcome.RiskDelta)
	return outcome
}

func (e *Executor) dispatchSafe(ctx context.Context, event domain.Event, decision domain.Decision) (res calendar.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = calendar.Result{Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return e.dispatch(ctx, event, decision)
}

func (e *Executor) dispatch(ctx context.Context, event domain.Event, decision domain.Decision) calendar.Result {
	switch decision.Action {
	case domain.ActionAssignOwner, domain.ActionEscalateOwner:
		// Ownership changes are recorded through the actions topic only.
		return calendar.Result{}
	case domain.ActionScheduleUnblocker:
		return e.calendar.CreateMeeting(ctx, calendar.Meeting{
			Title:        "Unblocker: " + orDefault(event.Title, "Issue"),
			Participants: []string{decision.Target},
			StartAt:      e.clock.Now().Add(unblockerLeadTime).UTC().Format(time.RFC3339),
			DurationMin:  unblockerDurationMin,
		})
	case domain.ActionPostNudge:
		return e.calendar.SendNudge(ctx, calendar.Nudge{
			To:      decision.Target,
			Message: fmt.Sprintf("Please triage issue: %s - %s", orDefault(event.Title, "New Issue"), event.URL),
		})
	default:
		return calendar.Result{Err: fmt.Errorf("unknown action %q", decision.Action)}
	}
}

func successDelta(a domain.Action) float64 {
	switch a {
	case domain.ActionAssignOwner:
		return RiskAssignOwner
	case domain.ActionEscalateOwner:
		return RiskEscalateOwner
	case domain.ActionScheduleUnblocker:
		return RiskScheduleUnblocker
	case domain.ActionPostNudge:
		return RiskPostNudge
	}
	return 0
}

// orDefault treats an empty string as absent.
func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
