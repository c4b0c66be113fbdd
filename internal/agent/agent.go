// Package agent runs the triage policy for a single event: decide, record
// the action, execute it and publish the outcome.
package agent

import (
	"context"
	"log/slog"

	"basegraph.app/triage/common/id"
	"basegraph.app/triage/common/logger"
	"basegraph.app/triage/internal/broker"
	"basegraph.app/triage/internal/domain"
	"basegraph.app/triage/internal/policy"
)

// Executor performs a decided action. It never fails; failures are folded into the Outcome.
type Executor interface {
	Execute(ctx context.Context, event domain.Event, decision domain.Decision) domain.Outcome
}

type Topics struct {
	Actions  string
	Outcomes string
}

// Hooks lets callers observe decisions and outcomes without the service
// depending on a metrics backend. Nil funcs are skipped.
type Hooks struct {
	OnDecision func(rule string, d domain.Decision)
	OnOutcome  func(d domain.Decision, o domain.Outcome)
	OnPublish  func(topic string, err error)
}

type Service struct {
	publisher broker.Publisher
	executor  Executor
	topics    Topics
	hooks     Hooks
	newID     func() string
}

func NewService(publisher broker.Publisher, executor Executor, topics Topics, hooks Hooks) *Service {
	return &Service{
		publisher: publisher,
		executor:  executor,
		topics:    topics,
		hooks:     hooks,
		newID:     func() string { return id.NewPrefixed("a") },
	}
}

// Run processes one event end to end. Publish failures are logged and do
// not fail the run; the only error is an invalid event.
func (s *Service) Run(ctx context.Context, event domain.Event) (domain.RunResult, error) {
	if err := event.Validate(); err != nil {
		return domain.RunResult{}, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:   event.EventID,
		ProjectID: event.ProjectID,
		Source:    string(event.Source),
		EventType: event.Type,
		Component: "triage.agent.service",
	})

	decision, rule := policy.DecideWithRule(event)
	slog.InfoContext(ctx, "decision made",
		"action", decision.Action,
		"target", decision.Target,
		"rule", rule,
		"rationale", decision.Rationale)
	if s.hooks.OnDecision != nil {
		s.hooks.OnDecision(rule, decision)
	}

	record := domain.NewActionRecord(s.newID(), event, decision)
	s.publish(ctx, s.topics.Actions, record.ProjectID, record)

	outcome := s.executor.Execute(ctx, event, decision)
	s.publish(ctx, s.topics.Outcomes, outcome.ProjectID, outcome)

	slog.InfoContext(ctx, "action outcome",
		"action", decision.Action,
		"risk_delta", outcome.RiskDelta,
		"ack", outcome.Ack,
		"outcome_id", outcome.EventID)
	if s.hooks.OnOutcome != nil {
		s.hooks.OnOutcome(decision, outcome)
	}

	return domain.RunResult{
		Status:  domain.RunStatusProcessed,
		EventID: event.EventID,
		Action:  decision.Action,
		Outcome: outcome,
	}, nil
}

func (s *Service) publish(ctx context.Context, topic, key string, value any) {
	err := s.publisher.Publish(ctx, topic, key, value)
	if err != nil {
		slog.ErrorContext(ctx, "failed to publish record", "topic", topic, "error", err)
	}
	if s.hooks.OnPublish != nil {
		s.hooks.OnPublish(topic, err)
	}
}
