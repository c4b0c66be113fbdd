// Package gateway is the long-running broker consumer: it polls the inbound
// topics, forwards every well-formed event downstream and routes failures
// to the dead-letter topic.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"basegraph.app/triage/common/clock"
	"basegraph.app/triage/common/logger"
	"basegraph.app/triage/internal/broker"
	"basegraph.app/triage/internal/domain"
)

type State string

const (
	StateStarting     State = "starting"
	StateSubscribed   State = "subscribed"
	StatePolling      State = "polling"
	StateProcessing   State = "processing"
	StateErrorBackoff State = "error_backoff"
	StateStopped      State = "stopped"
)

// DeadLetter receives events whose forwarding failed.
type DeadLetter interface {
	Send(ctx context.Context, event domain.Event, errMsg string) error
}

type Config struct {
	Group        string
	Instance     string
	Topics       []string
	PollTimeout  time.Duration
	IdleDelay    time.Duration
	ErrorBackoff time.Duration
}

// Hooks lets callers observe the loop. Nil funcs are skipped.
type Hooks struct {
	OnPoll       func(records int)
	OnMalformed  func(topic string)
	OnForward    func(topic string, err error, seconds float64)
	OnDeadLetter func(err error)
	OnLoopError  func()
}

type Consumer struct {
	broker     broker.Client
	forwarder  Forwarder
	deadLetter DeadLetter
	clock      clock.Clock
	cfg        Config
	hooks      Hooks

	session broker.Session

	mu    sync.RWMutex
	state State

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewConsumer(b broker.Client, forwarder Forwarder, deadLetter DeadLetter, clk clock.Clock, cfg Config, hooks Hooks) *Consumer {
	return &Consumer{
		broker:     b,
		forwarder:  forwarder,
		deadLetter: deadLetter,
		clock:      clk,
		cfg:        cfg,
		hooks:      hooks,
		state:      StateStarting,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

func (c *Consumer) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start subscribes the consumer group/instance to the inbound topics.
// An error here is a startup failure and should end the process.
func (c *Consumer) Start(ctx context.Context) error {
	session, err := c.broker.Subscribe(ctx, c.cfg.Group, c.cfg.Instance, c.cfg.Topics)
	if err != nil {
		return fmt.Errorf("subscribing %s/%s: %w", c.cfg.Group, c.cfg.Instance, err)
	}
	c.session = session
	c.setState(StateSubscribed)

	slog.InfoContext(ctx, "consumer subscribed",
		"group", c.cfg.Group,
		"instance", c.cfg.Instance,
		"topics", c.cfg.Topics)
	return nil
}

// Run polls until ctx is cancelled or Stop is called. Cancellation is only
// observed between polls, so a batch already polled always completes.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.stoppedCh)
	defer c.setState(StateStopped)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	slog.InfoContext(ctx, "consumer started")

	for {
		if loopCtx.Err() != nil {
			if err := ctx.Err(); err != nil {
				slog.InfoContext(ctx, "consumer stopping", "reason", err)
				return err
			}
			slog.InfoContext(ctx, "consumer stopping")
			return nil
		}

		handled, err := c.pollOnceSafe(loopCtx)
		if err != nil {
			c.setState(StateErrorBackoff)
			slog.ErrorContext(ctx, "poll iteration failed, backing off",
				"error", err,
				"backoff", c.cfg.ErrorBackoff)
			if c.hooks.OnLoopError != nil {
				c.hooks.OnLoopError()
			}
			_ = clock.Sleep(loopCtx, c.clock, c.cfg.ErrorBackoff)
			continue
		}

		if handled == 0 {
			_ = clock.Sleep(loopCtx, c.clock, c.cfg.IdleDelay)
		}
	}
}

// Stop asks Run to return after the in-flight record and waits for it.
// Only call Stop once Run has been started.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.stoppedCh
}

func (c *Consumer) pollOnceSafe(ctx context.Context) (handled int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.pollOnce(ctx), nil
}

func (c *Consumer) pollOnce(ctx context.Context) int {
	c.setState(StatePolling)
	records := c.broker.Poll(ctx, c.session, c.cfg.PollTimeout)
	if c.hooks.OnPoll != nil {
		c.hooks.OnPoll(len(records))
	}

	if len(records) == 0 {
		slog.DebugContext(ctx, "poll returned no records")
		return 0
	}

	// The whole batch is handled even after cancellation: offsets for it
	// may already be committed, so an unhandled record would be lost.
	c.setState(StateProcessing)
	for _, rec := range records {
		c.handleRecord(ctx, rec)
	}
	return len(records)
}

// handleRecord runs to completion even if ctx is cancelled meanwhile; the
// forwarder's own timeout bounds it.
func (c *Consumer) handleRecord(ctx context.Context, rec broker.Record) {
	ctx = context.WithoutCancel(logger.WithLogFields(ctx, logger.LogFields{
		Topic:     rec.Topic,
		Component: "triage.gateway.consumer",
	}))

	event, err := domain.DecodeEvent(rec.Value)
	if err != nil {
		slog.WarnContext(ctx, "dropping malformed record",
			"error", err,
			"offset", rec.Offset,
			"partition", rec.Partition)
		if c.hooks.OnMalformed != nil {
			c.hooks.OnMalformed(rec.Topic)
		}
		c.ack(ctx, rec)
		return
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:   event.EventID,
		ProjectID: event.ProjectID,
		Source:    string(event.Source),
		EventType: event.Type,
	})
	slog.InfoContext(ctx, "event received", "title", logger.Truncate(event.Title, 80))

	span := logger.StartSpan(ctx, "gateway.forward_event", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	start := c.clock.Now()
	err = c.forwardSafe(span.Context(), event)
	elapsed := c.clock.Now().Sub(start).Seconds()
	if c.hooks.OnForward != nil {
		c.hooks.OnForward(rec.Topic, err, elapsed)
	}

	if err != nil {
		span.RecordError(err)
		slog.ErrorContext(ctx, "event forwarding failed", "error", err)
		dlqErr := c.deadLetter.Send(span.Context(), event, err.Error())
		if c.hooks.OnDeadLetter != nil {
			c.hooks.OnDeadLetter(dlqErr)
		}
		// The dead-letter router has already logged the publish failure.
	} else {
		slog.InfoContext(ctx, "event forwarded")
	}

	c.ack(ctx, rec)
}

func (c *Consumer) forwardSafe(ctx context.Context, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered while forwarding event", "panic", r)
			err = fmt.Errorf("%w: panic: %v", ErrForward, r)
		}
	}()
	err = c.forwarder.Forward(ctx, event)
	if err != nil && !errors.Is(err, ErrForward) {
		err = fmt.Errorf("%w: %w", ErrForward, err)
	}
	return err
}

func (c *Consumer) ack(ctx context.Context, rec broker.Record) {
	if err := c.broker.Ack(ctx, c.session, rec); err != nil {
		slog.WarnContext(ctx, "failed to acknowledge record",
			"error", err,
			"offset", rec.Offset,
			"record_id", rec.ID)
	}
}
