package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"basegraph.app/triage/common/logger"
	"basegraph.app/triage/internal/domain"
)

// ErrForward marks a failure to hand an event to the decision service.
// Every such failure sends the event to the dead-letter topic.
var ErrForward = errors.New("agent processing failed")

const DefaultForwardTimeout = 30 * time.Second

type Forwarder interface {
	Forward(ctx context.Context, event domain.Event) error
}

// RemoteForwarder posts events to an out-of-process decision service.
type RemoteForwarder struct {
	url  string
	http *http.Client
}

func NewRemoteForwarder(url string, timeout time.Duration) *RemoteForwarder {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &RemoteForwarder{
		url: url,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (f *RemoteForwarder) Forward(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %w", ErrForward, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrForward, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForward, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrForward, resp.StatusCode, logger.Truncate(string(snippet), 200))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Runner is the in-process decision service.
type Runner interface {
	Run(ctx context.Context, event domain.Event) (domain.RunResult, error)
}

// InlineForwarder runs the decision service in the gateway process.
type InlineForwarder struct {
	runner Runner
}

func NewInlineForwarder(runner Runner) *InlineForwarder {
	return &InlineForwarder{runner: runner}
}

func (f *InlineForwarder) Forward(ctx context.Context, event domain.Event) error {
	if _, err := f.runner.Run(ctx, event); err != nil {
		return fmt.Errorf("%w: %w", ErrForward, err)
	}
	return nil
}
