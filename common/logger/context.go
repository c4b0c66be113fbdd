package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so a record's identity (event_id, project_id, etc.)
// is attached to every log line emitted while that record is in flight.
type LogFields struct {
	EventID   string // Source event ID (event_id)
	ProjectID string // Partition key (project_id)
	Source    string // github, jira, other
	EventType string // Event type (e.g., "issue_opened")
	Topic     string // Broker topic the record came from or goes to
	Component string // Component name (OTel semantic convention style, e.g., "triage.gateway.consumer")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.EventID != "" {
		result.EventID = next.EventID
	}
	if next.ProjectID != "" {
		result.ProjectID = next.ProjectID
	}
	if next.Source != "" {
		result.Source = next.Source
	}
	if next.EventType != "" {
		result.EventType = next.EventType
	}
	if next.Topic != "" {
		result.Topic = next.Topic
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Truncate truncates a string to maxLen bytes, appending "..." if truncated.
// Useful for logging potentially long strings like response bodies or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
