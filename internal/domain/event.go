package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"
)

const BodyPreviewMaxLen = 280

var (
	ErrEmptyValue       = errors.New("record has no value")
	ErrMissingEventID   = errors.New("missing event_id")
	ErrMissingProjectID = errors.New("missing project_id")
)

// Source identifies the upstream tracker that produced an event.
type Source string

const (
	SourceGitHub Source = "github"
	SourceJira   Source = "jira"
	SourceOther  Source = "other"
)

// UnmarshalJSON maps any value outside the known set to SourceOther.
func (s *Source) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		*s = SourceOther
		return nil
	}
	switch Source(raw) {
	case SourceGitHub, SourceJira:
		*s = Source(raw)
	default:
		*s = SourceOther
	}
	return nil
}

// Event is the normalized record published by the webhook receivers on
// the inbound topics. Only EventID and ProjectID are required; every other
// field is treated as absent when missing. Unknown fields are ignored.
type Event struct {
	EventID     string   `json:"event_id"`
	ProjectID   string   `json:"project_id"`
	Source      Source   `json:"source,omitempty"`
	Type        string   `json:"type,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	DueAt       string   `json:"due_at,omitempty"`
	Title       string   `json:"title,omitempty"`
	URL         string   `json:"url,omitempty"`
	BodyPreview string   `json:"body_preview,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`

	// Tracker-specific passthrough set by the GitHub/Jira normalizers.
	Repo        string `json:"repo,omitempty"`
	IssueNumber int64  `json:"issue_number,omitempty"`
	IssueKey    string `json:"issue_key,omitempty"`
	Author      string `json:"author,omitempty"`
	State       string `json:"state,omitempty"`
	Status      string `json:"status,omitempty"`
	IssueType   string `json:"issue_type,omitempty"`
}

// HasLabel reports whether label is present, compared exactly.
func (e Event) HasLabel(label string) bool {
	return slices.Contains(e.Labels, label)
}

func (e Event) Validate() error {
	if e.EventID == "" {
		return ErrMissingEventID
	}
	if e.ProjectID == "" {
		return ErrMissingProjectID
	}
	return nil
}

// DecodeEvent parses a record value into an Event. The body preview is
// truncated to BodyPreviewMaxLen characters. Returned errors mean the
// record is malformed and should be dropped.
func DecodeEvent(raw []byte) (Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Event{}, ErrEmptyValue
	}

	var e Event
	if err := json.Unmarshal(trimmed, &e); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}

	e.BodyPreview = truncateRunes(e.BodyPreview, BodyPreviewMaxLen)
	return e, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
