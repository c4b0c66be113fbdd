package domain

// Outcome is created once by the action executor, published once to the
// outcomes topic and never mutated.
type Outcome struct {
	EventID   string  `json:"event_id"` // generated, not the source event's id
	ProjectID string  `json:"project_id"`
	RiskDelta float64 `json:"risk_delta"` // negative = risk reduced
	Ack       bool    `json:"ack"`
}

// DLQRecord wraps an event whose forwarding failed. Terminal: no retry
// state is kept beyond this record.
type DLQRecord struct {
	OriginalEvent Event   `json:"original_event"`
	Error         string  `json:"error"`
	Timestamp     float64 `json:"timestamp"` // epoch seconds
}

// RunResult is the decision service's response to POST /run.
type RunResult struct {
	Status  string  `json:"status"`
	EventID string  `json:"event_id"`
	Action  Action  `json:"action"`
	Outcome Outcome `json:"outcome"`
}

const RunStatusProcessed = "processed"
