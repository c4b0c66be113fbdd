package domain

// Action is the remediation chosen by the policy engine.
type Action string

const (
	ActionEscalateOwner     Action = "escalate_owner"
	ActionAssignOwner       Action = "assign_owner"
	ActionScheduleUnblocker Action = "schedule_unblocker"
	ActionPostNudge         Action = "post_nudge"
)

// Decision is never persisted on its own. It travels with the Event that
// produced it as an ActionRecord.
type Decision struct {
	Action    Action `json:"action"`
	Target    string `json:"target"` // "team:<name>" or "owner:<name>"
	Rationale string `json:"rationale"`
}

func TeamTarget(name string) string { return "team:" + name }
func OwnerTarget(name string) string { return "owner:" + name }

// ActionRecord is published to the actions topic for every processed event.
type ActionRecord struct {
	EventID   string `json:"event_id"`
	ProjectID string `json:"project_id"`
	Action    Action `json:"action"`
	Target    string `json:"target"`
	Rationale string `json:"rationale"`
	SourceRef string `json:"source_ref"`
}

func NewActionRecord(recordID string, e Event, d Decision) ActionRecord {
	return ActionRecord{
		EventID:   recordID,
		ProjectID: e.ProjectID,
		Action:    d.Action,
		Target:    d.Target,
		Rationale: d.Rationale,
		SourceRef: e.URL,
	}
}
