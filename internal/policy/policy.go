// Package policy maps an event to exactly one remediation decision.
//
// Rules are evaluated in order and the first match wins; there is no rule
// combination. Reordering the table changes behaviour, so the order is
// covered by tests.
package policy

import "basegraph.app/triage/internal/domain"

const (
	RationaleEscalate = "High priority bug requires immediate platform team attention"
	RationaleAssign   = "Frontend issue assigned to frontend specialist Alice"
	RationaleSchedule = "Issue has approaching deadline, scheduling unblocker meeting"
	RationaleNudge    = "New issue needs triage"
)

// Literal priority values that count as top priority. Matching is exact:
// trackers disagree on casing and only these spellings are honoured.
var urgentPriorities = []string{"P0", "Highest", "highest"}

type Rule struct {
	Name  string
	Match func(e domain.Event) bool
	Build func(e domain.Event) domain.Decision
}

var rules = []Rule{
	{
		Name:  "urgent_bug",
		Match: isUrgentBug,
		Build: func(domain.Event) domain.Decision {
			return domain.Decision{
				Action:    domain.ActionEscalateOwner,
				Target:    domain.TeamTarget("platform"),
				Rationale: RationaleEscalate,
			}
		},
	},
	{
		Name:  "frontend",
		Match: func(e domain.Event) bool { return e.HasLabel("frontend") },
		Build: func(domain.Event) domain.Decision {
			return domain.Decision{
				Action:    domain.ActionAssignOwner,
				Target:    domain.OwnerTarget("alice"),
				Rationale: RationaleAssign,
			}
		},
	},
	{
		Name:  "deadline",
		Match: func(e domain.Event) bool { return e.DueAt != "" || e.HasLabel("overdue") },
		Build: func(e domain.Event) domain.Decision {
			target := domain.TeamTarget("triage")
			if e.Assignee != "" {
				target = domain.OwnerTarget(e.Assignee)
			}
			return domain.Decision{
				Action:    domain.ActionScheduleUnblocker,
				Target:    target,
				Rationale: RationaleSchedule,
			}
		},
	},
}

var fallback = Rule{
	Name:  "default",
	Match: func(domain.Event) bool { return true },
	Build: func(domain.Event) domain.Decision {
		return domain.Decision{
			Action:    domain.ActionPostNudge,
			Target:    domain.TeamTarget("triage"),
			Rationale: RationaleNudge,
		}
	},
}

// Decide returns the decision of the first matching rule. Pure and total.
func Decide(e domain.Event) domain.Decision {
	decision, _ := DecideWithRule(e)
	return decision
}

// DecideWithRule is Decide plus the name of the rule that fired, for logs and metrics.
func DecideWithRule(e domain.Event) (domain.Decision, string) {
	for _, r := range rules {
		if r.Match(e) {
			return r.Build(e), r.Name
		}
	}
	return fallback.Build(e), fallback.Name
}

// Rules returns the ordered rule names, ending with the default.
func Rules() []string {
	names := make([]string, 0, len(rules)+1)
	for _, r := range rules {
		names = append(names, r.Name)
	}
	return append(names, fallback.Name)
}

func isUrgentBug(e domain.Event) bool {
	if !e.HasLabel("bug") {
		return false
	}
	for _, p := range urgentPriorities {
		if e.Priority == p {
			return true
		}
	}
	return e.HasLabel("p0")
}
