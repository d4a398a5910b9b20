package conductor

import (
	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/queue"
)

// Decision names the queue placement for one scanned bead.
type Decision struct {
	Role      string
	Priority  int
	Reasoning string
}

// Router decides where a scanned bead goes. RuleRouter is the
// deterministic default; a model-backed router can sit behind the same
// interface without touching the scan stages.
type Router interface {
	Route(b *beads.Bead) Decision
}

// RuleRouter maps bead status to role: open work goes to a worker,
// verify goes to the gatekeeper. Priority rides along from the bead.
type RuleRouter struct{}

func (RuleRouter) Route(b *beads.Bead) Decision {
	if b.Status == beads.StatusVerify {
		return Decision{
			Role:      queue.RoleGatekeeper,
			Priority:  b.Priority,
			Reasoning: "bead awaiting review",
		}
	}
	return Decision{
		Role:      queue.RoleWorker,
		Priority:  b.Priority,
		Reasoning: "open bead ready to run",
	}
}
