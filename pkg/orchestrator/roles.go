package orchestrator

import (
	"errors"
	"fmt"
)

// Role is the capability set assigned to an agent at registration.
type Role string

// Agent roles.
const (
	RoleLeader       Role = "leader"
	RoleWorker       Role = "worker"
	RoleCollaborator Role = "collaborator"
	RoleMonitor      Role = "monitor"
)

// capability is one operation a role may perform.
type capability string

const (
	capAssignTask            capability = "assign_task"
	capInitiateBrainstorm    capability = "initiate_brainstorm"
	capInitiateVote          capability = "initiate_vote"
	capConsumeResults        capability = "consume_results"
	capConsumeStatus         capability = "consume_status"
	capConsumeTasks          capability = "consume_tasks"
	capPublishResult         capability = "publish_result"
	capParticipateBrainstorm capability = "participate_brainstorm"
	capParticipateVote       capability = "participate_vote"
	capPublishStatus         capability = "publish_status"
	capQueryStats            capability = "query_stats"
)

var roleCapabilities = map[Role]map[capability]bool{
	RoleLeader: {
		capAssignTask:         true,
		capInitiateBrainstorm: true,
		capInitiateVote:       true,
		capConsumeResults:     true,
		capConsumeStatus:      true,
	},
	RoleWorker: {
		capConsumeTasks:          true,
		capPublishResult:         true,
		capParticipateBrainstorm: true,
		capParticipateVote:       true,
		capPublishStatus:         true,
	},
	RoleCollaborator: {
		capParticipateBrainstorm: true,
		capParticipateVote:       true,
		capPublishStatus:         true,
	},
	RoleMonitor: {
		capConsumeStatus: true,
		capQueryStats:    true,
	},
}

// ErrConfig reports an invalid option, an unknown role, or an operation
// outside the agent's capability set. Never retried.
var ErrConfig = errors.New("configuration error")

// ErrDeliveryValidation reports an unparseable message or an unknown type
// tag; such deliveries are rejected without requeue.
var ErrDeliveryValidation = errors.New("delivery validation failed")

// ValidRole reports whether r names a known role.
func ValidRole(r Role) bool {
	_, ok := roleCapabilities[r]
	return ok
}

// requireCapability fails fast when an operation is outside the role's set.
func requireCapability(role Role, c capability) error {
	if !roleCapabilities[role][c] {
		return fmt.Errorf("%w: role %s lacks capability %s", ErrConfig, role, c)
	}
	return nil
}

// Agent identifies one participant in the orchestration.
type Agent struct {
	ID     string
	Name   string
	Role   Role
	Level  int
	Skills []string
}
