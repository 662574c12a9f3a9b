// Package record defines the closed set of typed records stored in the
// vault: WorkItem, Plan and ApprovalRequest. Records are markdown files
// with a YAML frontmatter header and a free-form body.
package record

import (
	"fmt"

	"github.com/google/uuid"
)

type Origin string

const (
	OriginFilesystem Origin = "filesystem"
	OriginMailbox    Origin = "mailbox"
	OriginMessaging  Origin = "messaging"
	OriginSocial     Origin = "social"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

type Action string

const (
	ActionSendEmail   Action = "send-email"
	ActionSendMessage Action = "send-message"
	ActionSendPost    Action = "send-post"
	ActionSendDM      Action = "send-dm"
)

// WorkItem statuses: new -> planned -> done.
const (
	ItemStatusNew     = "new"
	ItemStatusPlanned = "planned"
	ItemStatusDone    = "done"
)

// Plan statuses.
const (
	PlanStatusPlanned = "planned"
	PlanStatusDone    = "done"
)

// ApprovalRequest statuses: pending -> {approved, rejected} -> {sent, failed}.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
	ApprovalStatusSent     = "sent"
	ApprovalStatusFailed   = "failed"
)

// Record type tags stored in the `type` header field.
const (
	TypeWorkItem = "work_item"
	TypePlan     = "plan"
	TypeApproval = "approval_request"
)

// WorkItem is one detected external event awaiting classification.
type WorkItem struct {
	Type       string   `yaml:"type"`
	ID         string   `yaml:"id"`
	Origin     Origin   `yaml:"origin"`
	SourceID   string   `yaml:"source_id"`
	Sender     string   `yaml:"sender,omitempty"`
	Subject    string   `yaml:"subject,omitempty"`
	ReceivedAt string   `yaml:"received_at"`
	Priority   Priority `yaml:"priority"`
	Risk       Risk     `yaml:"risk"`
	Status     string   `yaml:"status"`
}

// Plan records the intended handling for one WorkItem.
type Plan struct {
	Type             string   `yaml:"type"`
	ID               string   `yaml:"id"`
	SourceItem       string   `yaml:"source_item"`
	Status           string   `yaml:"status"`
	RequiresApproval bool     `yaml:"requires_approval"`
	Approval         string   `yaml:"approval,omitempty"`
	Priority         Priority `yaml:"priority"`
	Risk             Risk     `yaml:"risk"`
	CreatedAt        string   `yaml:"created_at"`
}

// ApprovalRequest is a proposed external action gated on human sign-off.
type ApprovalRequest struct {
	Type       string `yaml:"type"`
	ID         string `yaml:"id"`
	Action     Action `yaml:"action"`
	Target     string `yaml:"target"`
	Status     string `yaml:"status"`
	SourcePlan string `yaml:"source_plan"`
	SourceItem string `yaml:"source_item"`
	CreatedAt  string `yaml:"created_at"`
	ExpiresAt  string `yaml:"expires_at,omitempty"`
	Error      string `yaml:"error,omitempty"`
	Receipt    string `yaml:"receipt,omitempty"`
}

// WorkItemID derives the stable record id for a source-native event.
// Re-detection of the same event always maps to the same id, so the
// store's create collision is the dedup mechanism.
func WorkItemID(origin Origin, sourceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(string(origin)+"|"+sourceID)).String()
}

func ItemName(id string) string     { return "ITEM_" + id + ".md" }
func PlanName(itemID string) string { return "PLAN_" + itemID + ".md" }
func ApprovalName(itemID string) string {
	return "APPROVAL_" + itemID + ".md"
}

// ValidOrigin reports whether o is one of the known origins.
func ValidOrigin(o Origin) bool {
	switch o {
	case OriginFilesystem, OriginMailbox, OriginMessaging, OriginSocial:
		return true
	}
	return false
}

// ApprovalTerminal reports whether an approval status permits no
// further transition.
func ApprovalTerminal(status string) bool {
	return status == ApprovalStatusSent || status == ApprovalStatusFailed
}

// EnsureApprovalTransition validates the monotonic approval state
// machine. It mirrors the task transition guard style: a switch over
// the old status listing the permitted successors.
func EnsureApprovalTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case ApprovalStatusPending:
		if newStatus == ApprovalStatusApproved || newStatus == ApprovalStatusRejected || newStatus == ApprovalStatusFailed {
			return nil
		}
	case ApprovalStatusApproved:
		if newStatus == ApprovalStatusSent || newStatus == ApprovalStatusFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid approval status transition %s -> %s", oldStatus, newStatus)
}

// Validate rejects work items missing required header fields; callers
// quarantine such records instead of processing them.
func (w WorkItem) Validate() error {
	if w.Type != TypeWorkItem {
		return fmt.Errorf("record type %q is not a work item", w.Type)
	}
	if w.ID == "" {
		return fmt.Errorf("work item missing id")
	}
	if !ValidOrigin(w.Origin) {
		return fmt.Errorf("work item %s has unknown origin %q", w.ID, w.Origin)
	}
	switch w.Status {
	case ItemStatusNew, ItemStatusPlanned, ItemStatusDone:
	default:
		return fmt.Errorf("work item %s has unknown status %q", w.ID, w.Status)
	}
	return nil
}

func (a ApprovalRequest) Validate() error {
	if a.Type != TypeApproval {
		return fmt.Errorf("record type %q is not an approval request", a.Type)
	}
	if a.ID == "" {
		return fmt.Errorf("approval request missing id")
	}
	if a.Action == "" {
		return fmt.Errorf("approval request %s missing action", a.ID)
	}
	switch a.Status {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected,
		ApprovalStatusSent, ApprovalStatusFailed:
	default:
		return fmt.Errorf("approval request %s has unknown status %q", a.ID, a.Status)
	}
	return nil
}
