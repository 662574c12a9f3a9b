// Package gate implements the human decision step: moving a pending
// approval request into approved or rejected. The CLI and the HTTP API
// both go through here so the status guard and audit trail are
// identical regardless of how the decision arrives.
package gate

import (
	"errors"
	"fmt"
	"time"

	"vaultline/internal/audit"
	"vaultline/internal/record"
	"vaultline/internal/vault"
)

// ErrNotPending means the request already left the pending state; the
// decision is refused to preserve monotonicity.
var ErrNotPending = errors.New("approval request is not pending")

type Gate struct {
	Store *vault.Store
	Audit *audit.Logger
	Now   func() time.Time
}

func New(store *vault.Store, log *audit.Logger) *Gate {
	return &Gate{Store: store, Audit: log, Now: time.Now}
}

// Approve moves a pending request to approved.
func (g *Gate) Approve(name, actor string) error {
	return g.decide(name, actor, vault.Approved, record.ApprovalStatusApproved)
}

// Reject moves a pending request to rejected.
func (g *Gate) Reject(name, actor string) error {
	return g.decide(name, actor, vault.Rejected, record.ApprovalStatusRejected)
}

func (g *Gate) decide(name, actor string, to vault.Collection, status string) error {
	ref := vault.Ref{Collection: vault.PendingApproval, Name: name}
	current, err := g.Store.ReadStatus(ref)
	if err != nil {
		return err
	}
	if current != record.ApprovalStatusPending {
		return fmt.Errorf("%s has status %s: %w", name, current, ErrNotPending)
	}
	if err := record.EnsureApprovalTransition(current, status); err != nil {
		return err
	}
	update := map[string]any{
		"status":     status,
		"decided_at": g.now().Format(time.RFC3339),
	}
	if actor != "" {
		update["decided_by"] = actor
	}
	if _, err := g.Store.Transition(ref, to, update); err != nil {
		return err
	}
	entry := audit.Entry{
		Event:    "gate." + status,
		Result:   audit.ResultSuccess,
		Approval: name,
	}
	if actor != "" {
		entry.Detail = map[string]any{"actor": actor}
	}
	return g.Audit.Write(entry)
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}
