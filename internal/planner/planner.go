// Package planner turns newly detected work items into plans: it
// classifies each item, consults the policy table, and either closes
// the item autonomously or raises an approval request for a human.
// Every write is an idempotent create or a guarded transition, so a
// crashed run simply resumes on the next invocation.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/policy"
	"vaultline/internal/record"
	"vaultline/internal/vault"
)

type Planner struct {
	Store *vault.Store
	Audit *audit.Logger
	Table policy.Table
	Cfg   *config.Config
	Now   func() time.Time
	Log   *logrus.Logger
}

func New(store *vault.Store, log *audit.Logger, cfg *config.Config) *Planner {
	return &Planner{
		Store: store,
		Audit: log,
		Table: policy.NewTable(cfg.Policy),
		Cfg:   cfg,
		Now:   time.Now,
		Log:   logrus.StandardLogger(),
	}
}

// Summary reports what one planner pass did.
type Summary struct {
	Planned     int `json:"planned"`
	AutoClosed  int `json:"auto_closed"`
	Raised      int `json:"raised"`
	Quarantined int `json:"quarantined"`
}

// RunOnce processes every new item in needs-action. The scan is not
// status-filtered: each item is read in full, so records that fail to
// parse or validate land in quarantine instead of lingering unseen.
// Items another process claims mid-pass surface as lost races and are
// skipped.
func (p *Planner) RunOnce() (Summary, error) {
	var sum Summary
	refs, err := p.Store.List(vault.NeedsAction, vault.Filter{Prefix: "ITEM_"})
	if err != nil {
		return sum, err
	}
	var recent []string
	for _, ref := range refs {
		line, err := p.planItem(ref, &sum)
		if err != nil {
			p.Log.WithError(err).WithField("item", ref.Name).Warn("plan item")
			continue
		}
		if line != "" {
			recent = append(recent, line)
		}
	}
	if len(recent) > 0 {
		if err := p.Store.WriteDashboard(recent); err != nil {
			p.Log.WithError(err).Warn("write dashboard")
		}
	}
	return sum, nil
}

func (p *Planner) planItem(ref vault.Ref, sum *Summary) (string, error) {
	data, err := p.Store.Read(ref)
	if errors.Is(err, vault.ErrNotFound) {
		return "", nil // another process moved it
	}
	if err != nil {
		return "", err
	}
	var item record.WorkItem
	body, err := record.Decode(data, &item)
	if err == nil {
		err = item.Validate()
	}
	if err != nil {
		return p.quarantine(ref, err, sum)
	}
	if item.Status != record.ItemStatusNew {
		return "", nil // planned; the approval pipeline owns it now
	}

	text := item.Subject + "\n" + body
	risk := p.Table.ClassifyRisk(text)
	prio := policy.PriorityFor(item.Priority, risk)
	action := policy.ActionFor(item.Origin)
	decision := p.Table.Evaluate(policy.Request{
		Origin:       item.Origin,
		Action:       action,
		ContactKnown: p.Table.ContactKnown(item.Sender),
		AmountBucket: policy.AmountBucket(text),
		Risk:         risk,
		Text:         text,
	})

	if decision == policy.DecisionAuto {
		return p.closeAuto(ref, item, prio, risk, sum)
	}
	return p.raiseApproval(ref, item, body, action, prio, risk, sum)
}

// closeAuto records a done plan and retires the item in one pass.
func (p *Planner) closeAuto(ref vault.Ref, item record.WorkItem, prio record.Priority, risk record.Risk, sum *Summary) (string, error) {
	now := p.Now().UTC().Format(time.RFC3339)
	plan := record.Plan{
		Type:             record.TypePlan,
		ID:               item.ID,
		SourceItem:       ref.Name,
		Status:           record.PlanStatusDone,
		RequiresApproval: false,
		Priority:         prio,
		Risk:             risk,
		CreatedAt:        now,
	}
	if err := p.createRecord(vault.Plans, record.PlanName(item.ID), plan, "Handled autonomously per policy.\n"); err != nil {
		return "", err
	}
	if _, err := p.Store.Transition(ref, vault.Done, map[string]any{
		"status":   record.ItemStatusDone,
		"priority": string(prio),
		"risk":     string(risk),
	}); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return "", err
	}
	sum.Planned++
	sum.AutoClosed++
	p.audit(audit.Entry{
		Event: "plan.auto", Result: audit.ResultSuccess,
		Item: item.ID, Plan: record.PlanName(item.ID),
		Detail: map[string]any{"risk": string(risk), "priority": string(prio)},
	})
	return fmt.Sprintf("auto-closed %s (%s, risk %s)", item.ID, item.Origin, risk), nil
}

// raiseApproval creates the plan and its pending approval request, then
// marks the item planned in place. The item moves to done only when the
// approval reaches a terminal state.
func (p *Planner) raiseApproval(ref vault.Ref, item record.WorkItem, body string, action record.Action, prio record.Priority, risk record.Risk, sum *Summary) (string, error) {
	now := p.Now().UTC()
	approvalName := record.ApprovalName(item.ID)
	plan := record.Plan{
		Type:             record.TypePlan,
		ID:               item.ID,
		SourceItem:       ref.Name,
		Status:           record.PlanStatusPlanned,
		RequiresApproval: true,
		Approval:         approvalName,
		Priority:         prio,
		Risk:             risk,
		CreatedAt:        now.Format(time.RFC3339),
	}
	if err := p.createRecord(vault.Plans, record.PlanName(item.ID), plan, "Awaiting human sign-off.\n"); err != nil {
		return "", err
	}
	approval := record.ApprovalRequest{
		Type:       record.TypeApproval,
		ID:         item.ID,
		Action:     action,
		Target:     item.Sender,
		Status:     record.ApprovalStatusPending,
		SourcePlan: record.PlanName(item.ID),
		SourceItem: ref.Name,
		CreatedAt:  now.Format(time.RFC3339),
		ExpiresAt:  now.Add(p.Cfg.ApprovalTTL()).Format(time.RFC3339),
	}
	if err := p.createRecord(vault.PendingApproval, approvalName, approval, draft(item, body)); err != nil {
		return "", err
	}
	if _, err := p.Store.Transition(ref, ref.Collection, map[string]any{
		"status":   record.ItemStatusPlanned,
		"priority": string(prio),
		"risk":     string(risk),
	}); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return "", err
	}
	sum.Planned++
	sum.Raised++
	p.audit(audit.Entry{
		Event: "plan.approval_raised", Result: audit.ResultSuccess,
		Item: item.ID, Plan: record.PlanName(item.ID), Approval: approvalName,
		Action: string(action),
		Detail: map[string]any{"risk": string(risk), "priority": string(prio)},
	})
	return fmt.Sprintf("raised approval for %s (%s, risk %s)", item.ID, item.Origin, risk), nil
}

func (p *Planner) quarantine(ref vault.Ref, cause error, sum *Summary) (string, error) {
	if _, err := p.Store.Quarantine(ref); err != nil {
		return "", err
	}
	sum.Quarantined++
	p.audit(audit.Entry{
		Event: "plan.quarantine", Result: audit.ResultFailure,
		Item: ref.Name, Error: cause.Error(),
	})
	return fmt.Sprintf("quarantined %s: %v", ref.Name, cause), nil
}

// createRecord encodes and creates; a name collision means a previous
// run already wrote the record, which is the idempotent success case.
func (p *Planner) createRecord(c vault.Collection, name string, header any, body string) error {
	data, err := record.Encode(header, body)
	if err != nil {
		return err
	}
	if err := p.Store.Create(c, name, data); err != nil && !errors.Is(err, vault.ErrAlreadyExists) {
		return err
	}
	return nil
}

func (p *Planner) audit(e audit.Entry) {
	if err := p.Audit.Write(e); err != nil {
		p.Log.WithError(err).Warn("audit write")
	}
}
