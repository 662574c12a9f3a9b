// Package executor dispatches approved actions to the outside world.
// It is the only component allowed to cause external side effects, and
// it re-checks every approval's status immediately before dispatch so a
// request that already reached sent or failed is never delivered twice.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/record"
	"vaultline/internal/sender"
	"vaultline/internal/vault"
)

type Executor struct {
	Store   *vault.Store
	Audit   *audit.Logger
	Senders sender.Registry
	Cfg     *config.Config
	Budget  *Budget
	Now     func() time.Time
	Log     *logrus.Logger

	// Sleep is swapped out in tests to skip real backoff waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(store *vault.Store, log *audit.Logger, senders sender.Registry, cfg *config.Config) *Executor {
	return &Executor{
		Store:   store,
		Audit:   log,
		Senders: senders,
		Cfg:     cfg,
		Budget:  &Budget{Limit: cfg.Executor.HourlyBudget, Now: time.Now},
		Now:     time.Now,
		Log:     logrus.StandardLogger(),
		Sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Summary reports what one executor pass did.
type Summary struct {
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Expired  int `json:"expired"`
	Rejected int `json:"rejected"`
	Deferred int `json:"deferred"`
}

// RunOnce sweeps expired and rejected requests, then dispatches
// approved ones until the hourly budget runs out. Requests beyond the
// budget are left untouched for a later pass.
func (e *Executor) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	var recent []string

	if err := e.sweepExpired(&sum, &recent); err != nil {
		return sum, err
	}
	if err := e.sweepRejected(&sum, &recent); err != nil {
		return sum, err
	}

	// Not status-filtered: dispatch re-reads each record and either
	// skips non-approved statuses or quarantines what fails to parse.
	refs, err := e.Store.List(vault.Approved, vault.Filter{Prefix: "APPROVAL_"})
	if err != nil {
		return sum, err
	}
	for i, ref := range refs {
		if !e.Budget.Allow() {
			sum.Deferred = len(refs) - i
			e.audit(audit.Entry{
				Event: "dispatch.deferred", Result: audit.ResultSkipped,
				Error: "hourly budget exhausted",
				Detail: map[string]any{"pending": sum.Deferred},
			})
			e.Log.WithField("pending", sum.Deferred).Info("hourly budget exhausted, deferring")
			break
		}
		line, err := e.dispatch(ctx, ref, &sum)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return sum, err
			}
			e.Log.WithError(err).WithField("approval", ref.Name).Warn("dispatch")
			continue
		}
		if line != "" {
			recent = append(recent, line)
		}
	}
	if len(recent) > 0 {
		if err := e.Store.WriteDashboard(recent); err != nil {
			e.Log.WithError(err).Warn("write dashboard")
		}
	}
	return sum, nil
}

// dispatch delivers one approved request. The status re-read right
// before sending is the last line of defense against double delivery.
func (e *Executor) dispatch(ctx context.Context, ref vault.Ref, sum *Summary) (string, error) {
	data, err := e.Store.Read(ref)
	if errors.Is(err, vault.ErrNotFound) {
		return "", nil // lost the race to another dispatcher
	}
	if err != nil {
		return "", err
	}
	var req record.ApprovalRequest
	body, err := record.Decode(data, &req)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		if _, qerr := e.Store.Quarantine(ref); qerr != nil {
			return "", qerr
		}
		e.audit(audit.Entry{Event: "dispatch.quarantine", Result: audit.ResultFailure, Approval: ref.Name, Error: err.Error()})
		return fmt.Sprintf("quarantined %s: %v", ref.Name, err), nil
	}
	if record.ApprovalTerminal(req.Status) || req.Status != record.ApprovalStatusApproved {
		return "", nil
	}

	snd, err := e.Senders.For(req.Action)
	if err != nil {
		return e.finish(ref, req, record.ApprovalStatusFailed, "", err.Error(), sum)
	}

	// The budget slot is spent before the sender runs: the external
	// world is invoked either way, so failed dispatches count against
	// the hourly cap too.
	e.Budget.Spend()
	receipt, dispatchErr := e.dispatchWithRetry(ctx, snd, req, body)
	if dispatchErr != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return e.finish(ref, req, record.ApprovalStatusFailed, "", dispatchErr.Error(), sum)
	}
	return e.finish(ref, req, record.ApprovalStatusSent, receipt.ID, "", sum)
}

// dispatchWithRetry retries transient failures with exponential
// backoff. Permanent failures and exhausted attempts return the last
// error.
func (e *Executor) dispatchWithRetry(ctx context.Context, snd sender.Sender, req record.ApprovalRequest, content string) (sender.Receipt, error) {
	attempts := e.Cfg.Executor.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		receipt, err := snd.Dispatch(ctx, req.Target, content)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if !sender.Transient(err) || attempt == attempts {
			break
		}
		wait := e.Cfg.BackoffBase() * (1 << (attempt - 1))
		e.Log.WithError(err).WithFields(logrus.Fields{
			"approval": req.ID, "attempt": attempt, "backoff": wait.String(),
		}).Warn("dispatch retry")
		if err := e.Sleep(ctx, wait); err != nil {
			return sender.Receipt{}, err
		}
	}
	return sender.Receipt{}, lastErr
}

// finish records the terminal outcome: approval to done, its plan to
// done, and the source item retired.
func (e *Executor) finish(ref vault.Ref, req record.ApprovalRequest, status, receipt, cause string, sum *Summary) (string, error) {
	if err := record.EnsureApprovalTransition(req.Status, status); err != nil {
		return "", err
	}
	update := map[string]any{"status": status}
	if receipt != "" {
		update["receipt"] = receipt
	}
	if cause != "" {
		update["error"] = cause
	}
	if _, err := e.Store.Transition(ref, vault.Done, update); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	e.retireSources(req)

	result := audit.ResultSuccess
	if status == record.ApprovalStatusFailed {
		result = audit.ResultFailure
		sum.Failed++
	} else {
		sum.Sent++
	}
	e.audit(audit.Entry{
		Event: "dispatch." + status, Result: result,
		Item: req.SourceItem, Plan: req.SourcePlan, Approval: record.ApprovalName(req.ID),
		Action: string(req.Action), Error: cause,
		Detail: map[string]any{"receipt": receipt},
	})
	return fmt.Sprintf("dispatch %s: %s (%s)", req.ID, status, req.Action), nil
}

// retireSources closes the plan and work item behind a terminal
// approval. Both may already be gone; that is fine.
func (e *Executor) retireSources(req record.ApprovalRequest) {
	if req.SourcePlan != "" {
		_, err := e.Store.Transition(vault.Ref{Collection: vault.Plans, Name: req.SourcePlan}, vault.Done,
			map[string]any{"status": record.PlanStatusDone})
		if err != nil && !errors.Is(err, vault.ErrNotFound) {
			e.Log.WithError(err).WithField("plan", req.SourcePlan).Warn("retire plan")
		}
	}
	if req.SourceItem != "" {
		_, err := e.Store.Transition(vault.Ref{Collection: vault.NeedsAction, Name: req.SourceItem}, vault.Done,
			map[string]any{"status": record.ItemStatusDone})
		if err != nil && !errors.Is(err, vault.ErrNotFound) {
			e.Log.WithError(err).WithField("item", req.SourceItem).Warn("retire item")
		}
	}
}

// sweepExpired fails pending requests past their expiry. Requests that
// do not parse are quarantined here since no other scanner reads
// pending-approval.
func (e *Executor) sweepExpired(sum *Summary, recent *[]string) error {
	refs, err := e.Store.List(vault.PendingApproval, vault.Filter{Prefix: "APPROVAL_"})
	if err != nil {
		return err
	}
	now := e.Now().UTC()
	for _, ref := range refs {
		data, err := e.Store.Read(ref)
		if errors.Is(err, vault.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var req record.ApprovalRequest
		_, decodeErr := record.Decode(data, &req)
		if decodeErr == nil {
			decodeErr = req.Validate()
		}
		if decodeErr != nil {
			if _, qerr := e.Store.Quarantine(ref); qerr != nil {
				return qerr
			}
			e.audit(audit.Entry{Event: "dispatch.quarantine", Result: audit.ResultFailure, Approval: ref.Name, Error: decodeErr.Error()})
			continue
		}
		if req.Status != record.ApprovalStatusPending {
			continue
		}
		if req.ExpiresAt == "" {
			continue
		}
		expires, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil || now.Before(expires) {
			continue
		}
		if _, err := e.Store.Transition(ref, vault.Done, map[string]any{
			"status": record.ApprovalStatusFailed,
			"error":  "expired",
		}); err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				continue
			}
			return err
		}
		e.retireSources(req)
		sum.Expired++
		e.audit(audit.Entry{
			Event: "dispatch.expired", Result: audit.ResultFailure,
			Item: req.SourceItem, Plan: req.SourcePlan, Approval: ref.Name,
			Action: string(req.Action), Error: "expired",
		})
		*recent = append(*recent, fmt.Sprintf("expired %s unanswered", req.ID))
	}
	return nil
}

// sweepRejected finalizes requests a human turned down: the request
// stays in rejected as the durable record of the decision, and its plan
// and item are retired.
func (e *Executor) sweepRejected(sum *Summary, recent *[]string) error {
	refs, err := e.Store.List(vault.Rejected, vault.Filter{Prefix: "APPROVAL_"})
	if err != nil {
		return err
	}
	for _, ref := range refs {
		data, err := e.Store.Read(ref)
		if errors.Is(err, vault.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var req record.ApprovalRequest
		_, decodeErr := record.Decode(data, &req)
		if decodeErr == nil {
			decodeErr = req.Validate()
		}
		if decodeErr != nil {
			if _, qerr := e.Store.Quarantine(ref); qerr != nil {
				return qerr
			}
			e.audit(audit.Entry{Event: "dispatch.quarantine", Result: audit.ResultFailure, Approval: ref.Name, Error: decodeErr.Error()})
			continue
		}
		if req.Status != record.ApprovalStatusRejected {
			continue
		}
		if req.SourcePlan == "" && req.SourceItem == "" {
			continue
		}
		if !e.Store.Exists(vault.Plans, req.SourcePlan) && !e.Store.Exists(vault.NeedsAction, req.SourceItem) {
			continue // already finalized on a previous pass
		}
		e.retireSources(req)
		sum.Rejected++
		e.audit(audit.Entry{
			Event: "dispatch.rejected", Result: audit.ResultSkipped,
			Item: req.SourceItem, Plan: req.SourcePlan, Approval: ref.Name,
			Action: string(req.Action),
		})
		*recent = append(*recent, fmt.Sprintf("rejection of %s finalized", req.ID))
	}
	return nil
}

func (e *Executor) audit(entry audit.Entry) {
	if err := e.Audit.Write(entry); err != nil {
		e.Log.WithError(err).Warn("audit write")
	}
}
