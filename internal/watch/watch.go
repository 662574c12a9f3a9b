// Package watch runs detectors: pollers over external sources that
// turn source-native events into work items. A detector never mutates
// existing records; its only write is the initial create, whose name
// collision makes concurrent detectors race-safe.
package watch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"vaultline/internal/audit"
	"vaultline/internal/record"
	"vaultline/internal/state"
	"vaultline/internal/vault"
)

// Event is one source-native occurrence a detector found.
type Event struct {
	SourceID   string
	Sender     string
	Subject    string
	Body       string
	ReceivedAt time.Time
	Priority   record.Priority
}

// Source yields events newer than the given cursor and returns the
// cursor to persist once the batch is durably stored.
type Source interface {
	Name() string
	Origin() record.Origin
	Poll(ctx context.Context, cursor string) ([]Event, string, error)
}

// Runner drives one source: poll, dedup, create, advance cursor.
type Runner struct {
	Store       *vault.Store
	State       *state.Store
	Audit       *audit.Logger
	Source      Source
	MaxAttempts int
	Backoff     time.Duration
	Now         func() time.Time
	Log         *logrus.Logger

	Sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(store *vault.Store, st *state.Store, log *audit.Logger, src Source) *Runner {
	return &Runner{
		Store:       store,
		State:       st,
		Audit:       log,
		Source:      src,
		MaxAttempts: 3,
		Backoff:     2 * time.Second,
		Now:         time.Now,
		Log:         logrus.StandardLogger(),
		Sleep:       sleepCtx,
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

// RunOnce polls the source once, retrying transient source failures
// with exponential backoff, and stores every unseen event as a new
// work item. The cursor advances only after the whole batch is stored,
// so a crash re-delivers events and dedup absorbs them.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	cursor, err := r.State.Cursor(ctx, r.Source.Name())
	if err != nil {
		return 0, err
	}
	events, next, err := r.poll(ctx, cursor)
	if err != nil {
		r.audit(audit.Entry{
			Event: "watch.poll", Result: audit.ResultFailure,
			Error: err.Error(), Detail: map[string]any{"source": r.Source.Name()},
		})
		return 0, err
	}
	created := 0
	for _, ev := range events {
		ok, err := r.store(ctx, ev)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	if next != "" && next != cursor {
		if err := r.State.SetCursor(ctx, r.Source.Name(), next); err != nil {
			return created, err
		}
	}
	return created, nil
}

func (r *Runner) poll(ctx context.Context, cursor string) ([]Event, string, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		events, next, err := r.Source.Poll(ctx, cursor)
		if err == nil {
			return events, next, nil
		}
		lastErr = err
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		wait := r.Backoff * (1 << (attempt - 1))
		r.Log.WithError(err).WithFields(logrus.Fields{
			"source": r.Source.Name(), "attempt": attempt, "backoff": wait.String(),
		}).Warn("source poll retry")
		if err := r.Sleep(ctx, wait); err != nil {
			return nil, "", err
		}
	}
	return nil, "", lastErr
}

// store writes one event as a work item. Returns false when the event
// was already known, either via the seen set or a name collision.
func (r *Runner) store(ctx context.Context, ev Event) (bool, error) {
	name := r.Source.Name()
	seen, err := r.State.Seen(ctx, name, ev.SourceID)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	id := record.WorkItemID(r.Source.Origin(), ev.SourceID)
	received := ev.ReceivedAt
	if received.IsZero() {
		received = r.Now()
	}
	item := record.WorkItem{
		Type:       record.TypeWorkItem,
		ID:         id,
		Origin:     r.Source.Origin(),
		SourceID:   ev.SourceID,
		Sender:     ev.Sender,
		Subject:    ev.Subject,
		ReceivedAt: received.UTC().Format(time.RFC3339),
		Priority:   ev.Priority,
		Risk:       record.RiskLow,
		Status:     record.ItemStatusNew,
	}
	data, err := record.Encode(item, ev.Body)
	if err != nil {
		return false, err
	}
	createErr := r.Store.Create(vault.NeedsAction, record.ItemName(id), data)
	if createErr != nil && !errors.Is(createErr, vault.ErrAlreadyExists) {
		return false, createErr
	}
	if err := r.State.MarkSeen(ctx, name, ev.SourceID); err != nil {
		return false, err
	}
	if errors.Is(createErr, vault.ErrAlreadyExists) {
		return false, nil
	}
	r.audit(audit.Entry{
		Event: "watch.detected", Result: audit.ResultSuccess,
		Item: id, Detail: map[string]any{"source": name, "source_id": ev.SourceID},
	})
	return true, nil
}

func (r *Runner) audit(e audit.Entry) {
	if err := r.Audit.Write(e); err != nil {
		r.Log.WithError(err).Warn("audit write")
	}
}
