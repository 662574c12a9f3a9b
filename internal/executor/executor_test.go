package executor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/executor"
	"vaultline/internal/record"
	"vaultline/internal/sender"
	"vaultline/internal/vault"
)

// recordingSender captures dispatches and returns scripted outcomes.
type recordingSender struct {
	calls   int
	targets []string
	errs    []error
}

func (s *recordingSender) Dispatch(_ context.Context, target, _ string) (sender.Receipt, error) {
	s.calls++
	s.targets = append(s.targets, target)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return sender.Receipt{}, err
		}
	}
	return sender.Receipt{ID: fmt.Sprintf("r-%d", s.calls)}, nil
}

type testEnv struct {
	Store    *vault.Store
	Audit    *audit.Logger
	Sender   *recordingSender
	Executor *executor.Executor
	Now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := vault.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	env := &testEnv{
		Store:  store,
		Sender: &recordingSender{},
		Now:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return env.Now }
	store.Now = now
	cfg := config.Default(dir)
	log := audit.New(store.LogPath())
	log.Now = now
	env.Audit = log
	reg := sender.Registry{
		record.ActionSendEmail:   env.Sender,
		record.ActionSendMessage: env.Sender,
	}
	e := executor.New(store, log, reg, cfg)
	e.Now = now
	e.Budget.Now = now
	e.Log = logrus.New()
	e.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	env.Executor = e
	return env
}

func (env *testEnv) seedApproval(t *testing.T, id, collection, status string) vault.Ref {
	t.Helper()
	c := vault.Collection(collection)
	name := record.ApprovalName(id)
	data, err := record.Encode(record.ApprovalRequest{
		Type:       record.TypeApproval,
		ID:         id,
		Action:     record.ActionSendEmail,
		Target:     "alice@example.com",
		Status:     status,
		SourcePlan: record.PlanName(id),
		SourceItem: record.ItemName(id),
		CreatedAt:  "2024-01-01T00:00:00Z",
		ExpiresAt:  "2024-01-04T00:00:00Z",
	}, "draft reply\n")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Store.Create(c, name, data); err != nil {
		t.Fatal(err)
	}
	// Matching plan and item, the shape the planner leaves behind.
	plan, err := record.Encode(record.Plan{
		Type:             record.TypePlan,
		ID:               id,
		SourceItem:       record.ItemName(id),
		Status:           record.PlanStatusPlanned,
		RequiresApproval: true,
		Approval:         name,
		Priority:         record.PriorityMedium,
		Risk:             record.RiskMedium,
		CreatedAt:        "2024-01-01T00:00:00Z",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Store.Create(vault.Plans, record.PlanName(id), plan); err != nil {
		t.Fatal(err)
	}
	item, err := record.Encode(record.WorkItem{
		Type:       record.TypeWorkItem,
		ID:         id,
		Origin:     record.OriginMailbox,
		SourceID:   "msg-" + id,
		ReceivedAt: "2024-01-01T00:00:00Z",
		Priority:   record.PriorityMedium,
		Risk:       record.RiskMedium,
		Status:     record.ItemStatusPlanned,
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Store.Create(vault.NeedsAction, record.ItemName(id), item); err != nil {
		t.Fatal(err)
	}
	return vault.Ref{Collection: c, Name: name}
}

func readApproval(t *testing.T, store *vault.Store, ref vault.Ref) record.ApprovalRequest {
	t.Helper()
	data, err := store.Read(ref)
	if err != nil {
		t.Fatalf("read %s: %v", ref, err)
	}
	var req record.ApprovalRequest
	if _, err := record.Decode(data, &req); err != nil {
		t.Fatal(err)
	}
	return req
}

func TestDispatchSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.seedApproval(t, "a1", string(vault.Approved), record.ApprovalStatusApproved)
	sum, err := env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 1 || sum.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	done := vault.Ref{Collection: vault.Done, Name: record.ApprovalName("a1")}
	req := readApproval(t, env.Store, done)
	if req.Status != record.ApprovalStatusSent || req.Receipt == "" {
		t.Fatalf("approval not finalized: %+v", req)
	}
	if env.Store.Exists(vault.Approved, record.ApprovalName("a1")) {
		t.Fatalf("approval still in approved")
	}
	planStatus, err := env.Store.ReadStatus(vault.Ref{Collection: vault.Done, Name: record.PlanName("a1")})
	if err != nil || planStatus != record.PlanStatusDone {
		t.Fatalf("plan: %q %v", planStatus, err)
	}
	itemStatus, err := env.Store.ReadStatus(vault.Ref{Collection: vault.Done, Name: record.ItemName("a1")})
	if err != nil || itemStatus != record.ItemStatusDone {
		t.Fatalf("item: %q %v", itemStatus, err)
	}
	entries, err := env.Audit.Tail(10)
	if err != nil || len(entries) == 0 {
		t.Fatalf("audit: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Event != "dispatch.sent" || last.Result != audit.ResultSuccess {
		t.Fatalf("audit entry: %+v", last)
	}
}

func TestTerminalStatusNeverRedispatched(t *testing.T) {
	env := newTestEnv(t)
	// A sent record lingering in approved (manual copy, crash debris)
	// must not be delivered again.
	env.seedApproval(t, "a1", string(vault.Approved), record.ApprovalStatusSent)
	sum, err := env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if env.Sender.calls != 0 {
		t.Fatalf("sent record re-dispatched %d times", env.Sender.calls)
	}
	if sum.Sent != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestInvalidTargetFailsTerminally(t *testing.T) {
	env := newTestEnv(t)
	env.seedApproval(t, "a1", string(vault.Approved), record.ApprovalStatusApproved)
	env.Sender.errs = []error{&sender.InvalidTargetError{Msg: "no such mailbox"}}
	sum, err := env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if env.Sender.calls != 1 {
		t.Fatalf("permanent failure retried: %d calls", env.Sender.calls)
	}
	req := readApproval(t, env.Store, vault.Ref{Collection: vault.Done, Name: record.ApprovalName("a1")})
	if req.Status != record.ApprovalStatusFailed || req.Error == "" {
		t.Fatalf("approval not failed terminally: %+v", req)
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.seedApproval(t, "a1", string(vault.Approved), record.ApprovalStatusApproved)
	env.Sender.errs = []error{&sender.NetworkError{Msg: "connection reset"}, nil}
	sum, err := env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if env.Sender.calls != 2 {
		t.Fatalf("expected one retry, got %d calls", env.Sender.calls)
	}
}

func TestHourlyBudgetLeavesOverflowUntouched(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 21; i++ {
		env.seedApproval(t, fmt.Sprintf("a%02d", i), string(vault.Approved), record.ApprovalStatusApproved)
	}
	env.Executor.Budget.Limit = 10
	sum, err := env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 10 {
		t.Fatalf("expected 10 sent, got %+v", sum)
	}
	refs, err := env.Store.List(vault.Approved, vault.Filter{Prefix: "APPROVAL_", Status: record.ApprovalStatusApproved})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 11 {
		t.Fatalf("expected 11 untouched, got %d", len(refs))
	}

	// Same hour: still over budget, nothing moves.
	sum, err = env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 0 {
		t.Fatalf("budget leak: %+v", sum)
	}

	// Next hour the bucket resets and the remainder drains.
	env.Now = env.Now.Add(time.Hour)
	sum, err = env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 10 {
		t.Fatalf("expected 10 sent after reset, got %+v", sum)
	}
}

func TestFailedDispatchSpendsBudget(t *testing.T) {
	env := newTestEnv(t)
	env.seedApproval(t, "a1", string(vault.Approved), record.ApprovalStatusApproved)
	env.seedApproval(t, "a2", string(vault.Approved), record.ApprovalStatusApproved)
	env.Executor.Budget.Limit = 1
	env.Sender.errs = []error{&sender.InvalidTargetError{Msg: "no such mailbox"}}
	sum, err := env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// The failed dispatch invoked the sender, so it consumed the only
	// slot and the second request waits for the next hour.
	if sum.Failed != 1 || sum.Deferred != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if env.Sender.calls != 1 {
		t.Fatalf("expected 1 sender call, got %d", env.Sender.calls)
	}
	if got := env.Executor.Budget.Remaining(); got != 0 {
		t.Fatalf("budget not spent by failed dispatch: remaining %d", got)
	}
	if !env.Store.Exists(vault.Approved, record.ApprovalName("a2")) {
		t.Fatalf("deferred request moved")
	}
}

func TestUnparseableApprovedQuarantined(t *testing.T) {
	env := newTestEnv(t)
	name := "APPROVAL_garbage.md"
	if err := env.Store.Create(vault.Approved, name, []byte("not a record\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Executor.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if env.Store.Exists(vault.Approved, name) {
		t.Fatalf("record stranded in approved")
	}
	if !env.Store.Exists(vault.Quarantine, name) {
		t.Fatalf("record not quarantined")
	}
	if env.Sender.calls != 0 {
		t.Fatalf("garbage record reached the sender")
	}
}

func TestExpiredPendingSwept(t *testing.T) {
	env := newTestEnv(t)
	env.seedApproval(t, "a1", string(vault.PendingApproval), record.ApprovalStatusPending)
	env.Now = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC) // past expires_at
	sum, err := env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Expired != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	req := readApproval(t, env.Store, vault.Ref{Collection: vault.Done, Name: record.ApprovalName("a1")})
	if req.Status != record.ApprovalStatusFailed || req.Error != "expired" {
		t.Fatalf("expired request: %+v", req)
	}
	if env.Sender.calls != 0 {
		t.Fatalf("expired request was dispatched")
	}
}

func TestUnexpiredPendingLeftAlone(t *testing.T) {
	env := newTestEnv(t)
	ref := env.seedApproval(t, "a1", string(vault.PendingApproval), record.ApprovalStatusPending)
	sum, err := env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Expired != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if !env.Store.Exists(ref.Collection, ref.Name) {
		t.Fatalf("pending request moved")
	}
}

func TestUnknownActionFailsTerminally(t *testing.T) {
	env := newTestEnv(t)
	name := record.ApprovalName("a1")
	data, err := record.Encode(record.ApprovalRequest{
		Type:      record.TypeApproval,
		ID:        "a1",
		Action:    record.ActionSendPost,
		Target:    "feed",
		Status:    record.ApprovalStatusApproved,
		CreatedAt: "2024-01-01T00:00:00Z",
	}, "post body\n")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Store.Create(vault.Approved, name, data); err != nil {
		t.Fatal(err)
	}
	sum, err := env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	req := readApproval(t, env.Store, vault.Ref{Collection: vault.Done, Name: name})
	if req.Status != record.ApprovalStatusFailed {
		t.Fatalf("unknown action not failed: %+v", req)
	}
}

func TestRejectedRequestFinalized(t *testing.T) {
	env := newTestEnv(t)
	env.seedApproval(t, "a1", string(vault.Rejected), record.ApprovalStatusRejected)
	sum, err := env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Rejected != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if env.Sender.calls != 0 {
		t.Fatalf("rejected request was dispatched")
	}
	// The rejection record stays; plan and item retire.
	if !env.Store.Exists(vault.Rejected, record.ApprovalName("a1")) {
		t.Fatalf("rejection record moved")
	}
	if !env.Store.Exists(vault.Done, record.PlanName("a1")) {
		t.Fatalf("plan not retired")
	}
	if !env.Store.Exists(vault.Done, record.ItemName("a1")) {
		t.Fatalf("item not retired")
	}
	// Second pass is a no-op.
	sum, err = env.Executor.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Rejected != 0 {
		t.Fatalf("rejection finalized twice: %+v", sum)
	}
}
