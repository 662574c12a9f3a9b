package state_test

import (
	"context"
	"testing"

	"vaultline/internal/state"
)

func openStore(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Open(state.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCursorRoundTrip(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	cursor, err := st.Cursor(ctx, "inbox")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "" {
		t.Fatalf("fresh cursor = %q", cursor)
	}

	if err := st.SetCursor(ctx, "inbox", "c1"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetCursor(ctx, "inbox", "c2"); err != nil {
		t.Fatal(err)
	}
	cursor, err = st.Cursor(ctx, "inbox")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "c2" {
		t.Fatalf("cursor = %q, want c2", cursor)
	}
}

func TestCursorsAreScopedPerSource(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	if err := st.SetCursor(ctx, "inbox", "a"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetCursor(ctx, "drops", "b"); err != nil {
		t.Fatal(err)
	}
	got, err := st.Cursor(ctx, "drops")
	if err != nil {
		t.Fatal(err)
	}
	if got != "b" {
		t.Fatalf("cursor = %q, want b", got)
	}
}

func TestSeenSet(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	seen, err := st.Seen(ctx, "inbox", "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatalf("unmarked id reported seen")
	}
	if err := st.MarkSeen(ctx, "inbox", "msg-1"); err != nil {
		t.Fatal(err)
	}
	// Marking twice is a no-op, not an error.
	if err := st.MarkSeen(ctx, "inbox", "msg-1"); err != nil {
		t.Fatal(err)
	}
	seen, err = st.Seen(ctx, "inbox", "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatalf("marked id not reported seen")
	}
	seen, err = st.Seen(ctx, "drops", "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatalf("seen-set leaked across sources")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	workspace := t.TempDir()
	ctx := context.Background()

	st, err := state.Open(state.Config{Workspace: workspace})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetCursor(ctx, "inbox", "c9"); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkSeen(ctx, "inbox", "msg-9"); err != nil {
		t.Fatal(err)
	}
	st.Close()

	st, err = state.Open(state.Config{Workspace: workspace})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	cursor, err := st.Cursor(ctx, "inbox")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "c9" {
		t.Fatalf("cursor after reopen = %q", cursor)
	}
	seen, err := st.Seen(ctx, "inbox", "msg-9")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatalf("seen-set lost across reopen")
	}
}
