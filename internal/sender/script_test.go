package sender_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"vaultline/internal/sender"
)

func shScript(t *testing.T, script string, timeout time.Duration) *sender.Script {
	t.Helper()
	return &sender.Script{Argv: []string{"/bin/sh", "-c", script}, Timeout: timeout}
}

func TestScriptParsesOkResult(t *testing.T) {
	s := shScript(t, `echo 'sending {target}'; echo '{"status":"ok","receipt_id":"r-42"}'`, 0)
	receipt, err := s.Dispatch(context.Background(), "alice@example.com", "hello")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if receipt.ID != "r-42" {
		t.Fatalf("receipt = %q", receipt.ID)
	}
}

func TestScriptClassifiesErrorKinds(t *testing.T) {
	cases := []struct {
		kind      string
		transient bool
	}{
		{"auth", false},
		{"invalid_target", false},
		{"rate_limit", true},
		{"network", true},
		{"", true},
	}
	for _, tc := range cases {
		script := `echo '{"status":"error","error":"boom","kind":"` + tc.kind + `"}'`
		_, err := shScript(t, script, 0).Dispatch(context.Background(), "x", "y")
		if err == nil {
			t.Fatalf("kind %q: expected error", tc.kind)
		}
		if got := sender.Transient(err); got != tc.transient {
			t.Fatalf("kind %q: transient = %v, want %v", tc.kind, got, tc.transient)
		}
	}
}

func TestScriptLastResultLineWins(t *testing.T) {
	script := `echo '{"status":"error","error":"first","kind":"auth"}'; echo '{"status":"ok","receipt_id":"final"}'`
	receipt, err := shScript(t, script, 0).Dispatch(context.Background(), "x", "y")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if receipt.ID != "final" {
		t.Fatalf("receipt = %q", receipt.ID)
	}
}

func TestScriptExitFailureWithoutResultIsNetwork(t *testing.T) {
	_, err := shScript(t, `exit 3`, 0).Dispatch(context.Background(), "x", "y")
	var netErr *sender.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}

func TestScriptTimeoutIsNetwork(t *testing.T) {
	_, err := shScript(t, `sleep 5`, 50*time.Millisecond).Dispatch(context.Background(), "x", "y")
	var netErr *sender.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
	if !sender.Transient(err) {
		t.Fatalf("timeout should be transient")
	}
}

func TestScriptSubstitutesPlaceholders(t *testing.T) {
	script := `echo "{\"status\":\"ok\",\"receipt_id\":\"{target}|{content}\"}"`
	receipt, err := shScript(t, script, 0).Dispatch(context.Background(), "bob", "ping")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if receipt.ID != "bob|ping" {
		t.Fatalf("receipt = %q", receipt.ID)
	}
}

func TestScriptWithoutCommandFailsTerminally(t *testing.T) {
	s := &sender.Script{}
	_, err := s.Dispatch(context.Background(), "x", "y")
	if err == nil || sender.Transient(err) {
		t.Fatalf("err = %v, want permanent failure", err)
	}
}

func TestNoopSender(t *testing.T) {
	receipt, err := sender.Noop{}.Dispatch(context.Background(), "x", "y")
	if err != nil {
		t.Fatal(err)
	}
	if receipt.ID == "" {
		t.Fatalf("noop receipt empty")
	}
}
