package sender

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Script dispatches by running an external command. The configured argv
// supports {target} and {content} placeholders; the command reports its
// outcome as a single JSON line on stdout:
//
//	{"status":"ok","receipt_id":"..."} or
//	{"status":"error","error":"...","kind":"auth|rate_limit|invalid_target|network"}
//
// Exiting nonzero without a result line counts as a network failure.
type Script struct {
	Argv    []string
	Timeout time.Duration
}

type scriptResult struct {
	Status    string `json:"status"`
	ReceiptID string `json:"receipt_id"`
	Error     string `json:"error"`
	Kind      string `json:"kind"`
}

func (s *Script) Dispatch(ctx context.Context, target, content string) (Receipt, error) {
	if len(s.Argv) == 0 {
		return Receipt{}, &InvalidTargetError{Msg: "sender has no command configured"}
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := make([]string, len(s.Argv))
	for i, a := range s.Argv {
		a = strings.ReplaceAll(a, "{target}", target)
		a = strings.ReplaceAll(a, "{content}", content)
		argv[i] = a
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	runErr := cmd.Run()

	if res, ok := lastResultLine(stdout.Bytes()); ok {
		if res.Status == "ok" {
			return Receipt{ID: res.ReceiptID}, nil
		}
		return Receipt{}, classify(res.Kind, res.Error)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Receipt{}, &NetworkError{Msg: fmt.Sprintf("%s timed out after %s", argv[0], timeout)}
	}
	if runErr != nil {
		return Receipt{}, &NetworkError{Msg: fmt.Sprintf("%s: %v", argv[0], runErr)}
	}
	return Receipt{}, &NetworkError{Msg: argv[0] + " produced no result line"}
}

// lastResultLine scans stdout for the final parseable result object,
// so commands are free to log above it.
func lastResultLine(out []byte) (scriptResult, bool) {
	var res scriptResult
	found := false
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var r scriptResult
		if err := json.Unmarshal(line, &r); err == nil && r.Status != "" {
			res, found = r, true
		}
	}
	return res, found
}

func classify(kind, msg string) error {
	switch kind {
	case "auth":
		return &AuthError{Msg: msg}
	case "rate_limit":
		return &RateLimitError{Msg: msg}
	case "invalid_target":
		return &InvalidTargetError{Msg: msg}
	default:
		return &NetworkError{Msg: msg}
	}
}
