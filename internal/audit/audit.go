// Package audit appends structured entries to a day-partitioned JSONL
// log. Entries are immutable facts about state transition attempts;
// the log is the system of record for what the engine did and why.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Result values for an entry.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Entry is one audit fact. Correlated record ids are optional; an
// entry carries whichever stage references apply.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Event     string         `json:"event"`
	Result    string         `json:"result"`
	Item      string         `json:"item,omitempty"`
	Plan      string         `json:"plan,omitempty"`
	Approval  string         `json:"approval,omitempty"`
	Action    string         `json:"action,omitempty"`
	Error     string         `json:"error,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Logger writes to <Dir>/YYYY-MM-DD.jsonl, creating the day's
// partition on first write.
type Logger struct {
	Dir string
	Now func() time.Time
}

func New(dir string) *Logger {
	return &Logger{Dir: dir, Now: time.Now}
}

func (l *Logger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Logger) partition(t time.Time) string {
	return filepath.Join(l.Dir, t.UTC().Format("2006-01-02")+".jsonl")
}

// Write appends one entry to today's partition.
func (l *Logger) Write(e Entry) error {
	now := l.now().UTC()
	if e.Timestamp == "" {
		e.Timestamp = now.Format(time.RFC3339)
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	f, err := os.OpenFile(l.partition(now), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var partitionRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Tail returns the newest n entries, reading partitions newest-first.
func (l *Logger) Tail(n int) ([]Entry, error) {
	days, err := l.partitions()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for i := len(days) - 1; i >= 0 && len(out) < n; i-- {
		entries, err := readPartition(filepath.Join(l.Dir, days[i]+".jsonl"))
		if err != nil {
			return nil, err
		}
		for j := len(entries) - 1; j >= 0 && len(out) < n; j-- {
			out = append(out, entries[j])
		}
	}
	// reverse back into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MinRetention is the floor on audit retention; Sweep never removes
// partitions younger than this regardless of configuration.
const MinRetention = 90 * 24 * time.Hour

// Sweep removes partitions older than the retention window and returns
// how many were removed.
func (l *Logger) Sweep(retention time.Duration) (int, error) {
	if retention < MinRetention {
		retention = MinRetention
	}
	cutoff := l.now().UTC().Add(-retention)
	days, err := l.partitions()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, day := range days {
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			continue
		}
		if t.Before(cutoff.Truncate(24 * time.Hour)) {
			if err := os.Remove(filepath.Join(l.Dir, day+".jsonl")); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (l *Logger) partitions() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var days []string
	for _, e := range entries {
		m := partitionRe.FindStringSubmatch(e.Name())
		if m != nil {
			days = append(days, m[1])
		}
	}
	sort.Strings(days)
	return days, nil
}

func readPartition(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}
