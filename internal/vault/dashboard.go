package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteDashboard regenerates Dashboard.md at the vault root with live
// per-collection counts and the most recent activity lines.
func (s *Store) WriteDashboard(recent []string) error {
	counts, err := s.Counts()
	if err != nil {
		return err
	}
	now := s.Now().UTC()

	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "updated: %s\n", now.Format(time.RFC3339))
	b.WriteString("---\n\n")
	b.WriteString("# Vaultline Dashboard\n\n")
	b.WriteString("## Live Counts\n\n")
	b.WriteString("| Collection | Records |\n")
	b.WriteString("|------------|---------|\n")
	for _, c := range Collections {
		fmt.Fprintf(&b, "| %s | %d |\n", c, counts[c])
	}
	b.WriteString("\n## Recent Activity\n\n")
	if len(recent) == 0 {
		b.WriteString("_No recent activity this session._\n")
	} else {
		start := 0
		if len(recent) > 10 {
			start = len(recent) - 10
		}
		for _, line := range recent[start:] {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return os.WriteFile(filepath.Join(s.Root, "Dashboard.md"), []byte(b.String()), 0o644)
}
