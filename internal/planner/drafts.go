package planner

import (
	"fmt"
	"strings"

	"vaultline/internal/record"
)

// draft produces the proposed outbound content for an item, shaped by
// the origin it came from. The body is what a reviewer sees in the
// approval request, so it leads with the context lines.
func draft(item record.WorkItem, body string) string {
	excerpt := excerptOf(body)
	switch item.Origin {
	case record.OriginMailbox:
		return emailDraft(item, excerpt)
	case record.OriginMessaging:
		return messageDraft(item, excerpt)
	case record.OriginSocial:
		return socialDraft(item, excerpt)
	default:
		return fileDraft(item, excerpt)
	}
}

func emailDraft(item record.WorkItem, excerpt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Re: %s\n\n", fallback(item.Subject, "your message"))
	fmt.Fprintf(&b, "Hi %s,\n\n", firstName(item.Sender))
	b.WriteString("Thanks for reaching out. I've read your note")
	if excerpt != "" {
		fmt.Fprintf(&b, " regarding:\n\n> %s\n", excerpt)
	} else {
		b.WriteString(".\n")
	}
	b.WriteString("\nI'll follow up with a full answer shortly.\n\nBest regards\n")
	return b.String()
}

func messageDraft(item record.WorkItem, excerpt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s, got your message", firstName(item.Sender))
	if excerpt != "" {
		fmt.Fprintf(&b, " about %q", excerpt)
	}
	b.WriteString(" - on it, will get back to you soon.")
	return b.String()
}

func socialDraft(item record.WorkItem, excerpt string) string {
	var b strings.Builder
	b.WriteString("Thanks for the mention")
	if excerpt != "" {
		fmt.Fprintf(&b, " (%s)", excerpt)
	}
	b.WriteString(" - appreciate it, replying properly soon.")
	return b.String()
}

func fileDraft(item record.WorkItem, excerpt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Processed inbox item %s", fallback(item.Subject, item.SourceID))
	if excerpt != "" {
		fmt.Fprintf(&b, ": %s", excerpt)
	}
	return b.String()
}

// excerptOf keeps the first non-empty line, clipped to a reviewable
// length.
func excerptOf(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) > 120 {
			return line[:117] + "..."
		}
		return line
	}
	return ""
}

func firstName(sender string) string {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return "there"
	}
	if i := strings.IndexAny(sender, " <@"); i > 0 {
		return sender[:i]
	}
	return sender
}

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
