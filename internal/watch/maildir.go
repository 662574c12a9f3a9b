package watch

import (
	"context"
	"io"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vaultline/internal/record"
)

// MaildirSource detects messages in a Maildir tree. Both new/ and cur/
// are scanned; delivery agents move files between them, and the seen
// set keyed on the delivery-unique basename keeps a moved message from
// appearing twice. The mailbox itself is never written.
type MaildirSource struct {
	SourceName string
	Dir        string
}

func (s *MaildirSource) Name() string          { return s.SourceName }
func (s *MaildirSource) Origin() record.Origin { return record.OriginMailbox }

func (s *MaildirSource) Poll(ctx context.Context, cursor string) ([]Event, string, error) {
	var since time.Time
	if cursor != "" {
		if t, err := time.Parse(time.RFC3339Nano, cursor); err == nil {
			since = t
		}
	}
	var events []Event
	newest := since
	for _, sub := range []string{"new", "cur"} {
		dir := filepath.Join(s.Dir, sub)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, "", err
			}
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			mod := info.ModTime()
			if mod.Before(since) {
				continue
			}
			ev, err := s.readMessage(filepath.Join(dir, e.Name()), e.Name(), mod)
			if err != nil {
				continue // unparseable message, leave for the MDA
			}
			events = append(events, ev)
			if mod.After(newest) {
				newest = mod
			}
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].ReceivedAt.Before(events[j].ReceivedAt)
	})
	next := cursor
	if !newest.IsZero() {
		next = newest.UTC().Format(time.RFC3339Nano)
	}
	return events, next, nil
}

func (s *MaildirSource) readMessage(path, base string, mod time.Time) (Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return Event{}, err
	}
	defer f.Close()
	msg, err := mail.ReadMessage(f)
	if err != nil {
		return Event{}, err
	}
	body, err := io.ReadAll(io.LimitReader(msg.Body, 256*1024))
	if err != nil {
		return Event{}, err
	}
	received := mod
	if d, err := msg.Header.Date(); err == nil {
		received = d
	}
	return Event{
		SourceID:   uniquePart(base),
		Sender:     senderOf(msg.Header.Get("From")),
		Subject:    msg.Header.Get("Subject"),
		Body:       string(body),
		ReceivedAt: received,
	}, nil
}

// uniquePart strips the :2,<flags> info suffix so the id survives the
// new/ to cur/ move.
func uniquePart(base string) string {
	if i := strings.Index(base, ":"); i > 0 {
		return base[:i]
	}
	return base
}

func senderOf(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return from
	}
	if addr.Name != "" {
		return addr.Name + " <" + addr.Address + ">"
	}
	return addr.Address
}
