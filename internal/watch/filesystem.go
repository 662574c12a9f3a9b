package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"vaultline/internal/record"
)

// FileSource detects markdown files dropped into a directory. The
// cursor is the newest modification time already processed; the seen
// set absorbs files sharing that timestamp.
type FileSource struct {
	SourceName string
	Dir        string
}

func (s *FileSource) Name() string          { return s.SourceName }
func (s *FileSource) Origin() record.Origin { return record.OriginFilesystem }

func (s *FileSource) Poll(ctx context.Context, cursor string) ([]Event, string, error) {
	var since time.Time
	if cursor != "" {
		if t, err := time.Parse(time.RFC3339Nano, cursor); err == nil {
			since = t
		}
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, "", err
	}
	var events []Event
	newest := since
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
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
		data, err := os.ReadFile(filepath.Join(s.Dir, name))
		if err != nil {
			continue
		}
		events = append(events, Event{
			SourceID:   name,
			Subject:    strings.TrimSuffix(name, filepath.Ext(name)),
			Body:       string(data),
			ReceivedAt: mod,
		})
		if mod.After(newest) {
			newest = mod
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

// Notify blocks watching the directory and signals trigger on every
// create or write, so loop mode reacts immediately instead of waiting
// out the poll interval.
func (s *FileSource) Notify(ctx context.Context, trigger chan<- struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(s.Dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				select {
				case trigger <- struct{}{}:
				default: // a poll is already queued
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
