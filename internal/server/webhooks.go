package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vaultline/internal/audit"
	"vaultline/internal/config"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher forwards new audit entries to configured endpoints
// so a human can be pinged when an approval request shows up. Each hook
// keeps its own cursor (the last delivered timestamp); delivery stops
// on the first failure and resumes from the cursor next tick.
type webhookDispatcher struct {
	audit    *audit.Logger
	webhooks []config.Webhook
	client   *http.Client
	log      *logrus.Logger
	mu       sync.Mutex
	cursors  map[int]string
}

// StartWebhooks launches the dispatcher when hooks are configured. It
// runs until ctx is cancelled.
func StartWebhooks(ctx context.Context, log *audit.Logger, hooks []config.Webhook) {
	if len(hooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		audit:    log,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      logrus.StandardLogger(),
		cursors:  make(map[int]string),
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor := d.cursorFor(idx)
	entries, err := d.audit.Tail(defaultWebhookBatch)
	if err != nil {
		d.log.WithError(err).Warn("webhook: read audit log")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if cursor != "" && entry.Timestamp <= cursor {
			continue
		}
		if !filter.match(entry.Event) {
			d.setCursor(idx, entry.Timestamp)
			continue
		}
		if err := d.postEntry(ctx, hook, entry); err != nil {
			d.log.WithError(err).WithField("url", hook.URL).Warn("webhook: deliver")
			return
		}
		d.setCursor(idx, entry.Timestamp)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	// Start from now: hooks only see entries written after startup.
	cur := time.Now().UTC().Format(time.RFC3339Nano)
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value string) {
	d.mu.Lock()
	if value > d.cursors[idx] {
		d.cursors[idx] = value
	}
	d.mu.Unlock()
}

func (d *webhookDispatcher) postEntry(ctx context.Context, hook config.Webhook, entry audit.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vaultline-Event", entry.Event)
	req.Header.Set("X-Vaultline-Delivery", entry.Timestamp)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Vaultline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
