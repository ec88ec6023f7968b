package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
	"fleetwatch/internal/events"
	"fleetwatch/internal/metrics"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookRelay tails the event log per configured hook and POSTs each
// event. A hook starts at the head of the log; when its cursor falls into a
// purged range it jumps back to the head and logs how much was skipped.
type WebhookRelay struct {
	engine   engine.Engine
	webhooks []config.Webhook
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

// NewWebhookRelay returns nil when no hook is enabled.
func NewWebhookRelay(e engine.Engine, hooks []config.Webhook, logger *slog.Logger) *WebhookRelay {
	var enabled []config.Webhook
	for _, hook := range hooks {
		if hook.Enabled && strings.TrimSpace(hook.URL) != "" {
			enabled = append(enabled, hook)
		}
	}
	if len(enabled) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookRelay{
		engine:   e,
		webhooks: enabled,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run delivers until ctx is done.
func (d *WebhookRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every hook.
func (d *WebhookRelay) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if ctx.Err() != nil {
			return
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookRelay) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", "hook", hookName(idx, hook), "err", err)
		return
	}
	page, err := d.engine.EventsSince(ctx, cursor, defaultWebhookBatch)
	if errors.Is(err, events.ErrRangeExpired) || errors.Is(err, events.ErrAheadOfLog) {
		head, herr := d.engine.Head(ctx)
		if herr != nil {
			d.logger.Warn("webhook: read head failed", "hook", hookName(idx, hook), "err", herr)
			return
		}
		d.logger.Warn("webhook: events lost to retention, resuming at head",
			"hook", hookName(idx, hook), "cursor", cursor, "head", head.MaxSeq, "floor", head.Floor)
		d.setCursor(idx, head.MaxSeq)
		return
	}
	if err != nil {
		d.logger.Warn("webhook: fetch events failed", "hook", hookName(idx, hook), "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range page.Events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.Seq)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			metrics.WebhookDeliveries.WithLabelValues(hookName(idx, hook), "error").Inc()
			d.logger.Warn("webhook: deliver failed", "hook", hookName(idx, hook), "seq", evt.Seq, "err", err)
			return
		}
		metrics.WebhookDeliveries.WithLabelValues(hookName(idx, hook), "ok").Inc()
		d.setCursor(idx, evt.Seq)
	}
}

func hookName(idx int, hook config.Webhook) string {
	if hook.ID != "" {
		return hook.ID
	}
	return "hook-" + strconv.Itoa(idx)
}

func (d *WebhookRelay) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	head, err := d.engine.Head(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = head.MaxSeq
	return head.MaxSeq, nil
}

func (d *WebhookRelay) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Cursor reports the last seq handled for hook idx.
func (d *WebhookRelay) Cursor(idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.cursors[idx]
	return cur, ok
}

type webhookEvent struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	SubjectID string          `json:"subjectId"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func (d *WebhookRelay) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := evt.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(webhookEvent{
		Seq:       evt.Seq,
		Type:      evt.Type,
		SubjectID: evt.SubjectID,
		Timestamp: evt.CreatedAt.UTC().Format(time.RFC3339Nano),
		Data:      payload,
	})
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
	req.Header.Set("X-Fleetwatch-Event", evt.Type)
	req.Header.Set("X-Fleetwatch-Delivery", strconv.FormatInt(evt.Seq, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Fleetwatch-Secret", hook.Secret)
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
