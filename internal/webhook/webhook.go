// Package webhook posts run completion notices to configured endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sitewright/internal/config"
	"sitewright/internal/domain"
	"sitewright/internal/logging"
)

const defaultTimeout = 5 * time.Second

type Dispatcher struct {
	hooks  []config.Webhook
	client *http.Client
	logger *slog.Logger
}

func NewDispatcher(hooks []config.Webhook, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logging.OrNop(logger),
	}
}

type runEvent struct {
	Type      string           `json:"type"`
	ProjectID string           `json:"project_id"`
	TraceID   string           `json:"trace_id"`
	Status    domain.RunStatus `json:"status"`
	UsedSteps int              `json:"used_steps"`
	Files     []string         `json:"files"`
	Error     string           `json:"error,omitempty"`
	TS        string           `json:"ts"`
}

// Notify delivers a finished run to every hook whose filter matches its
// status. Delivery is best effort: failures are logged and returned joined.
func (d *Dispatcher) Notify(ctx context.Context, p domain.RunPayload, runErr error) error {
	if d == nil || len(d.hooks) == 0 {
		return nil
	}
	evt := runEvent{
		Type:      "run." + string(p.Status),
		ProjectID: p.ProjectID,
		TraceID:   p.TraceID,
		Status:    p.Status,
		UsedSteps: p.UsedSteps,
		Files:     p.Files,
		TS:        time.Now().UTC().Format(time.RFC3339),
	}
	if runErr != nil {
		evt.Error = runErr.Error()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	var errs []error
	for _, hook := range d.hooks {
		if strings.TrimSpace(hook.URL) == "" || !newEventFilter(hook.Events).match(string(p.Status)) {
			continue
		}
		if err := d.post(ctx, hook, evt, data); err != nil {
			d.logger.Warn("webhook delivery failed", "url", hook.URL, "run", p.TraceID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) post(ctx context.Context, hook config.Webhook, evt runEvent, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sitewright-Event", evt.Type)
	req.Header.Set("X-Sitewright-Delivery", evt.TraceID)
	req.Header.Set("X-Sitewright-Project", evt.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Sitewright-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(status string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[status]
	return ok
}
