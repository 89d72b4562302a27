package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/slack-go/slack"

	"github.com/ryne2010/edgewatch/internal/store"
)

// Adapter delivers one alert transition to one destination. Every adapter
// must respect ctx's deadline — notifications.py enforces a hard per-call
// timeout on every outbound webhook so one slow destination can't stall
// the whole routing pass.
type Adapter interface {
	Deliver(ctx context.Context, dest store.NotificationDestination, a store.Alert, d store.Device) error
}

const adapterTimeout = 5 * time.Second

func httpClient() *http.Client {
	return &http.Client{Timeout: adapterTimeout}
}

func alertMessage(a store.Alert, d store.Device) string {
	state := "OPEN"
	if !a.IsOpen() {
		state = "RESOLVED"
	}
	return fmt.Sprintf("[%s] %s on %s (%s): %s", state, a.AlertType, d.DeviceID, a.Severity, a.Message)
}

// GenericAdapter POSTs a JSON envelope to an arbitrary webhook URL — the
// default destination kind, grounded on notifications.py's generic sender.
type GenericAdapter struct{}

func (GenericAdapter) Deliver(ctx context.Context, dest store.NotificationDestination, a store.Alert, d store.Device) error {
	body, err := json.Marshal(map[string]any{
		"device_id":  d.DeviceID,
		"alert_type": a.AlertType,
		"severity":   a.Severity,
		"message":    a.Message,
		"open":       a.IsOpen(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doAndCheck(req)
}

// SlackAdapter posts via slack-go/slack's incoming-webhook helper.
type SlackAdapter struct{}

func (SlackAdapter) Deliver(ctx context.Context, dest store.NotificationDestination, a store.Alert, d store.Device) error {
	msg := &slack.WebhookMessage{Text: alertMessage(a, d)}
	return slack.PostWebhookContext(ctx, dest.URL, msg)
}

// DiscordAdapter posts the same flat JSON body Discord's webhook endpoint
// expects under the "content" key.
type DiscordAdapter struct{}

func (DiscordAdapter) Deliver(ctx context.Context, dest store.NotificationDestination, a store.Alert, d store.Device) error {
	body, err := json.Marshal(map[string]string{"content": alertMessage(a, d)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doAndCheck(req)
}

var errMissingChatID = errors.New("notify: telegram destination missing chat_id")

// TelegramAdapter expects dest.URL to be a Bot API sendMessage endpoint
// with a chat_id query parameter already attached; notifications.py
// short-circuits with an error rather than attempting delivery when
// chat_id is absent, which this preserves.
type TelegramAdapter struct{}

func (TelegramAdapter) Deliver(ctx context.Context, dest store.NotificationDestination, a store.Alert, d store.Device) error {
	parsed, err := url.Parse(dest.URL)
	if err != nil {
		return err
	}
	if parsed.Query().Get("chat_id") == "" {
		return errMissingChatID
	}
	body, err := json.Marshal(map[string]string{"text": alertMessage(a, d)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doAndCheck(req)
}

func doAndCheck(req *http.Request) error {
	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: destination returned %s", resp.Status)
	}
	return nil
}

// DefaultAdapters wires every destination kind notifications.py supports.
func DefaultAdapters() map[string]Adapter {
	return map[string]Adapter{
		"generic":  GenericAdapter{},
		"slack":    SlackAdapter{},
		"discord":  DiscordAdapter{},
		"telegram": TelegramAdapter{},
	}
}
