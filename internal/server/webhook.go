package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bizosaas/eventcore/internal/bus"
	"github.com/bizosaas/eventcore/internal/event"
)

// WebhookDeliverer превращает URL подписчика в хендлер шины: событие
// уходит POST-ом как JSON. Не-2xx ответ — это ошибка обработки, событие
// помечается failed и попадает в retry-конвейер шины.
type WebhookDeliverer struct {
	client *http.Client
}

func NewWebhookDeliverer() *WebhookDeliverer {
	return &WebhookDeliverer{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Handler возвращает bus.HandlerFunc для конкретного URL.
func (d *WebhookDeliverer) Handler(url string) bus.HandlerFunc {
	return func(ctx context.Context, e *event.Event) error {
		raw, err := e.Marshal()
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-ID", e.EventID)
		req.Header.Set("X-Event-Type", e.EventType)
		req.Header.Set("X-Tenant-ID", e.TenantID)

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook delivery: %w", err)
		}
		defer resp.Body.Close()
		// Вычитываем тело до конца, чтобы соединение вернулось в пул
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s returned %d", url, resp.StatusCode)
		}
		return nil
	}
}
