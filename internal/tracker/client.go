// Package tracker предоставляет клиент для оповещения трекера задач о новых письмах.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bountyfunding/bountyfunding/internal/telemetry"
)

// notifyPath добавляется к адресу трекера; трекер забирает письма через GET /emails.
const notifyPath = "/bountyfunding/email"

// ErrNotConfigured возвращается, если адрес трекера не задан.
var ErrNotConfigured = errors.New("tracker client not configured")

// Client инкапсулирует HTTP-взаимодействие с трекером задач.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент трекера. Каждый запрос ограничен timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NotifyEmails сигнализирует трекеру, что в очереди есть письма. Тело ответа не используется.
func (c *Client) NotifyEmails(ctx context.Context) error {
	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}

	ctx, span := telemetry.Tracer().Start(ctx, "tracker.NotifyEmails")
	defer span.End()

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+notifyPath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("unexpected status: %d", resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}
