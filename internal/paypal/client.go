// Package paypal предоставляет клиент PayPal REST API для приёма платежей спонсоров.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bountyfunding/bountyfunding/internal/telemetry"
)

const (
	// SandboxURL адрес тестового окружения PayPal.
	SandboxURL = "https://api.sandbox.paypal.com"
	// LiveURL адрес боевого окружения PayPal.
	LiveURL = "https://api.paypal.com"
)

// ErrUnavailable возвращается, если PayPal не ответил или ответил ошибкой сервера.
var ErrUnavailable = errors.New("paypal unavailable")

// BaseURL возвращает адрес API для режима sandbox или live.
func BaseURL(mode string) string {
	if mode == "live" {
		return LiveURL
	}
	return SandboxURL
}

// Config содержит параметры подключения к PayPal.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client инкапсулирует HTTP-взаимодействие с PayPal. Токен доступа получается
// по схеме client credentials и обновляется автоматически.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент PayPal.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	// Запрос токена идёт через этот же клиент и ограничен тем же таймаутом.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = timeout

	return &Client{
		baseURL:    base,
		httpClient: httpClient,
	}
}

type amount struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

type transaction struct {
	Amount      amount `json:"amount"`
	Description string `json:"description,omitempty"`
}

type redirectURLs struct {
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

type createRequest struct {
	Intent       string        `json:"intent"`
	Payer        payer         `json:"payer"`
	RedirectURLs redirectURLs  `json:"redirect_urls"`
	Transactions []transaction `json:"transactions"`
}

type payer struct {
	PaymentMethod string `json:"payment_method"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paymentResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Links []link `json:"links"`
}

type executeRequest struct {
	PayerID string `json:"payer_id"`
}

// CreatePayment создаёт платёж на сумму amount долларов и возвращает идентификатор
// платежа в PayPal и адрес, на который нужно перенаправить плательщика для подтверждения.
func (c *Client) CreatePayment(ctx context.Context, amountUSD int, returnURL string) (string, string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "paypal.CreatePayment")
	defer span.End()
	span.SetAttributes(attribute.Int("paypal.amount", amountUSD))

	body := createRequest{
		Intent:       "sale",
		Payer:        payer{PaymentMethod: "paypal"},
		RedirectURLs: redirectURLs{ReturnURL: returnURL, CancelURL: returnURL},
		Transactions: []transaction{{
			Amount:      amount{Total: fmt.Sprintf("%d.00", amountUSD), Currency: "USD"},
			Description: "Sponsorship",
		}},
	}

	var resp paymentResponse
	status, err := c.do(ctx, "/v1/payments/payment", body, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", "", err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		err := fmt.Errorf("create payment: unexpected status %d", status)
		span.SetStatus(codes.Error, err.Error())
		return "", "", err
	}

	for _, l := range resp.Links {
		if l.Rel == "approval_url" {
			return resp.ID, l.Href, nil
		}
	}

	err = fmt.Errorf("create payment %s: no approval url in response", resp.ID)
	span.SetStatus(codes.Error, err.Error())
	return "", "", err
}

// ExecutePayment подтверждает платёж после одобрения плательщиком.
// Возвращает false, если PayPal отклонил подтверждение.
func (c *Client) ExecutePayment(ctx context.Context, paymentID, payerID string) (bool, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "paypal.ExecutePayment")
	defer span.End()
	span.SetAttributes(attribute.String("paypal.payment_id", paymentID))

	var resp paymentResponse
	status, err := c.do(ctx, "/v1/payments/payment/"+paymentID+"/execute", executeRequest{PayerID: payerID}, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	if status >= 400 {
		span.SetAttributes(attribute.Int("http.status_code", status))
		return false, nil
	}

	return resp.State == "approved", nil
}

// do отправляет POST-запрос с JSON-телом. Ошибки сети и ответы 5xx оборачиваются в ErrUnavailable,
// ответы 4xx возвращаются вызывающему как код статуса без декодирования тела.
func (c *Client) do(ctx context.Context, path string, in, out any) (int, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("paypal client not configured: %w", ErrUnavailable)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PayPal-Request-Id", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, fmt.Errorf("unexpected status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}

	return resp.StatusCode, nil
}
