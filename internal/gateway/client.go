package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is an HTTP Gateway backed by a Stripe-compatible REST API. All
// requests are form-encoded POSTs or plain GETs authenticated with the
// secret key as a bearer token.
type Client struct {
	BaseURL   string
	SecretKey string
	HTTP      *http.Client
}

// NewClient returns a Client with a bounded-timeout HTTP client.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		HTTP:      &http.Client{Timeout: 15 * time.Second},
	}
}

type sessionPayload struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

type intentPayload struct {
	ID             string `json:"id"`
	AmountReceived int64  `json:"amount_received"`
}

type payoutPayload struct {
	ID string `json:"id"`
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", params.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.AmountMinor, 10))
	form.Set("line_items[0][price_data][product_data][name]", params.ItemName)
	for k, v := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	var out sessionPayload
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &out); err != nil {
		return CheckoutSession{}, err
	}
	return CheckoutSession{ID: out.ID, URL: out.URL}, nil
}

func (c *Client) RetrieveSession(ctx context.Context, sessionID string) (Session, error) {
	var out sessionPayload
	path := "/v1/checkout/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Session{}, err
	}
	return Session{
		ID:            out.ID,
		PaymentStatus: out.PaymentStatus,
		PaymentIntent: out.PaymentIntent,
		Metadata:      out.Metadata,
	}, nil
}

func (c *Client) RetrievePaymentAmount(ctx context.Context, paymentIntentID string) (int64, error) {
	var out intentPayload
	path := "/v1/payment_intents/" + url.PathEscape(paymentIntentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}
	return out.AmountReceived, nil
}

func (c *Client) CreatePayout(ctx context.Context, destination string, amountMinor int64, currency string) (string, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountMinor, 10))
	form.Set("currency", currency)
	form.Set("destination", destination)

	var out payoutPayload
	if err := c.do(ctx, http.MethodPost, "/v1/payouts", form, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	op := method + " " + path
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Op: op, Status: resp.StatusCode, Msg: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
