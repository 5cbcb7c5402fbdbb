package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CardSignatureHeader carries the card webhook signature: "t=<unix>,v1=<hex>".
const CardSignatureHeader = "Card-Signature"

// CardConfig configures the Stripe-style card adapter.
type CardConfig struct {
	Enabled            bool
	BaseURL            string `validate:"required_if=Enabled true"`
	ClientID           string `validate:"required_if=Enabled true"`
	ClientSecret       string `validate:"required_if=Enabled true"`
	WebhookSecret      string `validate:"required_if=Enabled true"`
	Currency           string
	SuccessURL         string
	CancelURL          string
	SignatureTolerance time.Duration
}

// Card implements Adapter for a Stripe-style hosted checkout with OAuth client
// credentials and HMAC-signed webhooks.
type Card struct {
	cfg    CardConfig
	http   Doer
	tokens *tokenSource
	now    func() time.Time
}

// NewCard constructs the card adapter.
func NewCard(cfg CardConfig, doer Doer) *Card {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.SignatureTolerance <= 0 {
		cfg.SignatureTolerance = 5 * time.Minute
	}
	c := &Card{cfg: cfg, http: doer, now: time.Now}
	c.tokens = newTokenSource(clientCredentials(ProviderCard, doer, joinURL(cfg.BaseURL, "oauth/token"), cfg.ClientID, cfg.ClientSecret))
	return c
}

func (c *Card) Name() Provider   { return ProviderCard }
func (c *Card) Currency() string { return normaliseCurrency(c.cfg.Currency) }

// CreateSession opens a hosted checkout session keyed by the intent id.
func (c *Card) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	body := map[string]any{
		"client_reference_id": req.IntentID,
		"amount":              req.Amount,
		"currency":            strings.ToLower(req.Currency),
		"customer_email":      req.CustomerEmail,
		"success_url":         c.cfg.SuccessURL,
		"cancel_url":          c.cfg.CancelURL,
		"notification_url":    req.CallbackURL,
		"metadata": map[string]string{
			"order_id":  req.OrderID,
			"intent_id": req.IntentID,
		},
	}
	err := withToken(ctx, c.tokens, func(token string) error {
		return callJSON(ctx, c.http, ProviderCard, apiRequest{
			method:   http.MethodPost,
			endpoint: joinURL(c.cfg.BaseURL, "v1/checkout/sessions"),
			header: http.Header{
				"Authorization":   {"Bearer " + token},
				"Idempotency-Key": {req.IntentID},
			},
			body: body,
		}, &out)
	})
	if err != nil {
		return Session{}, err
	}
	if out.ID == "" || out.URL == "" {
		return Session{}, unavailable(ProviderCard, http.StatusOK, "session response missing id or url", nil)
	}
	return Session{ProviderReference: out.ID, RedirectURL: out.URL}, nil
}

type cardEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			AmountTotal   *int64 `json:"amount_total"`
			Currency      string `json:"currency"`
			PaymentStatus string `json:"payment_status"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyCallback checks the webhook HMAC and maps the event to an outcome.
func (c *Card) VerifyCallback(_ context.Context, req CallbackRequest) (VerifiedCallback, error) {
	if err := c.verifySignature(req.Header.Get(CardSignatureHeader), req.Body); err != nil {
		return VerifiedCallback{}, err
	}
	var evt cardEvent
	if err := json.Unmarshal(req.Body, &evt); err != nil {
		return VerifiedCallback{}, invalidCallback(ProviderCard, "decode event: %v", err)
	}
	obj := evt.Data.Object
	if evt.ID == "" || obj.ID == "" {
		return VerifiedCallback{}, invalidCallback(ProviderCard, "event missing id")
	}

	var outcome Outcome
	switch evt.Type {
	case "checkout.session.completed":
		if obj.PaymentStatus != "paid" {
			return VerifiedCallback{}, unsupportedEvent(ProviderCard, "session %s completed with payment_status %q", obj.ID, obj.PaymentStatus)
		}
		outcome = OutcomeSucceeded
	case "checkout.session.async_payment_succeeded":
		outcome = OutcomeSucceeded
	case "checkout.session.async_payment_failed", "payment_intent.payment_failed":
		outcome = OutcomeFailed
	case "checkout.session.expired":
		outcome = OutcomeCancelled
	default:
		return VerifiedCallback{}, unsupportedEvent(ProviderCard, "event type %q", evt.Type)
	}
	if obj.AmountTotal == nil || obj.Currency == "" {
		return VerifiedCallback{}, invalidCallback(ProviderCard, "event %s missing amount", evt.ID)
	}
	return VerifiedCallback{
		ProviderReference: obj.ID,
		Outcome:           outcome,
		Amount:            *obj.AmountTotal,
		Currency:          normaliseCurrency(obj.Currency),
		EventID:           evt.ID,
	}, nil
}

func (c *Card) verifySignature(header string, body []byte) error {
	if strings.TrimSpace(header) == "" {
		return invalidCallback(ProviderCard, "missing %s header", CardSignatureHeader)
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			sigs = append(sigs, value)
		}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(sigs) == 0 {
		return invalidCallback(ProviderCard, "malformed signature header")
	}
	age := c.now().Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if age > c.cfg.SignatureTolerance {
		return invalidCallback(ProviderCard, "signature timestamp outside tolerance")
	}
	expected := SignCardPayload(c.cfg.WebhookSecret, ts, body)
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return invalidCallback(ProviderCard, "signature mismatch")
}

// SignCardPayload computes the v1 signature for a webhook body.
func SignCardPayload(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Card) AckBody(kind AckKind, _ string) (string, []byte) {
	switch kind {
	case AckRejected:
		return "application/json", []byte(`{"received":false,"error":"invalid signature"}`)
	case AckRetry:
		return "application/json", []byte(`{"received":false,"error":"retry later"}`)
	default:
		return "application/json", []byte(`{"received":true}`)
	}
}
