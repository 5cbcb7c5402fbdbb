package payment

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/technest/payment-core/internal/pricing"
)

const bkashSuccessCode = "0000"

// BkashConfig configures the bKash tokenized checkout adapter.
type BkashConfig struct {
	Enabled   bool
	BaseURL   string `validate:"required_if=Enabled true"`
	AppKey    string `validate:"required_if=Enabled true"`
	AppSecret string `validate:"required_if=Enabled true"`
	Username  string `validate:"required_if=Enabled true"`
	Password  string `validate:"required_if=Enabled true"`
	Currency  string
	ResultURL string
}

// Bkash implements Adapter for bKash tokenized checkout. The callback is a
// browser redirect, so outcomes are confirmed against the execute and status APIs.
type Bkash struct {
	cfg    BkashConfig
	http   Doer
	tokens *tokenSource
}

// NewBkash constructs the bKash adapter.
func NewBkash(cfg BkashConfig, doer Doer) *Bkash {
	if cfg.Currency == "" {
		cfg.Currency = "BDT"
	}
	b := &Bkash{cfg: cfg, http: doer}
	b.tokens = newTokenSource(b.grantToken)
	return b
}

func (b *Bkash) Name() Provider   { return ProviderBkash }
func (b *Bkash) Currency() string { return normaliseCurrency(b.cfg.Currency) }

type bkashStatus struct {
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

func (b *Bkash) grantToken(ctx context.Context) (string, time.Duration, error) {
	var out struct {
		bkashStatus
		IDToken   string `json:"id_token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	err := callJSON(ctx, b.http, ProviderBkash, apiRequest{
		method:   http.MethodPost,
		endpoint: joinURL(b.cfg.BaseURL, "tokenized/checkout/token/grant"),
		header: http.Header{
			"Username": {b.cfg.Username},
			"Password": {b.cfg.Password},
		},
		body: map[string]string{"app_key": b.cfg.AppKey, "app_secret": b.cfg.AppSecret},
	}, &out)
	if err != nil {
		return "", 0, err
	}
	if out.StatusCode != "" && out.StatusCode != bkashSuccessCode {
		return "", 0, rejected(ProviderBkash, http.StatusOK, out.StatusCode, out.StatusMessage)
	}
	return out.IDToken, time.Duration(out.ExpiresIn) * time.Second, nil
}

func (b *Bkash) authed(ctx context.Context, path string, body, out any) error {
	return withToken(ctx, b.tokens, func(token string) error {
		return callJSON(ctx, b.http, ProviderBkash, apiRequest{
			method:   http.MethodPost,
			endpoint: joinURL(b.cfg.BaseURL, path),
			header: http.Header{
				"Authorization": {token},
				"X-App-Key":     {b.cfg.AppKey},
			},
			body: body,
		}, out)
	})
}

// CreateSession creates a bKash payment and returns its paymentID and bkashURL.
func (b *Bkash) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	var out struct {
		bkashStatus
		PaymentID string `json:"paymentID"`
		BkashURL  string `json:"bkashURL"`
	}
	err := b.authed(ctx, "tokenized/checkout/create", map[string]string{
		"mode":                  "0011",
		"payerReference":        req.OrderID,
		"callbackURL":           req.CallbackURL,
		"amount":                pricing.FormatMajor(req.Amount),
		"currency":              req.Currency,
		"intent":                "sale",
		"merchantInvoiceNumber": req.IntentID,
	}, &out)
	if err != nil {
		return Session{}, err
	}
	if out.StatusCode != bkashSuccessCode {
		return Session{}, rejected(ProviderBkash, http.StatusOK, out.StatusCode, out.StatusMessage)
	}
	if out.PaymentID == "" || out.BkashURL == "" {
		return Session{}, unavailable(ProviderBkash, http.StatusOK, "create response missing paymentID or bkashURL", nil)
	}
	return Session{ProviderReference: out.PaymentID, RedirectURL: out.BkashURL}, nil
}

type bkashPayment struct {
	bkashStatus
	PaymentID         string `json:"paymentID"`
	TrxID             string `json:"trxID"`
	TransactionStatus string `json:"transactionStatus"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
}

// VerifyCallback confirms the redirect parameters with bKash. A success
// redirect executes the payment; other redirects query its status.
func (b *Bkash) VerifyCallback(ctx context.Context, req CallbackRequest) (VerifiedCallback, error) {
	paymentID := strings.TrimSpace(req.Query.Get("paymentID"))
	status := strings.ToLower(strings.TrimSpace(req.Query.Get("status")))
	if paymentID == "" {
		return VerifiedCallback{}, invalidCallback(ProviderBkash, "callback missing paymentID")
	}
	switch status {
	case "success", "failure", "cancel":
	default:
		return VerifiedCallback{}, invalidCallback(ProviderBkash, "unknown redirect status %q", status)
	}

	var p bkashPayment
	if status == "success" {
		if err := b.authed(ctx, "tokenized/checkout/execute", map[string]string{"paymentID": paymentID}, &p); err != nil {
			return VerifiedCallback{}, err
		}
	}
	if p.StatusCode != bkashSuccessCode || p.TransactionStatus == "" {
		// Execute refused (already executed, declined) or was not attempted: the
		// status API is authoritative.
		p = bkashPayment{}
		if err := b.authed(ctx, "tokenized/checkout/payment/status", map[string]string{"paymentID": paymentID}, &p); err != nil {
			return VerifiedCallback{}, err
		}
		if p.StatusCode != bkashSuccessCode {
			return VerifiedCallback{}, invalidCallback(ProviderBkash, "status query refused: %s %s", p.StatusCode, p.StatusMessage)
		}
	}
	if p.PaymentID != "" && p.PaymentID != paymentID {
		return VerifiedCallback{}, invalidCallback(ProviderBkash, "payment id mismatch")
	}

	var outcome Outcome
	switch strings.ToLower(p.TransactionStatus) {
	case "completed":
		outcome = OutcomeSucceeded
	case "failed", "declined":
		outcome = OutcomeFailed
	case "cancelled", "canceled", "expired":
		outcome = OutcomeCancelled
	case "initiated":
		if status == "success" {
			return VerifiedCallback{}, unsupportedEvent(ProviderBkash, "payment %s not executed yet", paymentID)
		}
		// The customer left the bKash page without paying.
		outcome = OutcomeCancelled
		if status == "failure" {
			outcome = OutcomeFailed
		}
	default:
		return VerifiedCallback{}, unsupportedEvent(ProviderBkash, "transaction status %q", p.TransactionStatus)
	}
	amount, err := pricing.ParseMajor(p.Amount)
	if err != nil {
		return VerifiedCallback{}, invalidCallback(ProviderBkash, "amount %q", p.Amount)
	}
	currency := p.Currency
	if currency == "" {
		currency = b.cfg.Currency
	}
	return VerifiedCallback{
		ProviderReference: paymentID,
		Outcome:           outcome,
		Amount:            amount,
		Currency:          normaliseCurrency(currency),
		EventID:           firstNonEmpty(p.TrxID, paymentID+":"+status),
	}, nil
}

func (b *Bkash) AckBody(kind AckKind, orderID string) (string, []byte) {
	return redirectAck(b.cfg.ResultURL, kind, orderID)
}
