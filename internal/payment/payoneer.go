package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/technest/payment-core/internal/pricing"
)

// PayoneerConfig configures the Payoneer checkout adapter.
type PayoneerConfig struct {
	Enabled            bool
	BaseURL            string `validate:"required_if=Enabled true"`
	ClientID           string `validate:"required_if=Enabled true"`
	ClientSecret       string `validate:"required_if=Enabled true"`
	NotificationSecret string `validate:"required_if=Enabled true"`
	Currency           string
	ReturnURL          string
	CancelURL          string
}

// Payoneer implements Adapter using client-credential bearer tokens and
// HS256-signed JWS notifications.
type Payoneer struct {
	cfg    PayoneerConfig
	http   Doer
	tokens *tokenSource
}

// NewPayoneer constructs the Payoneer adapter.
func NewPayoneer(cfg PayoneerConfig, doer Doer) *Payoneer {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	p := &Payoneer{cfg: cfg, http: doer}
	p.tokens = newTokenSource(clientCredentials(ProviderPayoneer, doer, joinURL(cfg.BaseURL, "v2/oauth2/token"), cfg.ClientID, cfg.ClientSecret, "read", "write"))
	return p
}

func (p *Payoneer) Name() Provider   { return ProviderPayoneer }
func (p *Payoneer) Currency() string { return normaliseCurrency(p.cfg.Currency) }

// CreateSession opens a Payoneer checkout list for the intent.
func (p *Payoneer) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	var out struct {
		Identification struct {
			LongID string `json:"longId"`
		} `json:"identification"`
		Redirect struct {
			URL string `json:"url"`
		} `json:"redirect"`
		ResultCode string `json:"resultCode"`
	}
	body := map[string]any{
		"transactionId": req.IntentID,
		"payment": map[string]string{
			"amount":    pricing.FormatMajor(req.Amount),
			"currency":  req.Currency,
			"reference": req.OrderID,
		},
		"customer": map[string]string{"email": req.CustomerEmail},
		"callback": map[string]string{
			"returnUrl":       p.cfg.ReturnURL,
			"cancelUrl":       p.cfg.CancelURL,
			"notificationUrl": req.CallbackURL,
		},
	}
	err := withToken(ctx, p.tokens, func(token string) error {
		return callJSON(ctx, p.http, ProviderPayoneer, apiRequest{
			method:   http.MethodPost,
			endpoint: joinURL(p.cfg.BaseURL, "v4/checkout/sessions"),
			header:   http.Header{"Authorization": {"Bearer " + token}},
			body:     body,
		}, &out)
	})
	if err != nil {
		return Session{}, err
	}
	if out.Identification.LongID == "" || out.Redirect.URL == "" {
		return Session{}, rejected(ProviderPayoneer, http.StatusOK, out.ResultCode, "session response missing longId or redirect")
	}
	return Session{ProviderReference: out.Identification.LongID, RedirectURL: out.Redirect.URL}, nil
}

type payoneerNotification struct {
	NotificationID string `json:"notificationId"`
	LongID         string `json:"longId"`
	StatusCode     string `json:"statusCode"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
}

// VerifyCallback verifies the compact JWS body and maps the status code.
func (p *Payoneer) VerifyCallback(_ context.Context, req CallbackRequest) (VerifiedCallback, error) {
	token := bytes.TrimSpace(req.Body)
	if len(token) == 0 {
		return VerifiedCallback{}, invalidCallback(ProviderPayoneer, "empty notification")
	}
	payload, err := jws.Verify(token, jws.WithKey(jwa.HS256, []byte(p.cfg.NotificationSecret)))
	if err != nil {
		return VerifiedCallback{}, invalidCallback(ProviderPayoneer, "verify jws: %v", err)
	}
	var n payoneerNotification
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&n); err != nil {
		return VerifiedCallback{}, invalidCallback(ProviderPayoneer, "decode claims: %v", err)
	}
	if n.LongID == "" || n.NotificationID == "" {
		return VerifiedCallback{}, invalidCallback(ProviderPayoneer, "notification missing identifiers")
	}

	var outcome Outcome
	switch strings.ToLower(strings.TrimSpace(n.StatusCode)) {
	case "charged", "paid":
		outcome = OutcomeSucceeded
	case "declined", "failed", "rejected":
		outcome = OutcomeFailed
	case "aborted", "canceled", "cancelled", "expired":
		outcome = OutcomeCancelled
	case "pending", "listed", "registered":
		return VerifiedCallback{}, unsupportedEvent(ProviderPayoneer, "interim status %q", n.StatusCode)
	default:
		return VerifiedCallback{}, invalidCallback(ProviderPayoneer, "unknown status %q", n.StatusCode)
	}
	amount, err := pricing.ParseMajor(n.Amount)
	if err != nil || n.Currency == "" {
		return VerifiedCallback{}, invalidCallback(ProviderPayoneer, "notification amount %q", n.Amount)
	}
	return VerifiedCallback{
		ProviderReference: n.LongID,
		Outcome:           outcome,
		Amount:            amount,
		Currency:          normaliseCurrency(n.Currency),
		EventID:           n.NotificationID,
	}, nil
}

func (p *Payoneer) AckBody(kind AckKind, _ string) (string, []byte) {
	switch kind {
	case AckRejected:
		return "application/json", []byte(`{"status":"REJECTED"}`)
	case AckRetry:
		return "application/json", []byte(`{"status":"RETRY"}`)
	default:
		return "application/json", []byte(`{"status":"OK"}`)
	}
}
