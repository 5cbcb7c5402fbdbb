package payment

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Provider names a supported payment provider.
type Provider string

const (
	ProviderCard     Provider = "card"
	ProviderPayoneer Provider = "payoneer"
	ProviderBkash    Provider = "bkash"
	ProviderNagad    Provider = "nagad"
)

// ParseProvider normalises a provider name taken from a route or config value.
func ParseProvider(raw string) (Provider, bool) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(raw))); p {
	case ProviderCard, ProviderPayoneer, ProviderBkash, ProviderNagad:
		return p, true
	case "stripe":
		return ProviderCard, true
	default:
		return "", false
	}
}

// SessionRequest carries what an adapter needs to open a remote payment session.
type SessionRequest struct {
	// IntentID is the internal idempotency key forwarded to the provider.
	IntentID      string
	OrderID       string
	Amount        int64
	Currency      string
	CustomerEmail string
	CallbackURL   string
}

// Session is the provider side of a created payment.
type Session struct {
	ProviderReference string
	RedirectURL       string
}

// CallbackRequest is the raw inbound provider notification.
type CallbackRequest struct {
	Method string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// Outcome is the provider-reported result of a payment.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// VerifiedCallback is the single shape every adapter maps its wire format into.
type VerifiedCallback struct {
	ProviderReference string
	Outcome           Outcome
	Amount            int64
	Currency          string
	// EventID identifies the provider delivery when the provider supplies one.
	EventID string
}

// AckKind selects the acknowledgement body returned to a provider.
type AckKind string

const (
	AckProcessed AckKind = "processed"
	AckDuplicate AckKind = "duplicate"
	AckIgnored   AckKind = "ignored"
	AckRejected  AckKind = "rejected"
	AckRetry     AckKind = "retry"
)

// Adapter encapsulates provider specific authentication, signing and parsing.
type Adapter interface {
	Name() Provider
	Currency() string
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	VerifyCallback(ctx context.Context, req CallbackRequest) (VerifiedCallback, error)
	AckBody(kind AckKind, orderID string) (contentType string, body []byte)
}

func normaliseCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
