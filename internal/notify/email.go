package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/events"
)

// EmailNotifier sends the customer email for payment outcome topics.
type EmailNotifier struct {
	Mail         common.EmailSender
	Enabled      bool
	TopicToggles map[string]bool
	// SupportAddress is quoted in failure emails.
	SupportAddress string
}

// Payload is the event body the notifier understands.
type Payload struct {
	OrderID       string `json:"orderId"`
	IntentID      string `json:"intentId,omitempty"`
	Provider      string `json:"provider,omitempty"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	Total         string `json:"total,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Wants reports whether topic produces an email.
func (n EmailNotifier) Wants(topic string) bool {
	if !n.Enabled || n.Mail == nil {
		return false
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[topic]; ok && !enabled {
			return false
		}
	}
	for _, t := range events.CustomerTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

// Notify implements events.Notifier.
func (n EmailNotifier) Notify(_ context.Context, ev events.Event) error {
	if !n.Wants(ev.Topic) {
		return nil
	}
	var p Payload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := strings.TrimSpace(p.CustomerEmail)
	if to == "" {
		return nil
	}
	return n.Mail.Send(to, subjectFor(ev.Topic), n.bodyFor(ev.Topic, p, ev.OccurredAt))
}

func subjectFor(topic string) string {
	switch topic {
	case events.TopicOrderPaid:
		return "Payment received"
	case events.TopicPaymentFailed:
		return "Payment failed"
	case events.TopicPaymentCancelled:
		return "Payment cancelled"
	case events.TopicPaymentExpired:
		return "Payment session expired"
	default:
		return fmt.Sprintf("Order update: %s", topic)
	}
}

func (n EmailNotifier) bodyFor(topic string, p Payload, occurred time.Time) string {
	var b strings.Builder
	b.WriteString("<p>")
	switch topic {
	case events.TopicOrderPaid:
		b.WriteString("Thank you. We received your payment and will start on your order.")
	case events.TopicPaymentFailed:
		b.WriteString("Your payment could not be completed. No order was placed.")
	case events.TopicPaymentCancelled:
		b.WriteString("Your payment was cancelled.")
	case events.TopicPaymentExpired:
		b.WriteString("Your payment session expired before it was completed.")
	}
	b.WriteString("</p>")
	fmt.Fprintf(&b, "<p>Order: %s</p>", html.EscapeString(p.OrderID))
	if p.Total != "" {
		fmt.Fprintf(&b, "<p>Amount: %s %s</p>", html.EscapeString(p.Total), html.EscapeString(p.Currency))
	}
	if topic != events.TopicOrderPaid && n.SupportAddress != "" {
		fmt.Fprintf(&b, "<p>Questions? Write to %s.</p>", html.EscapeString(n.SupportAddress))
	}
	fmt.Fprintf(&b, "<p><small>%s</small></p>", occurred.UTC().Format(time.RFC1123))
	return b.String()
}
