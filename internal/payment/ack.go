package payment

import (
	"fmt"
	"html"
	"net/url"
	"strings"
)

// redirectAck renders the acknowledgement for providers whose callback is the
// customer's browser returning from the payment page. The page forwards to the
// storefront result page, which polls the order status.
func redirectAck(resultURL string, kind AckKind, orderID string) (string, []byte) {
	target := strings.TrimSpace(resultURL)
	if target == "" {
		return "application/json", []byte(fmt.Sprintf(`{"status":%q}`, string(kind)))
	}
	u, err := url.Parse(target)
	if err != nil {
		return "application/json", []byte(fmt.Sprintf(`{"status":%q}`, string(kind)))
	}
	q := u.Query()
	if orderID != "" {
		q.Set("order", orderID)
	}
	q.Set("status", string(kind))
	u.RawQuery = q.Encode()
	escaped := html.EscapeString(u.String())
	page := fmt.Sprintf(`<!doctype html><html><head><meta charset="utf-8"><meta http-equiv="refresh" content="0;url=%s"></head><body><a href="%s">Continue</a></body></html>`, escaped, escaped)
	return "text/html; charset=utf-8", []byte(page)
}
