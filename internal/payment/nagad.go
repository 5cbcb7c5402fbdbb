package payment

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/technest/payment-core/internal/pricing"
)

const (
	nagadAPIVersion   = "v-0.2.0"
	nagadCurrencyCode = "050"
	nagadTimeLayout   = "20060102150405"
)

var dhaka = time.FixedZone("Asia/Dhaka", 6*60*60)

// NagadConfig configures the Nagad merchant checkout adapter.
type NagadConfig struct {
	Enabled bool
	BaseURL string `validate:"required_if=Enabled true"`
	// MerchantID is the Nagad merchant identifier.
	MerchantID string `validate:"required_if=Enabled true"`
	// MerchantPrivateKey signs requests and decrypts responses (PEM or bare base64 PKCS#8/PKCS#1).
	MerchantPrivateKey string `validate:"required_if=Enabled true"`
	// GatewayPublicKey encrypts sensitive data and verifies gateway signatures (PEM or bare base64 PKIX).
	GatewayPublicKey string `validate:"required_if=Enabled true"`
	ClientIP         string
	ResultURL        string
}

// Nagad implements Adapter using RSA request signing and sensitive-data encryption.
type Nagad struct {
	cfg        NagadConfig
	http       Doer
	privateKey *rsa.PrivateKey
	gatewayKey *rsa.PublicKey
	now        func() time.Time
}

// NewNagad parses the configured keys and constructs the adapter.
func NewNagad(cfg NagadConfig, doer Doer) (*Nagad, error) {
	priv, err := parseRSAPrivateKey(cfg.MerchantPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("nagad merchant key: %w", err)
	}
	pub, err := parseRSAPublicKey(cfg.GatewayPublicKey)
	if err != nil {
		return nil, fmt.Errorf("nagad gateway key: %w", err)
	}
	if cfg.ClientIP == "" {
		cfg.ClientIP = "127.0.0.1"
	}
	return &Nagad{cfg: cfg, http: doer, privateKey: priv, gatewayKey: pub, now: time.Now}, nil
}

func (n *Nagad) Name() Provider   { return ProviderNagad }
func (n *Nagad) Currency() string { return "BDT" }

// NagadOrderID derives the alphanumeric order id Nagad accepts from an intent id.
func NagadOrderID(intentID string) string {
	return strings.ReplaceAll(intentID, "-", "")
}

func (n *Nagad) headers() http.Header {
	return http.Header{
		"X-KM-Api-Version": {nagadAPIVersion},
		"X-KM-IP-V4":       {n.cfg.ClientIP},
		"X-KM-Client-Type": {"PC_WEB"},
	}
}

type nagadSealed struct {
	SensitiveData string `json:"sensitiveData"`
	Signature     string `json:"signature"`
}

// CreateSession runs the initialize and complete steps and returns the
// paymentReferenceId with the Nagad redirect URL.
func (n *Nagad) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	orderID := NagadOrderID(req.IntentID)
	now := n.now().In(dhaka).Format(nagadTimeLayout)
	challenge, err := randomHex(20)
	if err != nil {
		return Session{}, rejected(ProviderNagad, 0, "", fmt.Sprintf("challenge: %v", err))
	}
	initSealed, err := n.seal(map[string]string{
		"merchantId": n.cfg.MerchantID,
		"datetime":   now,
		"orderId":    orderID,
		"challenge":  challenge,
	})
	if err != nil {
		return Session{}, err
	}

	var initOut struct {
		nagadSealed
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	err = callJSON(ctx, n.http, ProviderNagad, apiRequest{
		method:   http.MethodPost,
		endpoint: joinURL(n.cfg.BaseURL, "api/dfs/check-out/initialize", n.cfg.MerchantID, orderID) + "?locale=EN",
		header:   n.headers(),
		body: map[string]string{
			"dateTime":      now,
			"sensitiveData": initSealed.SensitiveData,
			"signature":     initSealed.Signature,
		},
	}, &initOut)
	if err != nil {
		return Session{}, err
	}
	if initOut.SensitiveData == "" {
		return Session{}, rejected(ProviderNagad, http.StatusOK, initOut.Reason, firstNonEmpty(initOut.Message, "initialize returned no data"))
	}
	var initData struct {
		PaymentReferenceID string `json:"paymentReferenceId"`
		Challenge          string `json:"challenge"`
	}
	if err := n.open(initOut.nagadSealed, &initData); err != nil {
		return Session{}, unavailable(ProviderNagad, http.StatusOK, "open initialize response", err)
	}
	if initData.PaymentReferenceID == "" {
		return Session{}, unavailable(ProviderNagad, http.StatusOK, "initialize response missing paymentReferenceId", nil)
	}

	completeSealed, err := n.seal(map[string]string{
		"merchantId":   n.cfg.MerchantID,
		"orderId":      orderID,
		"currencyCode": nagadCurrencyCode,
		"amount":       pricing.FormatMajor(req.Amount),
		"challenge":    initData.Challenge,
	})
	if err != nil {
		return Session{}, err
	}
	var completeOut struct {
		Status      string `json:"status"`
		CallBackURL string `json:"callBackUrl"`
		Reason      string `json:"reason"`
		Message     string `json:"message"`
	}
	err = callJSON(ctx, n.http, ProviderNagad, apiRequest{
		method:   http.MethodPost,
		endpoint: joinURL(n.cfg.BaseURL, "api/dfs/check-out/complete", initData.PaymentReferenceID),
		header:   n.headers(),
		body: map[string]any{
			"sensitiveData":       completeSealed.SensitiveData,
			"signature":           completeSealed.Signature,
			"merchantCallbackURL": req.CallbackURL,
			"additionalMerchantInfo": map[string]string{
				"orderId":  req.OrderID,
				"intentId": req.IntentID,
			},
		},
	}, &completeOut)
	if err != nil {
		return Session{}, err
	}
	if !strings.EqualFold(completeOut.Status, "Success") || completeOut.CallBackURL == "" {
		return Session{}, rejected(ProviderNagad, http.StatusOK, completeOut.Reason, firstNonEmpty(completeOut.Message, "complete status "+completeOut.Status))
	}
	return Session{ProviderReference: initData.PaymentReferenceID, RedirectURL: completeOut.CallBackURL}, nil
}

type nagadVerification struct {
	MerchantID   string `json:"merchantId"`
	OrderID      string `json:"orderId"`
	PaymentRefID string `json:"paymentRefId"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	StatusCode   string `json:"statusCode"`
	IssuerRefNo  string `json:"issuerPaymentRefNo"`
}

// VerifyCallback confirms the redirect's payment_ref_id with the verify API.
func (n *Nagad) VerifyCallback(ctx context.Context, req CallbackRequest) (VerifiedCallback, error) {
	ref := strings.TrimSpace(req.Query.Get("payment_ref_id"))
	if ref == "" {
		return VerifiedCallback{}, invalidCallback(ProviderNagad, "callback missing payment_ref_id")
	}
	var v nagadVerification
	err := callJSON(ctx, n.http, ProviderNagad, apiRequest{
		method:   http.MethodGet,
		endpoint: joinURL(n.cfg.BaseURL, "api/dfs/verify/payment", ref),
		header:   n.headers(),
	}, &v)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && errors.Is(err, ErrProviderRejected) {
			return VerifiedCallback{}, invalidCallback(ProviderNagad, "verify refused: %s", pe.Message)
		}
		return VerifiedCallback{}, err
	}
	if v.PaymentRefID != ref || v.MerchantID != n.cfg.MerchantID {
		return VerifiedCallback{}, invalidCallback(ProviderNagad, "verification does not match callback")
	}

	var outcome Outcome
	switch strings.ToLower(v.Status) {
	case "success":
		outcome = OutcomeSucceeded
	case "failed", "fraud":
		outcome = OutcomeFailed
	case "aborted", "cancelled", "canceled":
		outcome = OutcomeCancelled
	case "initiated", "ready", "inprogress":
		return VerifiedCallback{}, unsupportedEvent(ProviderNagad, "payment %s status %q", ref, v.Status)
	default:
		return VerifiedCallback{}, invalidCallback(ProviderNagad, "unknown status %q", v.Status)
	}
	amount, err := pricing.ParseMajor(v.Amount)
	if err != nil {
		return VerifiedCallback{}, invalidCallback(ProviderNagad, "amount %q", v.Amount)
	}
	return VerifiedCallback{
		ProviderReference: ref,
		Outcome:           outcome,
		Amount:            amount,
		Currency:          "BDT",
		EventID:           firstNonEmpty(v.IssuerRefNo, ref+":"+strings.ToLower(v.Status)),
	}, nil
}

func (n *Nagad) AckBody(kind AckKind, orderID string) (string, []byte) {
	return redirectAck(n.cfg.ResultURL, kind, orderID)
}

// seal encrypts the JSON payload for the gateway and signs it with the merchant key.
func (n *Nagad) seal(payload any) (nagadSealed, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nagadSealed{}, rejected(ProviderNagad, 0, "", fmt.Sprintf("encode sensitive data: %v", err))
	}
	cipher, err := rsa.EncryptPKCS1v15(rand.Reader, n.gatewayKey, plain)
	if err != nil {
		return nagadSealed{}, rejected(ProviderNagad, 0, "", fmt.Sprintf("encrypt sensitive data: %v", err))
	}
	digest := sha256.Sum256(plain)
	sig, err := rsa.SignPKCS1v15(rand.Reader, n.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nagadSealed{}, rejected(ProviderNagad, 0, "", fmt.Sprintf("sign sensitive data: %v", err))
	}
	return nagadSealed{
		SensitiveData: base64.StdEncoding.EncodeToString(cipher),
		Signature:     base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// open decrypts gateway sensitive data with the merchant key and verifies the
// gateway signature over the plaintext.
func (n *Nagad) open(sealed nagadSealed, out any) error {
	cipher, err := base64.StdEncoding.DecodeString(sealed.SensitiveData)
	if err != nil {
		return fmt.Errorf("decode sensitive data: %w", err)
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, n.privateKey, cipher)
	if err != nil {
		return fmt.Errorf("decrypt sensitive data: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sealed.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256(plain)
	if err := rsa.VerifyPKCS1v15(n.gatewayKey, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("gateway signature: %w", err)
	}
	return json.Unmarshal(plain, out)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func keyDER(raw, kind string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("key is empty")
	}
	if strings.HasPrefix(raw, "-----BEGIN") {
		block, _ := pem.Decode([]byte(raw))
		if block == nil {
			return nil, fmt.Errorf("invalid %s PEM", kind)
		}
		return block.Bytes, nil
	}
	der, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s key: %w", kind, err)
	}
	return der, nil
}

func parseRSAPrivateKey(raw string) (*rsa.PrivateKey, error) {
	der, err := keyDER(raw, "private")
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(der)
}

func parseRSAPublicKey(raw string) (*rsa.PublicKey, error) {
	der, err := keyDER(raw, "public")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaKey, nil
}
