package payment_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/technest/payment-core/internal/payment"
)

const nagadMerchantID = "683002007104225"

type fakeNagad struct {
	merchantPub *rsa.PublicKey
	gatewayKey  *rsa.PrivateKey

	mu       sync.Mutex
	amounts  map[string]string
	statuses map[string]string
}

func (f *fakeNagad) open(sealed map[string]any) (map[string]string, bool) {
	cipher, err := base64.StdEncoding.DecodeString(sealed["sensitiveData"].(string))
	if err != nil {
		return nil, false
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, f.gatewayKey, cipher)
	if err != nil {
		return nil, false
	}
	sig, err := base64.StdEncoding.DecodeString(sealed["signature"].(string))
	if err != nil {
		return nil, false
	}
	digest := sha256.Sum256(plain)
	if rsa.VerifyPKCS1v15(f.merchantPub, crypto.SHA256, digest[:], sig) != nil {
		return nil, false
	}
	out := map[string]string{}
	return out, json.Unmarshal(plain, &out) == nil
}

func (f *fakeNagad) seal(v any) map[string]string {
	plain, _ := json.Marshal(v)
	cipher, _ := rsa.EncryptPKCS1v15(rand.Reader, f.merchantPub, plain)
	digest := sha256.Sum256(plain)
	sig, _ := rsa.SignPKCS1v15(rand.Reader, f.gatewayKey, crypto.SHA256, digest[:])
	return map[string]string{
		"sensitiveData": base64.StdEncoding.EncodeToString(cipher),
		"signature":     base64.StdEncoding.EncodeToString(sig),
	}
}

func (f *fakeNagad) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/dfs/check-out/initialize/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-KM-Api-Version") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "HEADER", "message": "missing api version"})
			return
		}
		data, ok := f.open(decodeBody(r))
		if !ok || data["merchantId"] != nagadMerchantID {
			writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "SIGNATURE", "message": "bad signature"})
			return
		}
		writeJSON(w, http.StatusOK, f.seal(map[string]string{
			"paymentReferenceId": "REF-" + data["orderId"],
			"challenge":          "gateway-challenge",
		}))
	})
	mux.HandleFunc("/api/dfs/check-out/complete/", func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimPrefix(r.URL.Path, "/api/dfs/check-out/complete/")
		data, ok := f.open(decodeBody(r))
		if !ok || data["challenge"] != "gateway-challenge" || data["currencyCode"] != "050" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "SIGNATURE", "message": "bad signature"})
			return
		}
		f.mu.Lock()
		f.amounts[ref] = data["amount"]
		f.statuses[ref] = "Initiated"
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": "Success", "callBackUrl": "https://sandbox.mynagad.com/pay/" + ref})
	})
	mux.HandleFunc("/api/dfs/verify/payment/", func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimPrefix(r.URL.Path, "/api/dfs/verify/payment/")
		f.mu.Lock()
		amount, ok := f.amounts[ref]
		status := f.statuses[ref]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "INVALID_REFERENCE", "message": "unknown payment"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"merchantId":         nagadMerchantID,
			"paymentRefId":       ref,
			"amount":             amount,
			"status":             status,
			"issuerPaymentRefNo": "ISS-" + ref,
		})
	})
	return mux
}

func (f *fakeNagad) setStatus(ref, status string) {
	f.mu.Lock()
	f.statuses[ref] = status
	f.mu.Unlock()
}

func newNagadAdapter(t *testing.T) (*payment.Nagad, *fakeNagad) {
	t.Helper()
	merchantKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	gatewayKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(merchantKey)
	require.NoError(t, err)
	merchantPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	gatewayPKIX, err := x509.MarshalPKIXPublicKey(&gatewayKey.PublicKey)
	require.NoError(t, err)

	fake := &fakeNagad{
		merchantPub: &merchantKey.PublicKey,
		gatewayKey:  gatewayKey,
		amounts:     map[string]string{},
		statuses:    map[string]string{},
	}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	n, err := payment.NewNagad(payment.NagadConfig{
		Enabled:            true,
		BaseURL:            srv.URL,
		MerchantID:         nagadMerchantID,
		MerchantPrivateKey: string(merchantPEM),
		GatewayPublicKey:   base64.StdEncoding.EncodeToString(gatewayPKIX),
	}, clientDoer{client: srv.Client()})
	require.NoError(t, err)
	return n, fake
}

func nagadRedirect(ref string) payment.CallbackRequest {
	return payment.CallbackRequest{Method: http.MethodGet, Header: http.Header{}, Query: url.Values{"payment_ref_id": {ref}, "status": {"Success"}}}
}

func TestNagadCreateSessionAndVerify(t *testing.T) {
	n, fake := newNagadAdapter(t)
	ctx := context.Background()
	intentID := "0b7c2d3e-1111-4c4c-9a9a-0123456789ab"

	sess, err := n.CreateSession(ctx, payment.SessionRequest{IntentID: intentID, OrderID: "o-1", Amount: 250050, Currency: "BDT", CallbackURL: "https://api.example/cb"})
	require.NoError(t, err)
	ref := "REF-" + payment.NagadOrderID(intentID)
	require.Equal(t, ref, sess.ProviderReference)
	require.Equal(t, "https://sandbox.mynagad.com/pay/"+ref, sess.RedirectURL)

	_, err = n.VerifyCallback(ctx, nagadRedirect(ref))
	require.ErrorIs(t, err, payment.ErrUnsupportedEvent)

	fake.setStatus(ref, "Success")
	got, err := n.VerifyCallback(ctx, nagadRedirect(ref))
	require.NoError(t, err)
	require.Equal(t, payment.VerifiedCallback{
		ProviderReference: ref,
		Outcome:           payment.OutcomeSucceeded,
		Amount:            250050,
		Currency:          "BDT",
		EventID:           "ISS-" + ref,
	}, got)

	fake.setStatus(ref, "Aborted")
	got, err = n.VerifyCallback(ctx, nagadRedirect(ref))
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeCancelled, got.Outcome)
}

func TestNagadVerifyRejectsUnknownReference(t *testing.T) {
	n, _ := newNagadAdapter(t)
	_, err := n.VerifyCallback(context.Background(), nagadRedirect("REF-FORGED"))
	require.ErrorIs(t, err, payment.ErrInvalidSignature)

	_, err = n.VerifyCallback(context.Background(), payment.CallbackRequest{Query: url.Values{}})
	require.ErrorIs(t, err, payment.ErrInvalidSignature)
}

func TestNewNagadRejectsBadKeys(t *testing.T) {
	_, err := payment.NewNagad(payment.NagadConfig{MerchantPrivateKey: "not-a-key", GatewayPublicKey: "x"}, nil)
	require.Error(t, err)
}

func TestNagadOrderID(t *testing.T) {
	require.Equal(t, "abc123", payment.NagadOrderID("abc-1-2-3"))
}
