package bank

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, srv *httptest.Server, timeout time.Duration) *Client {
	t.Helper()
	return NewClient(Config{
		TokenURL:    srv.URL + "/token",
		APIURL:      srv.URL + "/",
		ClientID:    "client-123",
		RedirectURI: "https://tpp.example/callback",
		FinancialID: "fin-001",
		Timeout:     timeout,
	}, srv.Client().Transport, zerolog.Nop())
}

func TestClientCredentialsTokenSendsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("scope"); got != "payments" {
			t.Errorf("scope = %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != "client-123" {
			t.Errorf("client_id = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"app-token","token_type":"Bearer","expires_in":2399}`)
	}))
	defer srv.Close()

	token, err := newTestClient(t, srv, time.Second).ClientCredentialsToken(context.Background())
	if err != nil {
		t.Fatalf("ClientCredentialsToken: %v", err)
	}
	if token.AccessToken != "app-token" || token.ExpiresIn != 2399 {
		t.Fatalf("unexpected token %+v", token)
	}
	if token.ObtainedAt.IsZero() {
		t.Fatal("ObtainedAt not set")
	}
}

func TestExchangeAuthorizationCodeSendsCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "auth-code" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("redirect_uri") != "https://tpp.example/callback" {
			t.Errorf("redirect_uri = %q", r.PostForm.Get("redirect_uri"))
		}
		_, _ = io.WriteString(w, `{"access_token":"user-token","token_type":"Bearer"}`)
	}))
	defer srv.Close()

	token, err := newTestClient(t, srv, time.Second).ExchangeAuthorizationCode(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode: %v", err)
	}
	if token.AccessToken != "user-token" {
		t.Fatalf("AccessToken = %q", token.AccessToken)
	}
}

func TestTokenRejectionIsUpstreamAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, time.Second).ClientCredentialsToken(context.Background())
	if !errors.Is(err, ErrUpstreamAuth) {
		t.Fatalf("expected ErrUpstreamAuth, got %v", err)
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected UpstreamError with status 400, got %v", err)
	}
	if string(upstream.Body) != `{"error":"invalid_client"}` {
		t.Fatalf("Body = %s", upstream.Body)
	}
}

func TestTokenWithoutAccessTokenIsUpstreamAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"token_type":"Bearer"}`)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv, time.Second).ClientCredentialsToken(context.Background()); !errors.Is(err, ErrUpstreamAuth) {
		t.Fatalf("expected ErrUpstreamAuth, got %v", err)
	}
}

func TestConsentRequestCarriesOpenBankingHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/domestic-payment-consents" {
			t.Errorf("path = %q", r.URL.Path)
		}
		checks := map[string]string{
			"x-fapi-financial-id": "fin-001",
			"x-idempotency-key":   "idem-1",
			"Authorization":       "Bearer app-token",
			"x-jws-signature":     "header..sig",
			"Content-Type":        "application/json",
		}
		for header, want := range checks {
			if got := r.Header.Get(header); got != want {
				t.Errorf("%s = %q, want %q", header, got, want)
			}
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"Data":{}}` {
			t.Errorf("body = %s", body)
		}
		w.Header().Set("x-jws-signature", "bank..sig")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"Data":{"ConsentId":"c-1"}}`)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv, time.Second).CreateDomesticPaymentConsent(context.Background(), "app-token", []byte(`{"Data":{}}`), "header..sig", "idem-1")
	if err != nil {
		t.Fatalf("CreateDomesticPaymentConsent: %v", err)
	}
	if resp.StatusCode != http.StatusCreated || resp.Signature != "bank..sig" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestPaymentStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusInternalServerError, ErrServiceUnavailable},
		{http.StatusBadGateway, ErrServiceUnavailable},
		{http.StatusBadRequest, ErrPaymentDefinitive},
		{http.StatusUnprocessableEntity, ErrPaymentDefinitive},
		{http.StatusUnauthorized, ErrUpstreamAuth},
		{http.StatusForbidden, ErrUpstreamAuth},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := newTestClient(t, srv, time.Second).CreateDomesticPayment(context.Background(), "t", []byte(`{}`), "s", "k")
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestSlowBankIsNetworkTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestClient(t, srv, 50*time.Millisecond).GetDomesticPayment(context.Background(), "t", "p-1")
	if !errors.Is(err, ErrNetworkTimeout) {
		t.Fatalf("expected ErrNetworkTimeout, got %v", err)
	}
}

func TestGetDomesticPaymentEscapesID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/domestic-payments/p%2F1" {
			t.Errorf("path = %q", r.URL.EscapedPath())
		}
		_, _ = io.WriteString(w, `{"Data":{"DomesticPaymentId":"p/1","Status":"AcceptedSettlementCompleted"}}`)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv, time.Second).GetDomesticPayment(context.Background(), "t", "p/1")
	if err != nil {
		t.Fatalf("GetDomesticPayment: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d", resp.StatusCode)
	}
}

func TestNewTransportPresentsClientCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, clientCert := writeClientKeyPair(t, dir)

	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(clientCert)
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.TLS.PeerCertificates) == 0 {
			t.Error("no client certificate presented")
		}
		_, _ = io.WriteString(w, `{"access_token":"mtls-token"}`)
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAndVerifyClientCert, ClientCAs: clientCAs}
	srv.StartTLS()
	defer srv.Close()

	caPath := filepath.Join(dir, "bank-ca.pem")
	writePEM(t, caPath, "CERTIFICATE", srv.Certificate().Raw)

	transport, err := NewTransport(TLSConfig{CertPath: certPath, KeyPath: keyPath, CAPaths: []string{caPath}})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := NewClient(Config{TokenURL: srv.URL + "/token", APIURL: srv.URL, Timeout: 2 * time.Second}, transport, zerolog.Nop())
	token, err := client.ClientCredentialsToken(context.Background())
	if err != nil {
		t.Fatalf("ClientCredentialsToken over mTLS: %v", err)
	}
	if token.AccessToken != "mtls-token" {
		t.Fatalf("AccessToken = %q", token.AccessToken)
	}
}

func TestUntrustedBankCertificateIsUpstreamAuth(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, _ := writeClientKeyPair(t, dir)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	transport, err := NewTransport(TLSConfig{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := NewClient(Config{TokenURL: srv.URL + "/token", Timeout: 2 * time.Second}, transport, zerolog.Nop())
	if _, err := client.ClientCredentialsToken(context.Background()); !errors.Is(err, ErrUpstreamAuth) {
		t.Fatalf("expected ErrUpstreamAuth, got %v", err)
	}
}

func TestNewTransportRejectsMissingKeyPair(t *testing.T) {
	if _, err := NewTransport(TLSConfig{CertPath: "missing.pem", KeyPath: "missing.key"}); err == nil {
		t.Fatal("expected error")
	}
}

func writeClientKeyPair(t *testing.T, dir string) (string, string, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "tpp-transport"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	certPath := filepath.Join(dir, "transport.pem")
	keyPath := filepath.Join(dir, "private.key")
	writePEM(t, certPath, "CERTIFICATE", der)
	writePEM(t, keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
	return certPath, keyPath, cert
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
