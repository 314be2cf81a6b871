package verifier

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	json "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ocsp"

	"github.com/diogomassis/ob-payments/internal/models"
	"github.com/diogomassis/ob-payments/internal/services/signer"
)

type issued struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

type bankPKI struct {
	srv          *httptest.Server
	root         issued
	intermediate issued
	leaf         issued
	aiaLeaf      issued
	revoked      atomic.Bool
	jwksHits     atomic.Int32
}

var serial atomic.Int64

func issue(t *testing.T, tmpl *x509.Certificate, parent *issued) issued {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl.SerialNumber = big.NewInt(serial.Add(1))
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	signerCert, signerKey := tmpl, key
	if parent != nil {
		signerCert, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return issued{cert: cert, key: key}
}

func newBankPKI(t *testing.T) *bankPKI {
	t.Helper()
	p := &bankPKI{}
	mux := http.NewServeMux()
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)

	p.root = issue(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "OB Sandbox Root"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, nil)
	p.intermediate = issue(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "OB Sandbox Issuing"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, &p.root)
	p.leaf = issue(t, &x509.Certificate{
		Subject:    pkix.Name{CommonName: "bank-signing"},
		KeyUsage:   x509.KeyUsageDigitalSignature,
		OCSPServer: []string{p.srv.URL + "/ocsp"},
	}, &p.root)
	p.aiaLeaf = issue(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "bank-signing-aia"},
		KeyUsage:              x509.KeyUsageDigitalSignature,
		IssuingCertificateURL: []string{p.srv.URL + "/issuing.cer"},
	}, &p.intermediate)

	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		p.jwksHits.Add(1)
		set := map[string]any{"keys": []map[string]any{
			{"kid": "x5u-kid", "kty": "RSA", "x5u": p.srv.URL + "/leaf.pem"},
			{"kid": "x5c-kid", "kty": "RSA", "x5c": []string{base64.StdEncoding.EncodeToString(p.leaf.cert.Raw)}},
			{"kid": "aia-kid", "kty": "RSA", "x5u": p.srv.URL + "/aia-leaf.pem"},
			{
				"kid": "bare-kid",
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(p.leaf.key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(p.leaf.key.E)).Bytes()),
			},
			{"kid": "empty-kid", "kty": "RSA"},
		}}
		_ = json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/leaf.pem", func(w http.ResponseWriter, r *http.Request) {
		_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: p.leaf.cert.Raw})
	})
	mux.HandleFunc("/aia-leaf.pem", func(w http.ResponseWriter, r *http.Request) {
		_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: p.aiaLeaf.cert.Raw})
	})
	mux.HandleFunc("/issuing.cer", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(p.intermediate.cert.Raw)
	})
	mux.HandleFunc("/ocsp", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		req, err := ocsp.ParseRequest(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tmpl := ocsp.Response{
			Status:       ocsp.Good,
			SerialNumber: req.SerialNumber,
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
		}
		if p.revoked.Load() {
			tmpl.Status = ocsp.Revoked
			tmpl.RevokedAt = time.Now().Add(-time.Minute)
			tmpl.RevocationReason = ocsp.KeyCompromise
		}
		resp, err := ocsp.CreateResponse(p.root.cert, p.root.cert, tmpl, p.root.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	})
	return p
}

func (p *bankPKI) verifier(roots *x509.CertPool) *JWKSVerifier {
	return New(Config{JwksURI: p.srv.URL + "/jwks", Roots: roots}, zerolog.Nop())
}

func (p *bankPKI) rootPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(p.root.cert)
	return pool
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, body []byte) string {
	t.Helper()
	sig, err := signer.New(key, signer.Config{SigningKeyID: kid, TrustAnchor: "openbankingtest.org.uk"}).SignDetached(body)
	if err != nil {
		t.Fatalf("SignDetached: %v", err)
	}
	return sig
}

var responseBody = []byte(`{"Data":{"DomesticPaymentId":"p-1","Status":"AcceptedSettlementInProcess"}}`)

func TestVerifyX5uSignatureWithGoodRevocation(t *testing.T) {
	p := newBankPKI(t)

	result, err := p.verifier(p.rootPool()).Verify(context.Background(), responseBody, sign(t, p.leaf.key, "x5u-kid", responseBody))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	want := models.VerificationResult{
		Verified:              true,
		CertificateChainValid: true,
		RevocationStatus:      models.RevocationGood,
		KeyID:                 "x5u-kid",
		Algorithm:             "PS256",
	}
	if result != want {
		t.Fatalf("result = %+v, want %+v", result, want)
	}
}

func TestVerifyReportsRevokedCertificate(t *testing.T) {
	p := newBankPKI(t)
	p.revoked.Store(true)

	result, err := p.verifier(p.rootPool()).Verify(context.Background(), responseBody, sign(t, p.leaf.key, "x5c-kid", responseBody))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified || result.RevocationStatus != models.RevocationRevoked {
		t.Fatalf("result = %+v", result)
	}
}

func TestVerifyTamperedBodyIsUnverified(t *testing.T) {
	p := newBankPKI(t)
	sig := sign(t, p.leaf.key, "x5c-kid", responseBody)

	result, err := p.verifier(p.rootPool()).Verify(context.Background(), []byte(`{"Data":{"Status":"Rejected"}}`), sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified {
		t.Fatal("tampered body must not verify")
	}
}

func TestVerifyWrongKeyIsUnverified(t *testing.T) {
	p := newBankPKI(t)

	result, err := p.verifier(p.rootPool()).Verify(context.Background(), responseBody, sign(t, p.root.key, "x5c-kid", responseBody))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified {
		t.Fatal("signature from another key must not verify")
	}
}

func TestVerifyUntrustedChain(t *testing.T) {
	p := newBankPKI(t)

	result, err := p.verifier(x509.NewCertPool()).Verify(context.Background(), responseBody, sign(t, p.leaf.key, "x5c-kid", responseBody))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified || result.CertificateChainValid || result.RevocationStatus != models.RevocationUnknown {
		t.Fatalf("result = %+v", result)
	}
}

func TestVerifyFetchesMissingIssuerFromAIA(t *testing.T) {
	p := newBankPKI(t)

	result, err := p.verifier(p.rootPool()).Verify(context.Background(), responseBody, sign(t, p.aiaLeaf.key, "aia-kid", responseBody))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified || !result.CertificateChainValid {
		t.Fatalf("result = %+v", result)
	}
	// No OCSP responder is advertised.
	if result.RevocationStatus != models.RevocationUnknown {
		t.Fatalf("RevocationStatus = %s", result.RevocationStatus)
	}
}

func TestVerifyUnencodedPayload(t *testing.T) {
	p := newBankPKI(t)
	header, _ := json.Marshal(map[string]any{"alg": "PS256", "kid": "x5c-kid", "b64": false, "crit": []string{"b64"}})
	encodedHeader := base64.RawURLEncoding.EncodeToString(header)
	sig, err := jwtlib.SigningMethodPS256.Sign(encodedHeader+"."+string(responseBody), p.leaf.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	detached := encodedHeader + ".." + base64.RawURLEncoding.EncodeToString(sig)

	result, err := p.verifier(p.rootPool()).Verify(context.Background(), responseBody, detached)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified {
		t.Fatalf("result = %+v", result)
	}
}

func TestVerifyBareRSAKey(t *testing.T) {
	p := newBankPKI(t)

	result, err := p.verifier(p.rootPool()).Verify(context.Background(), responseBody, sign(t, p.leaf.key, "bare-kid", responseBody))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified || result.CertificateChainValid {
		t.Fatalf("result = %+v", result)
	}
}

func TestVerifyErrors(t *testing.T) {
	p := newBankPKI(t)
	v := p.verifier(p.rootPool())

	if _, err := v.Verify(context.Background(), responseBody, "not-a-jws"); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature, got %v", err)
	}
	if _, err := v.Verify(context.Background(), responseBody, sign(t, p.leaf.key, "unknown-kid", responseBody)); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if _, err := v.Verify(context.Background(), responseBody, sign(t, p.leaf.key, "empty-kid", responseBody)); !errors.Is(err, ErrNoKeyData) {
		t.Fatalf("expected ErrNoKeyData, got %v", err)
	}

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","kid":"x5c-kid"}`))
	if _, err := v.Verify(context.Background(), responseBody, header+"..c2ln"); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature for HS256, got %v", err)
	}
}

func TestJWKSIsCached(t *testing.T) {
	p := newBankPKI(t)
	v := p.verifier(p.rootPool())
	sig := sign(t, p.leaf.key, "x5u-kid", responseBody)

	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), responseBody, sig); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}
	if hits := p.jwksHits.Load(); hits != 1 {
		t.Fatalf("JWKS fetched %d times, want 1", hits)
	}

	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := v.Verify(context.Background(), responseBody, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if hits := p.jwksHits.Load(); hits != 2 {
		t.Fatalf("stale JWKS not refreshed, hits = %d", hits)
	}
}

func TestExtractCertificate(t *testing.T) {
	p := newBankPKI(t)
	v := p.verifier(p.rootPool())

	cert, kid, err := v.ExtractCertificate(context.Background(), sign(t, p.leaf.key, "x5u-kid", responseBody))
	if err != nil {
		t.Fatalf("ExtractCertificate: %v", err)
	}
	if kid != "x5u-kid" || cert.Subject.CommonName != "bank-signing" {
		t.Fatalf("kid = %q, subject = %q", kid, cert.Subject.CommonName)
	}

	if _, _, err := v.ExtractCertificate(context.Background(), sign(t, p.leaf.key, "bare-kid", responseBody)); err == nil {
		t.Fatal("expected error for a key without a certificate")
	}
}

func TestLoadCertPoolRejectsMissingFile(t *testing.T) {
	if _, err := LoadCertPool([]string{"does-not-exist.cer"}); err == nil {
		t.Fatal("expected error")
	}
}
