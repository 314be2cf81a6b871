// Package verifier checks detached JWS signatures on bank responses
// against the keys the bank publishes in its JWKS, then validates the
// signing certificate's chain and revocation status.
package verifier

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	json "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/diogomassis/ob-payments/internal/models"
)

var ErrMalformedSignature = errors.New("malformed JWS")

// ResponseVerifier validates a signed bank response. A signature that
// fails to verify is reported in the result, not as an error; errors mean
// the check could not be carried out.
type ResponseVerifier interface {
	Verify(ctx context.Context, body []byte, signature string) (models.VerificationResult, error)
}

type Config struct {
	JwksURI string
	// Roots anchors certificate chain validation. A nil pool uses the
	// system roots.
	Roots         *x509.CertPool
	Intermediates *x509.CertPool
	CacheTTL      time.Duration
	FetchTimeout  time.Duration
	HTTPClient    *http.Client
}

type JWKSVerifier struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	jwks      *jwkSet
	fetchedAt time.Time
	certs     map[string]*x509.Certificate
}

func New(cfg Config, logger zerolog.Logger) *JWKSVerifier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	return &JWKSVerifier{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "verifier").Logger(),
		now:    time.Now,
		certs:  make(map[string]*x509.Certificate),
	}
}

type protectedHeader struct {
	Alg  string   `json:"alg"`
	Kid  string   `json:"kid"`
	B64  *bool    `json:"b64,omitempty"`
	Crit []string `json:"crit,omitempty"`
}

type parsedJWS struct {
	header        protectedHeader
	encodedHeader string
	payload       string
	signature     []byte
}

func parseJWS(signature string) (*parsedJWS, error) {
	parts := strings.Split(strings.TrimSpace(signature), ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected three segments, got %d", ErrMalformedSignature, len(parts))
	}
	rawHeader, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedSignature, err)
	}
	var header protectedHeader
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedSignature, err)
	}
	if header.Kid == "" {
		return nil, fmt.Errorf("%w: header has no kid", ErrMalformedSignature)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedSignature, err)
	}
	return &parsedJWS{header: header, encodedHeader: parts[0], payload: parts[1], signature: sig}, nil
}

// signingInput rebuilds the signed string. Detached signatures take the
// payload from body, unencoded when the header sets b64 to false.
func (j *parsedJWS) signingInput(body []byte) string {
	if j.payload != "" {
		return j.encodedHeader + "." + j.payload
	}
	if j.header.B64 != nil && !*j.header.B64 {
		return j.encodedHeader + "." + string(body)
	}
	return j.encodedHeader + "." + base64.RawURLEncoding.EncodeToString(body)
}

func (v *JWKSVerifier) Verify(ctx context.Context, body []byte, signature string) (models.VerificationResult, error) {
	result := models.VerificationResult{RevocationStatus: models.RevocationUnknown}

	jws, err := parseJWS(signature)
	if err != nil {
		return result, err
	}
	result.KeyID = jws.header.Kid
	result.Algorithm = jws.header.Alg

	method := jwtlib.GetSigningMethod(jws.header.Alg)
	if method != jwtlib.SigningMethodPS256 && method != jwtlib.SigningMethodRS256 {
		return result, fmt.Errorf("%w: unsupported alg %q", ErrMalformedSignature, jws.header.Alg)
	}

	key, err := v.resolveKey(ctx, jws.header.Kid)
	if err != nil {
		return result, err
	}

	if err := method.Verify(jws.signingInput(body), jws.signature, key.public); err != nil {
		v.logger.Warn().Err(err).Str("kid", key.kid).Msg("[verifier] signature does not verify")
	} else {
		result.Verified = true
	}

	if key.cert == nil {
		return result, nil
	}
	chain, err := v.verifyChain(ctx, key)
	if err != nil {
		v.logger.Warn().Err(err).Str("kid", key.kid).Msg("[verifier] certificate chain invalid")
		return result, nil
	}
	result.CertificateChainValid = true
	if len(chain) > 1 {
		result.RevocationStatus = v.revocationStatus(ctx, key.cert, chain[1])
	}
	return result, nil
}

// ExtractCertificate returns the certificate published for the signature's kid.
func (v *JWKSVerifier) ExtractCertificate(ctx context.Context, signature string) (*x509.Certificate, string, error) {
	jws, err := parseJWS(signature)
	if err != nil {
		return nil, "", err
	}
	key, err := v.resolveKey(ctx, jws.header.Kid)
	if err != nil {
		return nil, jws.header.Kid, err
	}
	if key.cert == nil {
		return nil, key.kid, fmt.Errorf("[verifier] key %q is not published with a certificate", key.kid)
	}
	return key.cert, key.kid, nil
}

// Ping reports whether the JWKS endpoint can be read.
func (v *JWKSVerifier) Ping(ctx context.Context) error {
	_, err := v.fetch(ctx, v.cfg.JwksURI)
	return err
}
