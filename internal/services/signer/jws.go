// Package signer produces the PS256 signatures the bank requires: detached
// JWS headers for request bodies and the authorization request object.
package signer

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	json "github.com/json-iterator/go"
)

// TrustAnchorHeader is the Open Banking critical header naming the trust
// anchor that publishes the signing key.
const TrustAnchorHeader = "http://openbanking.org.uk/tan"

var ErrSigning = errors.New("signing failed")

type Config struct {
	// SigningKeyID is the kid advertised on detached request signatures.
	SigningKeyID string
	// AuthKeyID is the kid advertised on authorization request objects.
	AuthKeyID   string
	TrustAnchor string
	ClientID    string
	RedirectURI string
	// Audience is the issuer URL of the bank's authorization server.
	Audience string
	// RequestTTL bounds the lifetime of an authorization request object.
	RequestTTL time.Duration
}

type Signer struct {
	key *rsa.PrivateKey
	cfg Config
	now func() time.Time
}

type detachedHeader struct {
	Alg         string   `json:"alg"`
	Kid         string   `json:"kid"`
	Crit        []string `json:"crit"`
	TrustAnchor string   `json:"http://openbanking.org.uk/tan"`
}

type intentClaim struct {
	Value     string `json:"value"`
	Essential bool   `json:"essential"`
}

type requestedClaims struct {
	IDToken struct {
		IntentID intentClaim `json:"openbanking_intent_id"`
	} `json:"id_token"`
}

type authorizationClaims struct {
	ResponseType string          `json:"response_type"`
	ClientID     string          `json:"client_id"`
	RedirectURI  string          `json:"redirect_uri"`
	Scope        string          `json:"scope"`
	State        string          `json:"state"`
	Nonce        string          `json:"nonce,omitempty"`
	Claims       requestedClaims `json:"claims"`
	jwtlib.RegisteredClaims
}

// LoadPrivateKey reads a PEM encoded RSA key (PKCS#1 or PKCS#8).
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read signing key: %v", ErrSigning, err)
	}
	key, err := jwtlib.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse signing key: %v", ErrSigning, err)
	}
	return key, nil
}

func New(key *rsa.PrivateKey, cfg Config) *Signer {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 5 * time.Minute
	}
	return &Signer{key: key, cfg: cfg, now: time.Now}
}

// SignDetached signs payload and returns the JWS with its payload segment
// removed ("header..signature"), ready for the x-jws-signature header.
// payload must be the exact bytes sent as the request body.
func (s *Signer) SignDetached(payload []byte) (string, error) {
	if s.key == nil {
		return "", fmt.Errorf("%w: no signing key loaded", ErrSigning)
	}
	header, err := json.Marshal(detachedHeader{
		Alg:         jwtlib.SigningMethodPS256.Alg(),
		Kid:         s.cfg.SigningKeyID,
		Crit:        []string{TrustAnchorHeader},
		TrustAnchor: s.cfg.TrustAnchor,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode header: %v", ErrSigning, err)
	}

	encodedHeader := base64.RawURLEncoding.EncodeToString(header)
	signingInput := encodedHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	sig, err := jwtlib.SigningMethodPS256.Sign(signingInput, s.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return encodedHeader + ".." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// SignAuthorizationRequest builds the request object that binds consentID
// and state for the bank's hosted authorization page.
func (s *Signer) SignAuthorizationRequest(consentID, state string) (string, error) {
	if s.key == nil {
		return "", fmt.Errorf("%w: no signing key loaded", ErrSigning)
	}
	now := s.now()
	claims := authorizationClaims{
		ResponseType: "code id_token",
		ClientID:     s.cfg.ClientID,
		RedirectURI:  s.cfg.RedirectURI,
		Scope:        "payments",
		State:        state,
		Nonce:        state,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    s.cfg.ClientID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(s.cfg.RequestTTL)),
		},
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwtlib.ClaimStrings{s.cfg.Audience}
	}
	claims.Claims.IDToken.IntentID = intentClaim{Value: consentID, Essential: true}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodPS256, claims)
	token.Header["kid"] = s.cfg.AuthKeyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("%w: authorization request: %v", ErrSigning, err)
	}
	return signed, nil
}
