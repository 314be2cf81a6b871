package verifier

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"

	json "github.com/json-iterator/go"
)

var (
	ErrKeyNotFound = errors.New("no JWKS key matches the signature kid")
	ErrNoKeyData   = errors.New("JWKS key carries neither a certificate nor RSA parameters")
)

type jwk struct {
	Kid string   `json:"kid"`
	Kty string   `json:"kty"`
	Use string   `json:"use"`
	Alg string   `json:"alg"`
	N   string   `json:"n"`
	E   string   `json:"e"`
	X5c []string `json:"x5c"`
	X5u string   `json:"x5u"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

func (s *jwkSet) find(kid string) (jwk, bool) {
	for _, key := range s.Keys {
		if key.Kid == kid {
			return key, true
		}
	}
	return jwk{}, false
}

// signingKey is what a JWKS entry resolves to. cert is nil when the key
// is published only as RSA parameters.
type signingKey struct {
	kid           string
	public        *rsa.PublicKey
	cert          *x509.Certificate
	intermediates []*x509.Certificate
}

func (v *JWKSVerifier) keySet(ctx context.Context) (*jwkSet, error) {
	v.mu.RLock()
	if v.jwks != nil && v.now().Sub(v.fetchedAt) < v.cfg.CacheTTL {
		set := v.jwks
		v.mu.RUnlock()
		return set, nil
	}
	v.mu.RUnlock()

	raw, err := v.fetch(ctx, v.cfg.JwksURI)
	if err != nil {
		return nil, fmt.Errorf("[verifier] fetch JWKS: %w", err)
	}
	var set jwkSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("[verifier] decode JWKS: %w", err)
	}

	v.mu.Lock()
	v.jwks = &set
	v.fetchedAt = v.now()
	v.mu.Unlock()
	v.logger.Debug().Int("keys", len(set.Keys)).Msg("[verifier] JWKS refreshed")
	return &set, nil
}

func (v *JWKSVerifier) resolveKey(ctx context.Context, kid string) (*signingKey, error) {
	set, err := v.keySet(ctx)
	if err != nil {
		return nil, err
	}
	key, ok := set.find(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
	}

	switch {
	case len(key.X5c) > 0:
		certs := make([]*x509.Certificate, 0, len(key.X5c))
		for _, encoded := range key.X5c {
			der, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("[verifier] decode x5c for %q: %w", kid, err)
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("[verifier] parse x5c for %q: %w", kid, err)
			}
			certs = append(certs, cert)
		}
		return newCertificateKey(kid, certs[0], certs[1:])
	case key.X5u != "":
		cert, err := v.certificateAt(ctx, key.X5u)
		if err != nil {
			return nil, err
		}
		return newCertificateKey(kid, cert, nil)
	case key.N != "" && key.E != "":
		public, err := rsaFromParameters(key.N, key.E)
		if err != nil {
			return nil, fmt.Errorf("[verifier] key %q: %w", kid, err)
		}
		return &signingKey{kid: kid, public: public}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrNoKeyData, kid)
	}
}

func newCertificateKey(kid string, cert *x509.Certificate, intermediates []*x509.Certificate) (*signingKey, error) {
	public, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("[verifier] certificate for %q does not hold an RSA key", kid)
	}
	return &signingKey{kid: kid, public: public, cert: cert, intermediates: intermediates}, nil
}

// certificateAt downloads a certificate, caching it by URL.
func (v *JWKSVerifier) certificateAt(ctx context.Context, location string) (*x509.Certificate, error) {
	v.mu.RLock()
	cert, ok := v.certs[location]
	v.mu.RUnlock()
	if ok {
		return cert, nil
	}

	raw, err := v.fetch(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("[verifier] fetch certificate %s: %w", location, err)
	}
	cert, err = parseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("[verifier] parse certificate %s: %w", location, err)
	}

	v.mu.Lock()
	v.certs[location] = cert
	v.mu.Unlock()
	return cert, nil
}

func (v *JWKSVerifier) fetch(ctx context.Context, location string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// parseCertificate accepts PEM or raw DER.
func parseCertificate(raw []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	return x509.ParseCertificate(raw)
}

func rsaFromParameters(n, e string) (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(new(big.Int).SetBytes(exponent).Int64()),
	}, nil
}

// LoadCertPool reads PEM or DER certificates into a new pool.
func LoadCertPool(paths []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("[verifier] read %s: %w", path, err)
		}
		if pool.AppendCertsFromPEM(raw) {
			continue
		}
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("[verifier] %s holds no certificates", path)
		}
		pool.AddCert(cert)
	}
	return pool, nil
}
