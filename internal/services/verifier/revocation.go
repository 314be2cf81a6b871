package verifier

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/crypto/ocsp"

	"github.com/diogomassis/ob-payments/internal/models"
)

// verifyChain validates the signing certificate against the configured
// roots. When the issuer is missing it is fetched once from the
// certificate's AIA location.
func (v *JWKSVerifier) verifyChain(ctx context.Context, key *signingKey) ([]*x509.Certificate, error) {
	intermediates := x509.NewCertPool()
	if v.cfg.Intermediates != nil {
		intermediates = v.cfg.Intermediates.Clone()
	}
	for _, cert := range key.intermediates {
		intermediates.AddCert(cert)
	}
	opts := x509.VerifyOptions{
		Roots:         v.cfg.Roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}

	chains, err := key.cert.Verify(opts)
	if err == nil {
		return chains[0], nil
	}
	if len(key.cert.IssuingCertificateURL) == 0 {
		return nil, err
	}

	issuer, fetchErr := v.certificateAt(ctx, key.cert.IssuingCertificateURL[0])
	if fetchErr != nil {
		return nil, fmt.Errorf("%v; AIA issuer: %w", err, fetchErr)
	}
	opts.Intermediates.AddCert(issuer)
	chains, err = key.cert.Verify(opts)
	if err != nil {
		return nil, err
	}
	return chains[0], nil
}

func (v *JWKSVerifier) revocationStatus(ctx context.Context, cert, issuer *x509.Certificate) models.RevocationStatus {
	if len(cert.OCSPServer) == 0 {
		return models.RevocationUnknown
	}
	resp, err := v.queryOCSP(ctx, cert.OCSPServer[0], cert, issuer)
	if err != nil {
		v.logger.Warn().Err(err).Str("responder", cert.OCSPServer[0]).Msg("[verifier] OCSP check failed")
		return models.RevocationUnknown
	}
	switch resp.Status {
	case ocsp.Good:
		return models.RevocationGood
	case ocsp.Revoked:
		return models.RevocationRevoked
	default:
		return models.RevocationUnknown
	}
}

func (v *JWKSVerifier) queryOCSP(ctx context.Context, responder string, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	der, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(der))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	httpResp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("responder returned status %d", httpResp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return ocsp.ParseResponseForCert(raw, cert, issuer)
}
