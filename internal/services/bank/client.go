// Package bank talks to the Open Banking token and payment endpoints over
// mutual TLS.
package bank

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/diogomassis/ob-payments/internal/metrics"
	"github.com/diogomassis/ob-payments/internal/models"
)

// Endpoint labels used in errors and metrics.
const (
	EndpointToken         = "token"
	EndpointConsent       = "domestic-payment-consents"
	EndpointPayment       = "domestic-payments"
	EndpointPaymentStatus = "domestic-payment-status"

	maxResponseBytes = 1 << 20
)

type Config struct {
	TokenURL    string
	APIURL      string
	ClientID    string
	RedirectURI string
	FinancialID string
	Timeout     time.Duration
}

// SignedResponse is a bank response body together with its detached
// x-jws-signature header, when the bank sent one.
type SignedResponse struct {
	StatusCode int
	Body       []byte
	Signature  string
}

type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// NewClient uses transport for every request; pass the result of
// NewTransport in production.
func NewClient(cfg Config, transport http.RoundTripper, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.APIURL = strings.TrimSuffix(cfg.APIURL, "/")
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger.With().Str("component", "bank").Logger(),
	}
}

// ClientCredentialsToken obtains an application token with the payments scope.
func (c *Client) ClientCredentialsToken(ctx context.Context) (models.AccessToken, error) {
	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"payments"},
		"client_id":  {c.cfg.ClientID},
	}
	return c.requestToken(ctx, form)
}

// ExchangeAuthorizationCode redeems the code returned on the authorization
// callback for a user-authorized token.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code string) (models.AccessToken, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.cfg.RedirectURI},
		"client_id":    {c.cfg.ClientID},
	}
	return c.requestToken(ctx, form)
}

func (c *Client) CreateDomesticPaymentConsent(ctx context.Context, accessToken string, body []byte, signature, idempotencyKey string) (SignedResponse, error) {
	return c.postSigned(ctx, EndpointConsent, accessToken, body, signature, idempotencyKey)
}

func (c *Client) CreateDomesticPayment(ctx context.Context, accessToken string, body []byte, signature, idempotencyKey string) (SignedResponse, error) {
	return c.postSigned(ctx, EndpointPayment, accessToken, body, signature, idempotencyKey)
}

func (c *Client) GetDomesticPayment(ctx context.Context, accessToken, paymentID string) (SignedResponse, error) {
	target := fmt.Sprintf("%s/domestic-payments/%s", c.cfg.APIURL, url.PathEscape(paymentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return SignedResponse{}, fmt.Errorf("[bank] failed to create payment status request: %w", err)
	}
	req.Header.Set("x-fapi-financial-id", c.cfg.FinancialID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	return c.do(req, EndpointPaymentStatus)
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (models.AccessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return models.AccessToken{}, fmt.Errorf("[bank] failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, EndpointToken)
	if err != nil {
		return models.AccessToken{}, err
	}

	var token models.AccessToken
	if err := json.Unmarshal(resp.Body, &token); err != nil {
		return models.AccessToken{}, fmt.Errorf("%w: decode token response: %v", ErrServiceUnavailable, err)
	}
	if token.AccessToken == "" {
		return models.AccessToken{}, &UpstreamError{Endpoint: EndpointToken, StatusCode: resp.StatusCode, Body: resp.Body, kind: ErrUpstreamAuth}
	}
	token.ObtainedAt = time.Now().UTC()
	c.logger.Debug().
		Str("grant", form.Get("grant_type")).
		Str("token", token.Preview()).
		Msg("[bank] access token obtained")
	return token, nil
}

func (c *Client) postSigned(ctx context.Context, endpoint, accessToken string, body []byte, signature, idempotencyKey string) (SignedResponse, error) {
	target := fmt.Sprintf("%s/%s", c.cfg.APIURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return SignedResponse{}, fmt.Errorf("[bank] failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-fapi-financial-id", c.cfg.FinancialID)
	req.Header.Set("x-idempotency-key", idempotencyKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("x-jws-signature", signature)
	return c.do(req, endpoint)
}

func (c *Client) do(req *http.Request, endpoint string) (SignedResponse, error) {
	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.BankRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return SignedResponse{}, classifyTransport(endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return SignedResponse{}, classifyTransport(endpoint, err)
	}

	out := SignedResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
		Signature:  resp.Header.Get("x-jws-signature"),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return out, nil
	}

	c.logger.Warn().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Bytes("body", body).
		Msg("[bank] non-2xx response")
	return out, NewUpstreamError(endpoint, resp.StatusCode, body)
}

func classifyTransport(endpoint string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrNetworkTimeout, endpoint, err)
	}
	if isHandshakeFailure(err) {
		return fmt.Errorf("%w: %s: mTLS handshake failed: %v", ErrUpstreamAuth, endpoint, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrServiceUnavailable, endpoint, err)
}

func isHandshakeFailure(err error) bool {
	var (
		recordErr  tls.RecordHeaderError
		unknownCA  x509.UnknownAuthorityError
		invalidErr x509.CertificateInvalidError
		hostErr    x509.HostnameError
		verifyErr  *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &recordErr), errors.As(err, &unknownCA),
		errors.As(err, &invalidErr), errors.As(err, &hostErr), errors.As(err, &verifyErr):
		return true
	}
	// Alerts sent by the server, e.g. a rejected client certificate.
	return strings.Contains(err.Error(), "remote error: tls")
}
