package dto

import "github.com/diogomassis/ob-payments/internal/models"

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Step    string `json:"step,omitempty"`
	Details any    `json:"details,omitempty"`
}

type TokenStatusResponse struct {
	HasToken           bool   `json:"hasToken"`
	TokenType          string `json:"tokenType,omitempty"`
	ExpiresIn          int    `json:"expiresIn,omitempty"`
	AccessTokenPreview string `json:"accessTokenPreview,omitempty"`
}

type PaymentSummaryResponse struct {
	From    string                `json:"from,omitempty"`
	To      string                `json:"to,omitempty"`
	Summary models.PaymentSummary `json:"summary"`
}

type CommitmentRequest struct {
	Commitment string `json:"commitment"`
	SortCode   string `json:"sortCode"`
}

type VerifyResponseRequest struct {
	Body      string `json:"body"`
	Signature string `json:"signature"`
}

type ExtractPublicKeyRequest struct {
	Signature string `json:"signature"`
}

type ExtractPublicKeyResponse struct {
	KeyID     string `json:"kid"`
	Subject   string `json:"subject"`
	Issuer    string `json:"issuer"`
	NotAfter  string `json:"notAfter"`
	PublicKey string `json:"publicKey"`
}

type HealthResponse struct {
	Status       string                      `json:"status"`
	Message      string                      `json:"message"`
	Dependencies map[string]DependencyHealth `json:"dependencies,omitempty"`
}

type DependencyHealth struct {
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	CheckedAt string `json:"checkedAt,omitempty"`
}
