package models

type RevocationStatus string

const (
	RevocationGood    RevocationStatus = "Good"
	RevocationRevoked RevocationStatus = "Revoked"
	RevocationUnknown RevocationStatus = "Unknown"
)

// VerificationResult reports the outcome of checking a signed bank response.
type VerificationResult struct {
	Verified              bool             `json:"verified"`
	CertificateChainValid bool             `json:"certificateChainValid"`
	RevocationStatus      RevocationStatus `json:"revocationStatus"`
	KeyID                 string           `json:"kid,omitempty"`
	Algorithm             string           `json:"alg,omitempty"`
}

// VerificationJob is a signed response queued for post-execution audit.
type VerificationJob struct {
	State     string
	PaymentID string
	Body      []byte
	Signature string
}
