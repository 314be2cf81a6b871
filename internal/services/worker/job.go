package worker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/diogomassis/ob-payments/internal/metrics"
	"github.com/diogomassis/ob-payments/internal/models"
	"github.com/diogomassis/ob-payments/internal/services/verifier"
)

type JobFunc func(ctx context.Context, job models.VerificationJob) error

// NewVerificationJob checks executed-payment responses with v. The outcome
// is logged and counted; it never changes the payment.
func NewVerificationJob(v verifier.ResponseVerifier, logger zerolog.Logger) JobFunc {
	return func(ctx context.Context, job models.VerificationJob) error {
		result, err := v.Verify(ctx, job.Body, job.Signature)
		if err != nil {
			metrics.Verifications.WithLabelValues("error").Inc()
			return err
		}

		label := "verified"
		event := logger.Info()
		if !result.Verified || !result.CertificateChainValid || result.RevocationStatus == models.RevocationRevoked {
			label = "unverified"
			event = logger.Warn()
		}
		metrics.Verifications.WithLabelValues(label).Inc()
		event.
			Str("paymentId", job.PaymentID).
			Str("kid", result.KeyID).
			Bool("verified", result.Verified).
			Bool("chainValid", result.CertificateChainValid).
			Str("revocation", string(result.RevocationStatus)).
			Msg("[worker] bank response verification")
		return nil
	}
}
