package orchestrator

import (
	"context"
	"errors"
	"fmt"

	json "github.com/json-iterator/go"

	"github.com/diogomassis/ob-payments/internal/models"
	"github.com/diogomassis/ob-payments/internal/services/bank"
	"github.com/diogomassis/ob-payments/internal/services/signer"
)

type Kind string

const (
	KindInvalidRequest           Kind = "InvalidRequest"
	KindUpstreamAuth             Kind = "UpstreamAuthError"
	KindSigning                  Kind = "SigningError"
	KindUnknownOrExpiredState    Kind = "UnknownOrExpiredState"
	KindMissingAuthorizationCode Kind = "MissingAuthorizationCode"
	KindNetworkTimeout           Kind = "NetworkTimeout"
	KindUpstreamUnavailable      Kind = "UpstreamUnavailable"
	KindUpstreamRejected         Kind = "UpstreamRejected"
)

// Step names the flow stage that failed.
type Step string

const (
	StepValidation           Step = "validation"
	StepTokenFetch           Step = "token-fetch"
	StepSigning              Step = "signing"
	StepConsentCreation      Step = "consent-creation"
	StepAuthorizationRequest Step = "authorization-request"
	StepCallback             Step = "callback"
	StepCodeExchange         Step = "code-exchange"
	StepStateLookup          Step = "state-lookup"
	StepPaymentExecution     Step = "payment-execution"
	StepPaymentStatus        Step = "payment-status"
)

var (
	ErrMissingAuthorizationCode = errors.New("authorization code is missing from the callback")
	ErrUnknownOrExpiredState    = errors.New("state is unknown, already used, or expired")
)

// FlowError is returned by every orchestrator operation. StatusCode and
// Details are set when the bank answered with a non-2xx response.
type FlowError struct {
	Kind       Kind
	Step       Step
	Err        error
	StatusCode int
	Details    json.RawMessage
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func newFlowError(kind Kind, step Step, err error) *FlowError {
	return &FlowError{Kind: kind, Step: step, Err: err}
}

// classify maps a collaborator error onto the flow error taxonomy.
func classify(step Step, err error) *FlowError {
	fe := &FlowError{Step: step, Err: err}
	var upstream *bank.UpstreamError
	if errors.As(err, &upstream) {
		fe.StatusCode = upstream.StatusCode
		if json.Valid(upstream.Body) {
			fe.Details = append(json.RawMessage(nil), upstream.Body...)
		} else if len(upstream.Body) > 0 {
			quoted, _ := json.Marshal(string(upstream.Body))
			fe.Details = quoted
		}
	}

	switch {
	case errors.Is(err, signer.ErrSigning):
		fe.Kind = KindSigning
	case errors.Is(err, models.ErrInvalidAmount), errors.Is(err, models.ErrInvalidCurrency),
		errors.Is(err, models.ErrMissingCreditor), errors.Is(err, models.ErrMissingIDs):
		fe.Kind = KindInvalidRequest
	case errors.Is(err, bank.ErrNetworkTimeout), errors.Is(err, context.DeadlineExceeded):
		fe.Kind = KindNetworkTimeout
	case errors.Is(err, bank.ErrUpstreamAuth):
		fe.Kind = KindUpstreamAuth
	case errors.Is(err, bank.ErrPaymentDefinitive):
		fe.Kind = KindUpstreamRejected
	default:
		fe.Kind = KindUpstreamUnavailable
	}
	return fe
}
