// Package orchestrator drives the two-phase domestic payment flow: consent
// creation with a redirect to the bank, then code exchange and execution
// once the bank calls back.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/diogomassis/ob-payments/internal/metrics"
	"github.com/diogomassis/ob-payments/internal/models"
	"github.com/diogomassis/ob-payments/internal/services/bank"
	"github.com/diogomassis/ob-payments/internal/services/correlation"
)

type TokenService interface {
	ClientCredentialsToken(ctx context.Context) (models.AccessToken, error)
	ExchangeAuthorizationCode(ctx context.Context, code string) (models.AccessToken, error)
}

type PaymentGateway interface {
	CreateDomesticPaymentConsent(ctx context.Context, accessToken string, body []byte, signature, idempotencyKey string) (bank.SignedResponse, error)
	CreateDomesticPayment(ctx context.Context, accessToken string, body []byte, signature, idempotencyKey string) (bank.SignedResponse, error)
	GetDomesticPayment(ctx context.Context, accessToken, paymentID string) (bank.SignedResponse, error)
}

type Signer interface {
	SignDetached(payload []byte) (string, error)
	SignAuthorizationRequest(consentID, state string) (string, error)
}

type Publisher interface {
	Publish(evt models.PaymentFlowEvent)
}

// PaymentRecorder keeps a record of executed payments. Failures are logged
// and never fail the flow.
type PaymentRecorder interface {
	Record(ctx context.Context, payment models.ExecutedPayment, amount models.Amount) error
}

// Auditor accepts signed bank responses for asynchronous verification.
// Submit reports false when the job was not accepted.
type Auditor interface {
	Submit(job models.VerificationJob) bool
}

type PaymentOrchestrator struct {
	tokens     TokenService
	gateway    PaymentGateway
	signer     Signer
	publisher  Publisher
	recorder   PaymentRecorder
	auditor    Auditor
	pending    *correlation.Store[models.PendingAuthorization]
	flowTokens *correlation.Store[models.AccessToken]

	authorizationURL string
	clientID         string
	redirectURI      string
	newID            func() string
	logger           zerolog.Logger
}

// Initiate creates a signed consent for req and returns the URL the user
// must visit to authorize it. Nothing is stored unless every step succeeds.
func (o *PaymentOrchestrator) Initiate(ctx context.Context, req models.PaymentRequest) (*models.InitiatedPayment, error) {
	initiated, err := o.initiate(ctx, req)
	if err != nil {
		metrics.FlowsInitiated.WithLabelValues("failure").Inc()
		o.logger.Error().Err(err).Msg("[orchestrator] payment initiation failed")
		evt := models.NewPaymentFlowEvent(models.EventAuthorizationFailed, "Payment initiation failed")
		evt.Error = err.Error()
		o.publisher.Publish(evt)
		return nil, err
	}

	metrics.FlowsInitiated.WithLabelValues("success").Inc()
	o.logger.Info().
		Str("consentId", initiated.ConsentID).
		Msg("[orchestrator] payment consent created, awaiting authorization")
	evt := models.NewPaymentFlowEvent(models.EventInitiated, "Payment initiated")
	evt.State = initiated.State
	evt.ConsentID = initiated.ConsentID
	o.publisher.Publish(evt)
	return initiated, nil
}

func (o *PaymentOrchestrator) initiate(ctx context.Context, req models.PaymentRequest) (*models.InitiatedPayment, error) {
	if err := req.Validate(); err != nil {
		return nil, newFlowError(KindInvalidRequest, StepValidation, err)
	}
	// A client-supplied consent id is never trusted; the bank assigns one.
	req = req.WithConsent("")

	token, err := o.tokens.ClientCredentialsToken(ctx)
	if err != nil {
		return nil, classify(StepTokenFetch, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, newFlowError(KindInvalidRequest, StepValidation, fmt.Errorf("encode consent body: %w", err))
	}
	signature, err := o.signer.SignDetached(body)
	if err != nil {
		return nil, classify(StepSigning, err)
	}

	resp, err := o.gateway.CreateDomesticPaymentConsent(ctx, token.AccessToken, body, signature, o.newID())
	if err != nil {
		return nil, classify(StepConsentCreation, err)
	}
	consent, err := models.ParseConsent(resp.Body)
	if err != nil || consent.ConsentID == "" {
		fe := newFlowError(KindUpstreamRejected, StepConsentCreation, fmt.Errorf("consent response carries no ConsentId: %v", err))
		fe.StatusCode = resp.StatusCode
		if json.Valid(resp.Body) {
			fe.Details = resp.Body
		}
		return nil, fe
	}

	state := o.newID()
	request, err := o.signer.SignAuthorizationRequest(consent.ConsentID, state)
	if err != nil {
		return nil, classify(StepAuthorizationRequest, err)
	}
	authURL, err := o.buildAuthorizationURL(request, state)
	if err != nil {
		return nil, newFlowError(KindInvalidRequest, StepAuthorizationRequest, err)
	}

	o.pending.Store(state, models.PendingAuthorization{
		ConsentID: consent.ConsentID,
		Payment:   req,
		CreatedAt: time.Now().UTC(),
	})

	return &models.InitiatedPayment{
		AuthorizationURL: authURL,
		State:            state,
		ConsentID:        consent.ConsentID,
	}, nil
}

func (o *PaymentOrchestrator) buildAuthorizationURL(request, state string) (string, error) {
	u, err := url.Parse(o.authorizationURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorization url: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code id_token")
	q.Set("scope", "payments")
	q.Set("redirect_uri", o.redirectURI)
	q.Set("client_id", o.clientID)
	q.Set("request", request)
	q.Set("response_mode", "fragment")
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CompleteAndExecute handles the bank's authorization callback. The state
// is consumed by the first caller that reaches the lookup, so a replayed
// callback can never execute the payment twice.
func (o *PaymentOrchestrator) CompleteAndExecute(ctx context.Context, code, state string) (*models.ExecutedPayment, error) {
	if strings.TrimSpace(code) == "" {
		metrics.Callbacks.WithLabelValues("missing_code").Inc()
		return nil, o.authorizationFailed(state, newFlowError(KindMissingAuthorizationCode, StepCallback, ErrMissingAuthorizationCode))
	}

	token, err := o.tokens.ExchangeAuthorizationCode(ctx, code)
	if err != nil {
		metrics.Callbacks.WithLabelValues("exchange_failed").Inc()
		return nil, o.authorizationFailed(state, classify(StepCodeExchange, err))
	}

	pending, ok := o.pending.Take(state)
	if !ok {
		metrics.Callbacks.WithLabelValues("unknown_state").Inc()
		return nil, o.authorizationFailed(state, newFlowError(KindUnknownOrExpiredState, StepStateLookup, ErrUnknownOrExpiredState))
	}
	metrics.Callbacks.WithLabelValues("authorized").Inc()

	o.flowTokens.Store(state, token)
	evt := models.NewPaymentFlowEvent(models.EventAuthorized, "Payment authorized")
	evt.State = state
	evt.ConsentID = pending.ConsentID
	o.publisher.Publish(evt)

	executed, err := o.execute(ctx, token, pending)
	if err != nil {
		metrics.Payments.WithLabelValues("failure").Inc()
		o.logger.Error().Err(err).Str("consentId", pending.ConsentID).Msg("[orchestrator] payment execution failed")
		evt := models.NewPaymentFlowEvent(models.EventPaymentFailed, "Payment execution failed")
		evt.State = state
		evt.ConsentID = pending.ConsentID
		evt.Error = err.Error()
		o.publisher.Publish(evt)
		return nil, err
	}

	metrics.Payments.WithLabelValues("success").Inc()
	o.logger.Info().
		Str("consentId", executed.ConsentID).
		Str("paymentId", executed.PaymentID).
		Str("status", executed.Status).
		Msg("[orchestrator] payment executed")
	evt = models.NewPaymentFlowEvent(models.EventPaymentExecuted, "Payment executed successfully")
	evt.State = state
	evt.ConsentID = executed.ConsentID
	evt.PaymentID = executed.PaymentID
	evt.Status = executed.Status
	o.publisher.Publish(evt)

	o.afterExecution(ctx, state, executed, pending.Payment.Data.Initiation.InstructedAmount)
	return executed, nil
}

func (o *PaymentOrchestrator) execute(ctx context.Context, token models.AccessToken, pending models.PendingAuthorization) (*models.ExecutedPayment, error) {
	body, err := json.Marshal(pending.Payment.WithConsent(pending.ConsentID))
	if err != nil {
		return nil, newFlowError(KindInvalidRequest, StepPaymentExecution, fmt.Errorf("encode payment body: %w", err))
	}
	signature, err := o.signer.SignDetached(body)
	if err != nil {
		return nil, classify(StepSigning, err)
	}

	resp, err := o.gateway.CreateDomesticPayment(ctx, token.AccessToken, body, signature, o.newID())
	if err != nil {
		return nil, classify(StepPaymentExecution, err)
	}
	executed, err := models.ParseExecutedPayment(resp.Body)
	if err != nil {
		fe := newFlowError(KindUpstreamUnavailable, StepPaymentExecution, err)
		fe.StatusCode = resp.StatusCode
		return nil, fe
	}
	if executed.ConsentID == "" {
		executed.ConsentID = pending.ConsentID
	}
	executed.JWSSignature = resp.Signature
	return &executed, nil
}

func (o *PaymentOrchestrator) afterExecution(ctx context.Context, state string, executed *models.ExecutedPayment, amount models.Amount) {
	if o.recorder != nil {
		if err := o.recorder.Record(ctx, *executed, amount); err != nil {
			o.logger.Warn().Err(err).Str("paymentId", executed.PaymentID).Msg("[orchestrator] failed to record executed payment")
		}
	}
	if o.auditor == nil || executed.JWSSignature == "" {
		return
	}
	job := models.VerificationJob{
		State:     state,
		PaymentID: executed.PaymentID,
		Body:      executed.BankResponse,
		Signature: executed.JWSSignature,
	}
	if !o.auditor.Submit(job) {
		metrics.Verifications.WithLabelValues("dropped").Inc()
		o.logger.Warn().Str("paymentId", executed.PaymentID).Msg("[orchestrator] audit queue full, response verification skipped")
	}
}

func (o *PaymentOrchestrator) authorizationFailed(state string, fe *FlowError) error {
	o.logger.Warn().Err(fe).Msg("[orchestrator] authorization callback rejected")
	evt := models.NewPaymentFlowEvent(models.EventAuthorizationFailed, "Payment authorization failed")
	evt.State = state
	evt.Error = fe.Error()
	o.publisher.Publish(evt)
	return fe
}

// AccessToken returns the user-authorized token obtained for state, if it
// is still retained.
func (o *PaymentOrchestrator) AccessToken(state string) (models.AccessToken, bool) {
	return o.flowTokens.Get(state)
}

// PaymentStatus fetches the current state of an executed payment.
func (o *PaymentOrchestrator) PaymentStatus(ctx context.Context, paymentID string) (*models.ExecutedPayment, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, newFlowError(KindInvalidRequest, StepPaymentStatus, fmt.Errorf("payment id is required"))
	}
	token, err := o.tokens.ClientCredentialsToken(ctx)
	if err != nil {
		return nil, classify(StepTokenFetch, err)
	}
	resp, err := o.gateway.GetDomesticPayment(ctx, token.AccessToken, paymentID)
	if err != nil {
		return nil, classify(StepPaymentStatus, err)
	}
	payment, err := models.ParseExecutedPayment(resp.Body)
	if err != nil {
		return nil, newFlowError(KindUpstreamUnavailable, StepPaymentStatus, err)
	}
	payment.JWSSignature = resp.Signature
	return &payment, nil
}
