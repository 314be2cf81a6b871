package orchestrator

import (
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/diogomassis/ob-payments/internal/models"
	"github.com/diogomassis/ob-payments/internal/services/correlation"
)

type PaymentOrchestratorBuilder struct {
	tokens           TokenService
	gateway          PaymentGateway
	signer           Signer
	publisher        Publisher
	recorder         PaymentRecorder
	auditor          Auditor
	pending          *correlation.Store[models.PendingAuthorization]
	flowTokens       *correlation.Store[models.AccessToken]
	authorizationURL string
	clientID         string
	redirectURI      string
	newID            func() string
	logger           zerolog.Logger
}

func NewPaymentOrchestratorBuilder() *PaymentOrchestratorBuilder {
	return &PaymentOrchestratorBuilder{
		newID:  uuid.NewString,
		logger: zerolog.Nop(),
	}
}

func (b *PaymentOrchestratorBuilder) WithTokenService(tokens TokenService) *PaymentOrchestratorBuilder {
	b.tokens = tokens
	return b
}

func (b *PaymentOrchestratorBuilder) WithPaymentGateway(gateway PaymentGateway) *PaymentOrchestratorBuilder {
	b.gateway = gateway
	return b
}

func (b *PaymentOrchestratorBuilder) WithSigner(signer Signer) *PaymentOrchestratorBuilder {
	b.signer = signer
	return b
}

func (b *PaymentOrchestratorBuilder) WithPublisher(publisher Publisher) *PaymentOrchestratorBuilder {
	b.publisher = publisher
	return b
}

// WithRecorder is optional.
func (b *PaymentOrchestratorBuilder) WithRecorder(recorder PaymentRecorder) *PaymentOrchestratorBuilder {
	b.recorder = recorder
	return b
}

// WithAuditor is optional.
func (b *PaymentOrchestratorBuilder) WithAuditor(auditor Auditor) *PaymentOrchestratorBuilder {
	b.auditor = auditor
	return b
}

func (b *PaymentOrchestratorBuilder) WithPendingStore(store *correlation.Store[models.PendingAuthorization]) *PaymentOrchestratorBuilder {
	b.pending = store
	return b
}

func (b *PaymentOrchestratorBuilder) WithFlowTokenStore(store *correlation.Store[models.AccessToken]) *PaymentOrchestratorBuilder {
	b.flowTokens = store
	return b
}

func (b *PaymentOrchestratorBuilder) WithAuthorizationEndpoint(authorizationURL, clientID, redirectURI string) *PaymentOrchestratorBuilder {
	b.authorizationURL = authorizationURL
	b.clientID = clientID
	b.redirectURI = redirectURI
	return b
}

// WithIDGenerator replaces uuid.NewString for states and idempotency keys.
func (b *PaymentOrchestratorBuilder) WithIDGenerator(newID func() string) *PaymentOrchestratorBuilder {
	b.newID = newID
	return b
}

func (b *PaymentOrchestratorBuilder) WithLogger(logger zerolog.Logger) *PaymentOrchestratorBuilder {
	b.logger = logger
	return b
}

func (b *PaymentOrchestratorBuilder) Build() (*PaymentOrchestrator, error) {
	if b.tokens == nil {
		return nil, errors.New("token service is required")
	}
	if b.gateway == nil {
		return nil, errors.New("payment gateway is required")
	}
	if b.signer == nil {
		return nil, errors.New("signer is required")
	}
	if b.publisher == nil {
		return nil, errors.New("event publisher is required")
	}
	if b.pending == nil {
		return nil, errors.New("pending authorization store is required")
	}
	if b.flowTokens == nil {
		return nil, errors.New("flow token store is required")
	}
	if b.authorizationURL == "" || b.clientID == "" || b.redirectURI == "" {
		return nil, errors.New("authorization endpoint settings are required")
	}
	if b.newID == nil {
		return nil, errors.New("id generator is required")
	}

	return &PaymentOrchestrator{
		tokens:           b.tokens,
		gateway:          b.gateway,
		signer:           b.signer,
		publisher:        b.publisher,
		recorder:         b.recorder,
		auditor:          b.auditor,
		pending:          b.pending,
		flowTokens:       b.flowTokens,
		authorizationURL: b.authorizationURL,
		clientID:         b.clientID,
		redirectURI:      b.redirectURI,
		newID:            b.newID,
		logger:           b.logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}
