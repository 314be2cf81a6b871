package handlers

import (
	"context"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	json "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/diogomassis/ob-payments/internal/dto"
	"github.com/diogomassis/ob-payments/internal/models"
	"github.com/diogomassis/ob-payments/internal/persistence"
	"github.com/diogomassis/ob-payments/internal/services/health"
	"github.com/diogomassis/ob-payments/internal/services/orchestrator"
	"github.com/diogomassis/ob-payments/internal/services/verifier"
)

//go:embed static/callback.html
var callbackPage []byte

type PaymentFlow interface {
	Initiate(ctx context.Context, req models.PaymentRequest) (*models.InitiatedPayment, error)
	CompleteAndExecute(ctx context.Context, code, state string) (*models.ExecutedPayment, error)
	AccessToken(state string) (models.AccessToken, bool)
	PaymentStatus(ctx context.Context, paymentID string) (*models.ExecutedPayment, error)
}

type PaymentLedger interface {
	Summary(ctx context.Context, from, to time.Time) (models.PaymentSummary, error)
}

type CommitmentStore interface {
	Create(ctx context.Context, c models.Commitment) (models.Commitment, error)
	GetByHash(ctx context.Context, hash string) (models.Commitment, error)
	List(ctx context.Context) ([]models.Commitment, error)
	Purge(ctx context.Context) (int64, error)
}

type SignatureVerifier interface {
	verifier.ResponseVerifier
	ExtractCertificate(ctx context.Context, signature string) (*x509.Certificate, string, error)
}

type HealthReporter interface {
	Snapshot() map[string]health.Status
	Healthy() bool
}

// Set by cmd/api before the app starts. Ledger and Commitments stay nil
// when Redis or Postgres are not configured.
var (
	Flows       PaymentFlow
	Ledger      PaymentLedger
	Commitments CommitmentStore
	Verifier    SignatureVerifier
	Monitor     HealthReporter
)

// NewApp returns a fiber app using json-iterator for bodies, with every
// route registered.
func NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "ob-payments",
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadTimeout:           60 * time.Second,
		WriteTimeout:          60 * time.Second,
	})
	app.Use(recover.New())
	app.Use(requestLogger)

	app.Get("/ping", HandlePing)
	app.Get("/health", HandleHealth)

	app.Post("/api/initialize-payment", HandleInitializePayment)
	app.Get("/callback", HandleCallbackPage)
	app.Get("/process-auth", HandleProcessAuth)
	app.Get("/token", HandleGetToken)
	app.Get("/token-status", HandleTokenStatus)
	app.Get("/payments/:id", HandleGetPayment)
	app.Get("/payments-summary", HandleGetSummary)

	app.Post("/commitment", HandlePostCommitment)
	app.Get("/commitment/:hash", HandleGetCommitment)
	app.Get("/commitments", HandleListCommitments)
	app.Delete("/commitments", HandlePurgeCommitments)

	app.Post("/api/verify-response", HandleVerifyResponse)
	app.Post("/extract-public-key", HandleExtractPublicKey)
	return app
}

func requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	log.Debug().
		Str("component", "http").
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("elapsed", time.Since(start)).
		Msg("[http] request handled")
	return err
}

func HandlePing(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": "pong"})
}

func HandleHealth(c *fiber.Ctx) error {
	if Monitor == nil {
		return c.JSON(dto.HealthResponse{Status: "ok", Message: "Server is healthy"})
	}
	deps := make(map[string]dto.DependencyHealth)
	for name, status := range Monitor.Snapshot() {
		dep := dto.DependencyHealth{Healthy: status.Healthy, Error: status.Error}
		if !status.CheckedAt.IsZero() {
			dep.CheckedAt = status.CheckedAt.Format(time.RFC3339)
		}
		deps[name] = dep
	}
	if !Monitor.Healthy() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.HealthResponse{
			Status:       "error",
			Message:      "One or more dependencies are failing",
			Dependencies: deps,
		})
	}
	return c.JSON(dto.HealthResponse{Status: "ok", Message: "Server is healthy", Dependencies: deps})
}

func HandleInitializePayment(c *fiber.Ctx) error {
	var req models.PaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   string(orchestrator.KindInvalidRequest),
			Message: "request body must be a domestic payment document",
		})
	}
	initiated, err := Flows.Initiate(c.UserContext(), req)
	if err != nil {
		return writeFlowError(c, err)
	}
	return c.JSON(initiated)
}

func HandleCallbackPage(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Send(callbackPage)
}

func HandleProcessAuth(c *fiber.Ctx) error {
	code := c.Query("code")
	state := c.Query("state")
	executed, err := Flows.CompleteAndExecute(c.UserContext(), code, state)
	if err != nil {
		return writeFlowError(c, err)
	}
	return c.JSON(executed)
}

func HandleGetToken(c *fiber.Ctx) error {
	state := c.Query("state")
	token, ok := Flows.AccessToken(state)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
			Error:   "TokenNotFound",
			Message: "No token found for state: " + state,
		})
	}
	return c.JSON(token)
}

func HandleTokenStatus(c *fiber.Ctx) error {
	token, ok := Flows.AccessToken(c.Query("state"))
	if !ok {
		return c.JSON(dto.TokenStatusResponse{HasToken: false})
	}
	return c.JSON(dto.TokenStatusResponse{
		HasToken:           true,
		TokenType:          token.TokenType,
		ExpiresIn:          token.ExpiresIn,
		AccessTokenPreview: token.Preview(),
	})
}

func HandleGetPayment(c *fiber.Ctx) error {
	payment, err := Flows.PaymentStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeFlowError(c, err)
	}
	return c.JSON(payment)
}

func HandleGetSummary(c *fiber.Ctx) error {
	if Ledger == nil {
		return unavailable(c, "payment ledger is not configured")
	}
	from, err := parseTimeQuery(c, "from")
	if err != nil {
		return badRequest(c, "from must be an RFC 3339 timestamp")
	}
	to, err := parseTimeQuery(c, "to")
	if err != nil {
		return badRequest(c, "to must be an RFC 3339 timestamp")
	}

	summary, err := Ledger.Summary(c.UserContext(), from, to)
	if err != nil {
		log.Error().Err(err).Msg("[http] failed to read payment summary")
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error:   "LedgerError",
			Message: "Failed to read payment summary",
		})
	}
	return c.JSON(dto.PaymentSummaryResponse{
		From:    c.Query("from"),
		To:      c.Query("to"),
		Summary: summary,
	})
}

func HandlePostCommitment(c *fiber.Ctx) error {
	if Commitments == nil {
		return unavailable(c, "commitment registry is not configured")
	}
	var req dto.CommitmentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "request body must be a JSON object")
	}
	_, err := Commitments.Create(c.UserContext(), models.Commitment{Commitment: req.Commitment, SortCode: req.SortCode})
	switch {
	case errors.Is(err, persistence.ErrInvalidCommitment):
		return badRequest(c, err.Error())
	case errors.Is(err, persistence.ErrCommitmentExists):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "CommitmentExists", Message: err.Error()})
	case err != nil:
		return commitmentFailure(c, "Failed to create commitment", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": "Commitment created successfully"})
}

func HandleGetCommitment(c *fiber.Ctx) error {
	if Commitments == nil {
		return unavailable(c, "commitment registry is not configured")
	}
	commitment, err := Commitments.GetByHash(c.UserContext(), c.Params("hash"))
	if errors.Is(err, persistence.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "Commitment not found"})
	}
	if err != nil {
		return commitmentFailure(c, "Failed to retrieve commitment", err)
	}
	return c.JSON(commitment)
}

func HandleListCommitments(c *fiber.Ctx) error {
	if Commitments == nil {
		return unavailable(c, "commitment registry is not configured")
	}
	commitments, err := Commitments.List(c.UserContext())
	if err != nil {
		return commitmentFailure(c, "Failed to retrieve commitments", err)
	}
	if commitments == nil {
		commitments = []models.Commitment{}
	}
	return c.JSON(commitments)
}

func HandlePurgeCommitments(c *fiber.Ctx) error {
	if Commitments == nil {
		return unavailable(c, "commitment registry is not configured")
	}
	removed, err := Commitments.Purge(c.UserContext())
	if err != nil {
		return commitmentFailure(c, "Failed to purge commitments", err)
	}
	log.Info().Int64("removed", removed).Msg("[http] commitments purged")
	return c.SendStatus(fiber.StatusNoContent)
}

func HandleVerifyResponse(c *fiber.Ctx) error {
	var req dto.VerifyResponseRequest
	if err := c.BodyParser(&req); err != nil || req.Signature == "" {
		return badRequest(c, "body and signature are required")
	}
	result, err := Verifier.Verify(c.UserContext(), []byte(req.Body), req.Signature)
	if err != nil {
		return writeVerifierError(c, err)
	}
	return c.JSON(result)
}

func HandleExtractPublicKey(c *fiber.Ctx) error {
	var req dto.ExtractPublicKeyRequest
	if err := c.BodyParser(&req); err != nil || req.Signature == "" {
		return badRequest(c, "Signature is required")
	}
	cert, kid, err := Verifier.ExtractCertificate(c.UserContext(), req.Signature)
	if err != nil {
		return writeVerifierError(c, err)
	}
	der, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return writeVerifierError(c, err)
	}
	return c.JSON(dto.ExtractPublicKeyResponse{
		KeyID:     kid,
		Subject:   cert.Subject.String(),
		Issuer:    cert.Issuer.String(),
		NotAfter:  cert.NotAfter.UTC().Format(time.RFC3339),
		PublicKey: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	})
}

// writeFlowError maps orchestrator failures onto HTTP statuses. Upstream
// failures are reported as 502 since the client did nothing wrong.
func writeFlowError(c *fiber.Ctx, err error) error {
	var fe *orchestrator.FlowError
	if !errors.As(err, &fe) {
		log.Error().Err(err).Msg("[http] unexpected flow error")
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "InternalError", Message: err.Error()})
	}

	status := fiber.StatusBadGateway
	switch fe.Kind {
	case orchestrator.KindInvalidRequest, orchestrator.KindMissingAuthorizationCode, orchestrator.KindUnknownOrExpiredState:
		status = fiber.StatusBadRequest
	case orchestrator.KindSigning:
		status = fiber.StatusInternalServerError
	case orchestrator.KindNetworkTimeout:
		status = fiber.StatusGatewayTimeout
	}

	resp := dto.ErrorResponse{
		Error:   string(fe.Kind),
		Message: flowErrorMessage(fe),
		Step:    string(fe.Step),
	}
	if len(fe.Details) > 0 {
		resp.Details = fe.Details
	}
	return c.Status(status).JSON(resp)
}

func flowErrorMessage(fe *orchestrator.FlowError) string {
	switch fe.Kind {
	case orchestrator.KindUnknownOrExpiredState:
		return "Invalid or expired state, please reinitiate the payment flow"
	case orchestrator.KindMissingAuthorizationCode:
		return "No authorization code received"
	}
	return fe.Err.Error()
}

func writeVerifierError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, verifier.ErrMalformedSignature):
		return badRequest(c, err.Error())
	case errors.Is(err, verifier.ErrKeyNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "KeyNotFound", Message: err.Error()})
	}
	log.Warn().Err(err).Msg("[http] signature verification failed")
	return c.Status(fiber.StatusBadGateway).JSON(dto.ErrorResponse{Error: "VerificationError", Message: err.Error()})
}

func commitmentFailure(c *fiber.Ctx, message string, err error) error {
	log.Error().Err(err).Msg("[http] " + strings.ToLower(message))
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
		Error:   message,
		Details: err.Error(),
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: string(orchestrator.KindInvalidRequest), Message: message})
}

func unavailable(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Error: "ServiceUnavailable", Message: message})
}

func parseTimeQuery(c *fiber.Ctx, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
