package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/diogomassis/ob-payments/internal/metrics"
	"github.com/diogomassis/ob-payments/internal/models"
	"github.com/diogomassis/ob-payments/internal/services/notification"
)

const (
	eventStreamBuffer = 64
	writeTimeout      = 5 * time.Second
)

const welcomeMessage = "Connected to payment event stream"

// NewOpsRouter serves the operator surface: the payment event stream and
// Prometheus metrics. It is meant for a listener separate from the public API.
// Browsers may open the event stream only from the same host or from an
// origin matching allowedOrigins; clients that send no Origin are accepted.
func NewOpsRouter(bus *notification.Bus, logger zerolog.Logger, allowedOrigins []string) http.Handler {
	ops := &opsHandler{
		bus:            bus,
		allowedOrigins: allowedOrigins,
		logger:         logger.With().Str("component", "ops").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/events", ops.streamEvents)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

type opsHandler struct {
	bus            *notification.Bus
	allowedOrigins []string
	logger         zerolog.Logger
}

func (h *opsHandler) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.allowedOrigins})
	if err != nil {
		h.logger.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("[ops] websocket upgrade rejected")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.bus.Subscribe(eventStreamBuffer)
	defer h.bus.Unsubscribe(sub)
	h.logger.Info().Int("subscribers", h.bus.SubscriberCount()).Msg("[ops] event stream client connected")

	welcome := models.PaymentFlowEvent{Message: welcomeMessage, At: time.Now().UTC()}
	if err := write(ctx, conn, welcome); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
		return
	}

	// Clients never send anything; reading only detects disconnects.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			h.logger.Info().Msg("[ops] event stream client disconnected")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := write(ctx, conn, evt); err != nil {
				h.logger.Warn().Err(err).Msg("[ops] failed to write event, closing stream")
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, evt models.PaymentFlowEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, evt)
}
