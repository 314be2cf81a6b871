package models

import "time"

type EventKind string

const (
	EventInitiated           EventKind = "Initiated"
	EventAuthorized          EventKind = "Authorized"
	EventAuthorizationFailed EventKind = "AuthorizationFailed"
	EventPaymentExecuted     EventKind = "PaymentExecuted"
	EventPaymentFailed       EventKind = "PaymentFailed"
)

// PaymentFlowEvent is broadcast to event stream listeners at each flow
// milestone. It is never persisted.
type PaymentFlowEvent struct {
	Message   string    `json:"message"`
	Kind      EventKind `json:"kind,omitempty"`
	State     string    `json:"state,omitempty"`
	ConsentID string    `json:"consentId,omitempty"`
	PaymentID string    `json:"paymentId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func NewPaymentFlowEvent(kind EventKind, message string) PaymentFlowEvent {
	return PaymentFlowEvent{
		Kind:    kind,
		Message: message,
		At:      time.Now().UTC(),
	}
}
