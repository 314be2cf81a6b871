package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("instructed amount must be a positive decimal")
	ErrInvalidCurrency = errors.New("currency must be a three letter ISO 4217 code")
	ErrMissingCreditor = errors.New("creditor account scheme and identification are required")
	ErrMissingIDs      = errors.New("instruction and end-to-end identification are required")
)

// PaymentRequest is the domestic payment document submitted by the client.
// It is sent to the bank as the consent body and, once merged with the
// consent id, as the payment body. The typed fields are what the gateway
// validates; every other member the client sent is kept in Extra and
// written back verbatim, so the signed body carries the whole document.
type PaymentRequest struct {
	Data  PaymentData                `json:"Data"`
	Risk  json.RawMessage            `json:"Risk,omitempty"`
	Extra map[string]json.RawMessage `json:"-"`
}

type PaymentData struct {
	ConsentID  string                     `json:"ConsentId,omitempty"`
	Initiation Initiation                 `json:"Initiation"`
	Extra      map[string]json.RawMessage `json:"-"`
}

type Initiation struct {
	InstructionIdentification string                     `json:"InstructionIdentification"`
	EndToEndIdentification    string                     `json:"EndToEndIdentification"`
	LocalInstrument           string                     `json:"LocalInstrument,omitempty"`
	InstructedAmount          Amount                     `json:"InstructedAmount"`
	DebtorAccount             *Account                   `json:"DebtorAccount,omitempty"`
	CreditorAccount           Account                    `json:"CreditorAccount"`
	RemittanceInformation     *RemittanceInformation     `json:"RemittanceInformation,omitempty"`
	Extra                     map[string]json.RawMessage `json:"-"`
}

// Amount keeps the bank's string representation so the signed bytes match
// exactly what the client submitted.
type Amount struct {
	Amount   string `json:"Amount"`
	Currency string `json:"Currency"`
}

type Account struct {
	SchemeName              string `json:"SchemeName"`
	Identification          string `json:"Identification"`
	Name                    string `json:"Name,omitempty"`
	SecondaryIdentification string `json:"SecondaryIdentification,omitempty"`
}

type RemittanceInformation struct {
	Unstructured string `json:"Unstructured,omitempty"`
	Reference    string `json:"Reference,omitempty"`
}

var (
	paymentRequestFields = memberNames(reflect.TypeOf(PaymentRequest{}))
	paymentDataFields    = memberNames(reflect.TypeOf(PaymentData{}))
	initiationFields     = memberNames(reflect.TypeOf(Initiation{}))
)

func (p *PaymentRequest) UnmarshalJSON(raw []byte) error {
	type typed PaymentRequest
	var out typed
	if err := jsoniter.Unmarshal(raw, &out); err != nil {
		return err
	}
	extra, err := unknownMembers(raw, paymentRequestFields)
	if err != nil {
		return err
	}
	out.Extra = extra
	*p = PaymentRequest(out)
	return nil
}

func (p PaymentRequest) MarshalJSON() ([]byte, error) {
	type typed PaymentRequest
	return marshalWithExtra(typed(p), p.Extra, paymentRequestFields)
}

func (d *PaymentData) UnmarshalJSON(raw []byte) error {
	type typed PaymentData
	var out typed
	if err := jsoniter.Unmarshal(raw, &out); err != nil {
		return err
	}
	extra, err := unknownMembers(raw, paymentDataFields)
	if err != nil {
		return err
	}
	out.Extra = extra
	*d = PaymentData(out)
	return nil
}

func (d PaymentData) MarshalJSON() ([]byte, error) {
	type typed PaymentData
	return marshalWithExtra(typed(d), d.Extra, paymentDataFields)
}

func (i *Initiation) UnmarshalJSON(raw []byte) error {
	type typed Initiation
	var out typed
	if err := jsoniter.Unmarshal(raw, &out); err != nil {
		return err
	}
	extra, err := unknownMembers(raw, initiationFields)
	if err != nil {
		return err
	}
	out.Extra = extra
	*i = Initiation(out)
	return nil
}

func (i Initiation) MarshalJSON() ([]byte, error) {
	type typed Initiation
	return marshalWithExtra(typed(i), i.Extra, initiationFields)
}

func (p PaymentRequest) Validate() error {
	ini := p.Data.Initiation
	if strings.TrimSpace(ini.InstructionIdentification) == "" || strings.TrimSpace(ini.EndToEndIdentification) == "" {
		return ErrMissingIDs
	}
	amount, err := decimal.NewFromString(ini.InstructedAmount.Amount)
	if err != nil || !amount.IsPositive() {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, ini.InstructedAmount.Amount)
	}
	if !isCurrencyCode(ini.InstructedAmount.Currency) {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, ini.InstructedAmount.Currency)
	}
	if ini.CreditorAccount.SchemeName == "" || ini.CreditorAccount.Identification == "" {
		return ErrMissingCreditor
	}
	return nil
}

// WithConsent returns a copy of the request bound to consentID, the payload
// submitted when the payment is executed.
func (p PaymentRequest) WithConsent(consentID string) PaymentRequest {
	out := p.Clone()
	out.Data.ConsentID = consentID
	return out
}

func (p PaymentRequest) Clone() PaymentRequest {
	out := p
	if p.Risk != nil {
		out.Risk = append(json.RawMessage(nil), p.Risk...)
	}
	out.Extra = cloneMembers(p.Extra)
	out.Data.Extra = cloneMembers(p.Data.Extra)
	out.Data.Initiation.Extra = cloneMembers(p.Data.Initiation.Extra)
	if p.Data.Initiation.DebtorAccount != nil {
		debtor := *p.Data.Initiation.DebtorAccount
		out.Data.Initiation.DebtorAccount = &debtor
	}
	if p.Data.Initiation.RemittanceInformation != nil {
		remittance := *p.Data.Initiation.RemittanceInformation
		out.Data.Initiation.RemittanceInformation = &remittance
	}
	return out
}

func isCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// PendingAuthorization is the payload held between consent creation and the
// bank's front-channel callback.
type PendingAuthorization struct {
	ConsentID string         `json:"consentId"`
	Payment   PaymentRequest `json:"paymentData"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (p PendingAuthorization) Clone() PendingAuthorization {
	out := p
	out.Payment = p.Payment.Clone()
	return out
}

type InitiatedPayment struct {
	AuthorizationURL string `json:"authUrl"`
	State            string `json:"state"`
	ConsentID        string `json:"consentId"`
}

type Consent struct {
	ConsentID        string          `json:"consentId"`
	Status           string          `json:"status"`
	CreationDateTime string          `json:"creationDateTime,omitempty"`
	JWSSignature     string          `json:"jwsSignature,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

// ExecutedPayment is the result of a domestic payment submission.
type ExecutedPayment struct {
	PaymentID        string          `json:"paymentId"`
	ConsentID        string          `json:"consentId"`
	Status           string          `json:"status"`
	CreationDateTime string          `json:"creationDateTime,omitempty"`
	JWSSignature     string          `json:"jwsSignature,omitempty"`
	BankResponse     json.RawMessage `json:"bankResponse,omitempty"`
}

// ParseConsent reads the bank's consent creation response body.
func ParseConsent(body []byte) (Consent, error) {
	var envelope struct {
		Data struct {
			ConsentID        string `json:"ConsentId"`
			Status           string `json:"Status"`
			CreationDateTime string `json:"CreationDateTime"`
		} `json:"Data"`
	}
	if err := jsoniter.Unmarshal(body, &envelope); err != nil {
		return Consent{}, fmt.Errorf("decode consent response: %w", err)
	}
	return Consent{
		ConsentID:        envelope.Data.ConsentID,
		Status:           envelope.Data.Status,
		CreationDateTime: envelope.Data.CreationDateTime,
		Raw:              append(json.RawMessage(nil), body...),
	}, nil
}

// ParseExecutedPayment reads the bank's domestic payment response body.
func ParseExecutedPayment(body []byte) (ExecutedPayment, error) {
	var envelope struct {
		Data struct {
			DomesticPaymentID string `json:"DomesticPaymentId"`
			ConsentID         string `json:"ConsentId"`
			Status            string `json:"Status"`
			CreationDateTime  string `json:"CreationDateTime"`
		} `json:"Data"`
	}
	if err := jsoniter.Unmarshal(body, &envelope); err != nil {
		return ExecutedPayment{}, fmt.Errorf("decode payment response: %w", err)
	}
	return ExecutedPayment{
		PaymentID:        envelope.Data.DomesticPaymentID,
		ConsentID:        envelope.Data.ConsentID,
		Status:           envelope.Data.Status,
		CreationDateTime: envelope.Data.CreationDateTime,
		BankResponse:     append(json.RawMessage(nil), body...),
	}, nil
}
