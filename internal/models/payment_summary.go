package models

import "github.com/shopspring/decimal"

// PaymentSummary aggregates executed payments per currency.
type PaymentSummary map[string]PaymentSummaryItem

type PaymentSummaryItem struct {
	TotalRequests int64           `json:"totalRequests"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}

func NewPaymentSummaryItem(totalRequests int64, totalAmount decimal.Decimal) *PaymentSummaryItem {
	return &PaymentSummaryItem{
		TotalRequests: totalRequests,
		TotalAmount:   totalAmount,
	}
}
