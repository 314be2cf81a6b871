package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/diogomassis/ob-payments/internal/models"
)

const (
	currenciesKey = "payments:currencies"
	seriesPrefix  = "payments:executed:"
)

// PaymentLedger keeps executed payments as per-currency time series so
// summaries over a window are a range query.
type PaymentLedger struct {
	client *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

func NewPaymentLedger(client *redis.Client, logger zerolog.Logger) *PaymentLedger {
	return &PaymentLedger{
		client: client,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    time.Now,
	}
}

// Record adds payment to its currency series, scored by the bank's
// creation time. Recording the same payment id twice is a no-op.
func (l *PaymentLedger) Record(ctx context.Context, payment models.ExecutedPayment, amount models.Amount) error {
	value, err := decimal.NewFromString(amount.Amount)
	if err != nil {
		return fmt.Errorf("[cache] invalid amount %q: %w", amount.Amount, err)
	}
	currency := strings.ToUpper(amount.Currency)
	at := l.now()
	if parsed, err := time.Parse(time.RFC3339, payment.CreationDateTime); err == nil {
		at = parsed
	}

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, currenciesKey, currency)
		pipe.ZAdd(ctx, seriesPrefix+currency, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: payment.PaymentID + ":" + value.String(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("[cache] failed to record payment %s: %w", payment.PaymentID, err)
	}
	return nil
}

// Summary aggregates payments executed between from and to, inclusive.
// A zero bound is open.
func (l *PaymentLedger) Summary(ctx context.Context, from, to time.Time) (models.PaymentSummary, error) {
	currencies, err := l.client.SMembers(ctx, currenciesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("[cache] failed to list currencies: %w", err)
	}

	summary := make(models.PaymentSummary, len(currencies))
	for _, currency := range currencies {
		item, err := l.summaryForCurrency(ctx, currency, from, to)
		if err != nil {
			return nil, fmt.Errorf("[cache] failed to summarize %s: %w", currency, err)
		}
		summary[currency] = item
	}
	return summary, nil
}

func (l *PaymentLedger) summaryForCurrency(ctx context.Context, currency string, from, to time.Time) (models.PaymentSummaryItem, error) {
	min := "-inf"
	max := "+inf"
	if !from.IsZero() {
		min = strconv.FormatInt(from.UnixMilli(), 10)
	}
	if !to.IsZero() {
		max = strconv.FormatInt(to.UnixMilli(), 10)
	}

	members, err := l.client.ZRangeByScore(ctx, seriesPrefix+currency, &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return models.PaymentSummaryItem{}, err
	}

	total := decimal.Zero
	for _, member := range members {
		idx := strings.LastIndex(member, ":")
		if idx < 0 {
			continue
		}
		amount, err := decimal.NewFromString(member[idx+1:])
		if err != nil {
			l.logger.Error().Err(err).Str("member", member).Msg("[cache] could not parse amount from ledger member")
			continue
		}
		total = total.Add(amount)
	}
	return *models.NewPaymentSummaryItem(int64(len(members)), total), nil
}
