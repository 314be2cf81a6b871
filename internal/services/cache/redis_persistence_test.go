package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/diogomassis/ob-payments/internal/models"
)

func newTestLedger(t *testing.T) *PaymentLedger {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewPaymentLedger(client.Client(), zerolog.Nop())
}

func executed(id, created string) models.ExecutedPayment {
	return models.ExecutedPayment{PaymentID: id, ConsentID: "c-" + id, Status: "AcceptedSettlementInProcess", CreationDateTime: created}
}

func TestLedgerSummaryAggregatesPerCurrency(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	records := []struct {
		payment models.ExecutedPayment
		amount  models.Amount
	}{
		{executed("p-1", "2024-05-01T10:00:00Z"), models.Amount{Amount: "2.50", Currency: "GBP"}},
		{executed("p-2", "2024-05-01T11:00:00Z"), models.Amount{Amount: "0.10", Currency: "GBP"}},
		{executed("p-3", "2024-05-01T12:00:00Z"), models.Amount{Amount: "10", Currency: "eur"}},
	}
	for _, r := range records {
		if err := ledger.Record(ctx, r.payment, r.amount); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	summary, err := ledger.Summary(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	gbp := summary["GBP"]
	if gbp.TotalRequests != 2 || gbp.TotalAmount.String() != "2.6" {
		t.Fatalf("GBP = %+v", gbp)
	}
	eur := summary["EUR"]
	if eur.TotalRequests != 1 || eur.TotalAmount.String() != "10" {
		t.Fatalf("EUR = %+v", eur)
	}
}

func TestLedgerSummaryHonorsWindow(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	for i, created := range []string{"2024-05-01T09:00:00Z", "2024-05-01T10:30:00Z", "2024-05-01T12:00:00Z"} {
		p := executed(string(rune('a'+i)), created)
		if err := ledger.Record(ctx, p, models.Amount{Amount: "1.00", Currency: "GBP"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	from := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	to := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	summary, err := ledger.Summary(ctx, from, to)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got := summary["GBP"].TotalRequests; got != 1 {
		t.Fatalf("TotalRequests = %d, want 1", got)
	}
}

func TestLedgerRecordIsIdempotentPerPayment(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	p := executed("p-1", "2024-05-01T10:00:00Z")
	for i := 0; i < 2; i++ {
		if err := ledger.Record(ctx, p, models.Amount{Amount: "5.00", Currency: "GBP"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	summary, _ := ledger.Summary(ctx, time.Time{}, time.Time{})
	if summary["GBP"].TotalRequests != 1 {
		t.Fatalf("TotalRequests = %d", summary["GBP"].TotalRequests)
	}
}

func TestLedgerUsesClockWithoutBankTimestamp(t *testing.T) {
	ledger := newTestLedger(t)
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }

	if err := ledger.Record(context.Background(), executed("p-1", ""), models.Amount{Amount: "1", Currency: "GBP"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	summary, _ := ledger.Summary(context.Background(), fixed, fixed)
	if summary["GBP"].TotalRequests != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestLedgerRejectsInvalidAmount(t *testing.T) {
	ledger := newTestLedger(t)
	if err := ledger.Record(context.Background(), executed("p-1", ""), models.Amount{Amount: "abc", Currency: "GBP"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRedisClientPing(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client, err := NewRedisClient(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer client.Close()
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	mr.Close()
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail once Redis is gone")
	}
}

func TestRedisClientAcceptsURL(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + mr.Addr() + "/0")
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer client.Close()
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	if _, err := NewRedisClient("redis://" + mr.Addr() + "/not-a-db"); err == nil {
		t.Fatal("expected invalid URL error")
	}
}
