package credits

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"ideaforge/pkg/domain"
	"ideaforge/pkg/store"
)

func newLedgerWithBalance(t *testing.T, free, paid int) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.EnsureAccount(ctx, domain.Account{ID: "acct-1", Email: "a@example.com"}, free); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	ledger := New(st)
	if paid > 0 {
		if _, err := ledger.Grant(ctx, GrantRequest{
			AccountID:  "acct-1",
			Credits:    paid,
			AmountUSD:  float64(paid),
			VerifiedBy: "admin@example.com",
		}); err != nil {
			t.Fatalf("seed paid credits: %v", err)
		}
	}
	return ledger, st
}

func TestCheckLimit(t *testing.T) {
	ledger, _ := newLedgerWithBalance(t, 2, 0)
	ctx := context.Background()

	res, err := ledger.CheckLimit(ctx, "acct-1")
	if err != nil {
		t.Fatalf("check limit: %v", err)
	}
	if !res.Allowed || res.FreeRemaining != 2 || res.PaidRemaining != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	for i := 0; i < 2; i++ {
		if _, err := ledger.Consume(ctx, "acct-1"); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	res, err = ledger.CheckLimit(ctx, "acct-1")
	if err != nil {
		t.Fatalf("check limit after drain: %v", err)
	}
	if res.Allowed || res.Reason == "" {
		t.Fatalf("expected exhausted result, got %+v", res)
	}
	if res.TotalUsed != 2 {
		t.Fatalf("totalUsed = %d, want 2", res.TotalUsed)
	}
}

func TestCheckLimitUnknownAccount(t *testing.T) {
	ledger := New(store.NewMemoryStore())
	if _, err := ledger.CheckLimit(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConsumePrefersFreePool(t *testing.T) {
	ledger, st := newLedgerWithBalance(t, 1, 5)
	ctx := context.Background()

	pool, err := ledger.Consume(ctx, "acct-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if pool != domain.PoolFree {
		t.Fatalf("consumed from %s, want free", pool)
	}
	balance, _, err := st.GetBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.FreeRemaining != 0 || balance.PaidRemaining != 5 {
		t.Fatalf("balance after consume: %+v", balance)
	}
	if balance.TotalFreeUsed != 1 || balance.TotalPaidUsed != 0 || balance.TotalUsed != 1 {
		t.Fatalf("counters after consume: %+v", balance)
	}

	pool, err = ledger.Consume(ctx, "acct-1")
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if pool != domain.PoolPaid {
		t.Fatalf("consumed from %s, want paid", pool)
	}
}

func TestConsumeInsufficient(t *testing.T) {
	ledger, st := newLedgerWithBalance(t, 0, 0)
	ctx := context.Background()

	if _, err := ledger.Consume(ctx, "acct-1"); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	balance, _, _ := st.GetBalance(ctx, "acct-1")
	if balance.FreeRemaining != 0 || balance.PaidRemaining != 0 || balance.TotalUsed != 0 {
		t.Fatalf("refused consume mutated balance: %+v", balance)
	}
}

func TestConcurrentConsumeNeverOverspends(t *testing.T) {
	const credits = 7
	const callers = 50

	ledger, st := newLedgerWithBalance(t, 3, 4)
	ctx := context.Background()

	var succeeded, refused atomic.Int64
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, err := ledger.Consume(ctx, "acct-1")
			switch {
			case err == nil:
				succeeded.Add(1)
				return nil
			case errors.Is(err, domain.ErrInsufficientCredits):
				refused.Add(1)
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected consume error: %v", err)
	}

	if succeeded.Load() != credits {
		t.Fatalf("%d consumes succeeded, want %d", succeeded.Load(), credits)
	}
	if refused.Load() != callers-credits {
		t.Fatalf("%d consumes refused, want %d", refused.Load(), callers-credits)
	}
	balance, _, err := st.GetBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.FreeRemaining < 0 || balance.PaidRemaining < 0 {
		t.Fatalf("negative balance observed: %+v", balance)
	}
	if balance.FreeRemaining != 0 || balance.PaidRemaining != 0 {
		t.Fatalf("credits left over: %+v", balance)
	}
	if balance.TotalUsed != credits || balance.TotalUsed != balance.TotalFreeUsed+balance.TotalPaidUsed {
		t.Fatalf("counter invariant broken: %+v", balance)
	}
}

func TestGrantCreatesReceipt(t *testing.T) {
	ledger, st := newLedgerWithBalance(t, 0, 0)
	ctx := context.Background()

	receipt, err := ledger.Grant(ctx, GrantRequest{
		AccountID:  "acct-1",
		Credits:    10,
		AmountUSD:  10.0,
		Reference:  "wire-20260301",
		VerifiedBy: "admin@example.com",
		Notes:      "manual verification",
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if receipt.ID == "" {
		t.Fatalf("expected receipt id")
	}

	balance, _, _ := st.GetBalance(ctx, "acct-1")
	if balance.PaidRemaining != 10 {
		t.Fatalf("paid remaining = %d, want 10", balance.PaidRemaining)
	}

	receipts, err := st.ListReceipts(ctx, "acct-1")
	if err != nil {
		t.Fatalf("list receipts: %v", err)
	}
	if len(receipts) != 1 {
		t.Fatalf("got %d receipts, want 1", len(receipts))
	}
	if receipts[0].Credits != 10 || receipts[0].VerifiedBy != "admin@example.com" {
		t.Fatalf("unexpected receipt %+v", receipts[0])
	}
}

func TestGrantRejectsInvalidInput(t *testing.T) {
	ledger, st := newLedgerWithBalance(t, 0, 0)
	ctx := context.Background()

	cases := []GrantRequest{
		{AccountID: "acct-1", Credits: 0, AmountUSD: 5, VerifiedBy: "admin"},
		{AccountID: "acct-1", Credits: -3, AmountUSD: 5, VerifiedBy: "admin"},
		{AccountID: "acct-1", Credits: 5, AmountUSD: 0, VerifiedBy: "admin"},
		{AccountID: "acct-1", Credits: 5, AmountUSD: -1, VerifiedBy: "admin"},
		{AccountID: "acct-1", Credits: 5, AmountUSD: 5, VerifiedBy: ""},
		{AccountID: "", Credits: 5, AmountUSD: 5, VerifiedBy: "admin"},
	}
	for i, req := range cases {
		if _, err := ledger.Grant(ctx, req); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}

	// No mutation happened.
	balance, _, _ := st.GetBalance(ctx, "acct-1")
	if balance.PaidRemaining != 0 {
		t.Fatalf("validation failures mutated balance: %+v", balance)
	}
	receipts, _ := st.ListReceipts(ctx, "acct-1")
	if len(receipts) != 0 {
		t.Fatalf("validation failures wrote receipts: %d", len(receipts))
	}
}

func TestGrantUnknownAccount(t *testing.T) {
	ledger := New(store.NewMemoryStore())
	_, err := ledger.Grant(context.Background(), GrantRequest{
		AccountID:  "ghost",
		Credits:    5,
		AmountUSD:  5,
		VerifiedBy: "admin",
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
