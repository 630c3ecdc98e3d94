// Package credits gates and accounts for expansion credits under concurrent
// access. Balances are mutated only through Consume and Grant.
package credits

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"ideaforge/pkg/domain"
	"ideaforge/pkg/store"
)

// CheckResult is the advisory read returned by CheckLimit. It does not
// reserve anything; Consume remains the load-bearing gate.
type CheckResult struct {
	Allowed       bool   `json:"allowed"`
	FreeRemaining int    `json:"freeRemaining"`
	PaidRemaining int    `json:"paidRemaining"`
	TotalUsed     int    `json:"totalUsed"`
	Reason        string `json:"reason,omitempty"`
}

// GrantRequest describes a manually verified payment to convert into credits.
type GrantRequest struct {
	AccountID  string
	Credits    int
	AmountUSD  float64
	Reference  string
	VerifiedBy string
	Notes      string
}

// Ledger tracks free and paid credit pools per account.
type Ledger struct {
	store store.LedgerStore
}

// New constructs a ledger over the given storage boundary.
func New(st store.LedgerStore) *Ledger {
	return &Ledger{store: st}
}

// CheckLimit reports whether the account currently holds any credit. The
// answer can be stale by the time the caller acts on it.
func (l *Ledger) CheckLimit(ctx context.Context, accountID string) (CheckResult, error) {
	balance, ok, err := l.store.GetBalance(ctx, accountID)
	if err != nil {
		return CheckResult{}, domain.Persistencef("read balance", err)
	}
	if !ok {
		return CheckResult{}, domain.NotFoundf("credit balance for account %s", accountID)
	}
	res := CheckResult{
		Allowed:       balance.FreeRemaining > 0 || balance.PaidRemaining > 0,
		FreeRemaining: balance.FreeRemaining,
		PaidRemaining: balance.PaidRemaining,
		TotalUsed:     balance.TotalUsed,
	}
	if !res.Allowed {
		res.Reason = "no credits remaining"
	}
	return res, nil
}

// Consume atomically spends one credit, free pool before paid. Fails with
// domain.ErrInsufficientCredits when both pools are empty.
func (l *Ledger) Consume(ctx context.Context, accountID string) (domain.CreditPool, error) {
	pool, err := l.store.ConsumeCredit(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) || errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
		return "", domain.Persistencef("consume credit", err)
	}
	return pool, nil
}

// Grant adds paid credits and writes the immutable receipt as one atomic
// unit. Input violations fail with domain.ErrValidation before any mutation.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (domain.PaymentReceipt, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return domain.PaymentReceipt{}, domain.Validationf("accountId is required")
	}
	if req.Credits <= 0 {
		return domain.PaymentReceipt{}, domain.Validationf("credits must be positive, got %d", req.Credits)
	}
	if req.AmountUSD <= 0 {
		return domain.PaymentReceipt{}, domain.Validationf("amountUsd must be positive, got %v", req.AmountUSD)
	}
	if strings.TrimSpace(req.VerifiedBy) == "" {
		return domain.PaymentReceipt{}, domain.Validationf("verifiedBy is required")
	}
	receipt := domain.PaymentReceipt{
		ID:         uuid.NewString(),
		AccountID:  req.AccountID,
		Credits:    req.Credits,
		AmountUSD:  req.AmountUSD,
		Reference:  strings.TrimSpace(req.Reference),
		VerifiedBy: strings.TrimSpace(req.VerifiedBy),
		Notes:      strings.TrimSpace(req.Notes),
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.store.GrantCredits(ctx, receipt); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PaymentReceipt{}, err
		}
		return domain.PaymentReceipt{}, domain.Persistencef("grant credits", err)
	}
	return receipt, nil
}

// Receipts lists an account's grant history, newest first.
func (l *Ledger) Receipts(ctx context.Context, accountID string) ([]domain.PaymentReceipt, error) {
	items, err := l.store.ListReceipts(ctx, accountID)
	if err != nil {
		return nil, domain.Persistencef("list receipts", err)
	}
	return items, nil
}
