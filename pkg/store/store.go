package store

import (
	"context"

	"ideaforge/pkg/domain"
)

// AccountStore persists account identities and seeds their balances.
type AccountStore interface {
	// EnsureAccount creates the account and its credit balance (seeded with
	// initialFreeCredits) when first seen. Idempotent.
	EnsureAccount(ctx context.Context, account domain.Account, initialFreeCredits int) error
	GetAccount(ctx context.Context, id string) (domain.Account, bool, error)
}

// LedgerStore is the storage boundary of the credit ledger. Balance rows are
// mutated only through ConsumeCredit and GrantCredits.
type LedgerStore interface {
	GetBalance(ctx context.Context, accountID string) (domain.CreditBalance, bool, error)
	// ConsumeCredit atomically decrements one unit, free pool first. Returns
	// domain.ErrInsufficientCredits when both pools are empty. Concurrent
	// calls never over-spend.
	ConsumeCredit(ctx context.Context, accountID string) (domain.CreditPool, error)
	// GrantCredits increments the paid pool and inserts the receipt as one
	// atomic unit; both happen or neither.
	GrantCredits(ctx context.Context, receipt domain.PaymentReceipt) error
	ListReceipts(ctx context.Context, accountID string) ([]domain.PaymentReceipt, error)
}

// ExecutionStore persists expansion attempts.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec domain.Execution) error
	GetExecution(ctx context.Context, id string) (domain.Execution, bool, error)
	// FinishExecution applies the one terminal transition. It only touches
	// rows still in running state so the transition happens at most once.
	FinishExecution(ctx context.Context, exec domain.Execution) error
}

// IdeaStore persists raw ideas awaiting expansion.
type IdeaStore interface {
	SaveIdea(ctx context.Context, idea domain.Idea) error
	GetIdea(ctx context.Context, id string) (domain.Idea, bool, error)
}

// OutputStore persists generated artifacts.
type OutputStore interface {
	CreateOutput(ctx context.Context, out domain.Output) error
	GetOutput(ctx context.Context, id string) (domain.Output, bool, error)
	GetOutputByExecution(ctx context.Context, executionID string) (domain.Output, bool, error)
}

// CredentialStore persists encrypted third-party tokens, one row per
// (account, provider).
type CredentialStore interface {
	UpsertCredential(ctx context.Context, cred domain.EncryptedCredential) error
	GetCredential(ctx context.Context, accountID, provider string) (domain.EncryptedCredential, bool, error)
}

// Store bundles all persistence boundaries for wiring.
type Store interface {
	AccountStore
	LedgerStore
	ExecutionStore
	IdeaStore
	OutputStore
	CredentialStore
}
