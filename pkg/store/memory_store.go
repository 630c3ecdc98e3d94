package store

import (
	"context"
	"sync"
	"time"

	"ideaforge/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and local runs
// without Postgres, with the same atomicity guarantees as GormStore.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[string]domain.Account
	balances    map[string]domain.CreditBalance
	receipts    map[string][]domain.PaymentReceipt
	ideas       map[string]domain.Idea
	executions  map[string]domain.Execution
	outputs     map[string]domain.Output
	byExecution map[string]string // execution id -> output id
	credentials map[string]domain.EncryptedCredential
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]domain.Account),
		balances:    make(map[string]domain.CreditBalance),
		receipts:    make(map[string][]domain.PaymentReceipt),
		ideas:       make(map[string]domain.Idea),
		executions:  make(map[string]domain.Execution),
		outputs:     make(map[string]domain.Output),
		byExecution: make(map[string]string),
		credentials: make(map[string]domain.EncryptedCredential),
	}
}

// EnsureAccount creates the account and a seeded balance when first seen.
func (m *MemoryStore) EnsureAccount(_ context.Context, account domain.Account, initialFreeCredits int) error {
	if initialFreeCredits < 0 {
		initialFreeCredits = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if _, ok := m.accounts[account.ID]; !ok {
		if account.CreatedAt.IsZero() {
			account.CreatedAt = now
		}
		account.UpdatedAt = now
		m.accounts[account.ID] = account
	}
	if _, ok := m.balances[account.ID]; !ok {
		m.balances[account.ID] = domain.CreditBalance{
			AccountID:     account.ID,
			FreeRemaining: initialFreeCredits,
			UpdatedAt:     now,
		}
	}
	return nil
}

// GetAccount returns an account by ID.
func (m *MemoryStore) GetAccount(_ context.Context, id string) (domain.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	return a, ok, nil
}

// GetBalance reads the current credit balance.
func (m *MemoryStore) GetBalance(_ context.Context, accountID string) (domain.CreditBalance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[accountID]
	return b, ok, nil
}

// ConsumeCredit decrements one unit, free pool first, under the store mutex.
func (m *MemoryStore) ConsumeCredit(_ context.Context, accountID string) (domain.CreditPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[accountID]
	if !ok {
		return "", domain.NotFoundf("credit balance for account %s", accountID)
	}
	switch {
	case b.FreeRemaining > 0:
		b.FreeRemaining--
		b.TotalFreeUsed++
		b.TotalUsed++
		b.UpdatedAt = time.Now().UTC()
		m.balances[accountID] = b
		return domain.PoolFree, nil
	case b.PaidRemaining > 0:
		b.PaidRemaining--
		b.TotalPaidUsed++
		b.TotalUsed++
		b.UpdatedAt = time.Now().UTC()
		m.balances[accountID] = b
		return domain.PoolPaid, nil
	default:
		return "", domain.ErrInsufficientCredits
	}
}

// GrantCredits increments the paid pool and records the receipt atomically.
func (m *MemoryStore) GrantCredits(_ context.Context, receipt domain.PaymentReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[receipt.AccountID]
	if !ok {
		return domain.NotFoundf("credit balance for account %s", receipt.AccountID)
	}
	b.PaidRemaining += receipt.Credits
	b.UpdatedAt = time.Now().UTC()
	m.balances[receipt.AccountID] = b
	m.receipts[receipt.AccountID] = append(m.receipts[receipt.AccountID], receipt)
	return nil
}

// ListReceipts returns an account's receipts, newest first.
func (m *MemoryStore) ListReceipts(_ context.Context, accountID string) ([]domain.PaymentReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.receipts[accountID]
	res := make([]domain.PaymentReceipt, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		res = append(res, items[i])
	}
	return res, nil
}

// CreateExecution inserts a new running execution.
func (m *MemoryStore) CreateExecution(_ context.Context, exec domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return domain.Validationf("execution %s already exists", exec.ID)
	}
	m.executions[exec.ID] = exec
	return nil
}

// GetExecution retrieves an execution.
func (m *MemoryStore) GetExecution(_ context.Context, id string) (domain.Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	return e, ok, nil
}

// FinishExecution applies the one terminal transition.
func (m *MemoryStore) FinishExecution(_ context.Context, exec domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.executions[exec.ID]
	if !ok || current.Status != domain.ExecutionRunning {
		return domain.NotFoundf("running execution %s", exec.ID)
	}
	current.Status = exec.Status
	current.CompletedAt = exec.CompletedAt
	current.DurationSeconds = exec.DurationSeconds
	current.TokenUsage = exec.TokenUsage
	current.ErrorMessage = exec.ErrorMessage
	m.executions[exec.ID] = current
	return nil
}

// SaveIdea stores or replaces an idea.
func (m *MemoryStore) SaveIdea(_ context.Context, idea domain.Idea) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ideas[idea.ID] = idea
	return nil
}

// GetIdea retrieves an idea.
func (m *MemoryStore) GetIdea(_ context.Context, id string) (domain.Idea, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idea, ok := m.ideas[id]
	return idea, ok, nil
}

// CreateOutput inserts a generated artifact.
func (m *MemoryStore) CreateOutput(_ context.Context, out domain.Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byExecution[out.ExecutionID]; ok {
		return domain.Validationf("execution %s already has an output", out.ExecutionID)
	}
	m.outputs[out.ID] = out
	m.byExecution[out.ExecutionID] = out.ID
	return nil
}

// GetOutput retrieves an output by ID.
func (m *MemoryStore) GetOutput(_ context.Context, id string) (domain.Output, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outputs[id]
	return out, ok, nil
}

// GetOutputByExecution retrieves the output tied to an execution.
func (m *MemoryStore) GetOutputByExecution(_ context.Context, executionID string) (domain.Output, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byExecution[executionID]
	if !ok {
		return domain.Output{}, false, nil
	}
	out, ok := m.outputs[id]
	return out, ok, nil
}

// UpsertCredential overwrites the (account, provider) row.
func (m *MemoryStore) UpsertCredential(_ context.Context, cred domain.EncryptedCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred.UpdatedAt = time.Now().UTC()
	m.credentials[cred.AccountID+"/"+cred.Provider] = cred
	return nil
}

// GetCredential retrieves the encrypted credential for (account, provider).
func (m *MemoryStore) GetCredential(_ context.Context, accountID, provider string) (domain.EncryptedCredential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.credentials[accountID+"/"+provider]
	return cred, ok, nil
}
