// Package app sequences the expansion pipeline: credit check, execution
// tracking, generation, output persistence, and the credit consume gate.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ideaforge/internal/util"
	"ideaforge/pkg/ai"
	"ideaforge/pkg/credits"
	"ideaforge/pkg/domain"
	"ideaforge/pkg/storage"
	"ideaforge/pkg/store"
	"ideaforge/pkg/tracker"
	"ideaforge/pkg/vault"
)

// pipelineTimeout bounds one generation run end to end.
const pipelineTimeout = 10 * time.Minute

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL        string
	Store              store.Store
	Vault              *vault.Vault
	Invoker            *ai.Invoker
	InvokeConfig       ai.InvokeConfig
	Artifacts          storage.ArtifactStore
	StatusCache        *store.RedisStatusCache
	InitialFreeCredits int
}

// App is the core application service wiring storage, the ledger, the
// tracker, and the invocation layer together.
type App struct {
	store              store.Store
	ledger             *credits.Ledger
	tracker            *tracker.Tracker
	vault              *vault.Vault
	invoker            *ai.Invoker
	invokeCfg          ai.InvokeConfig
	artifacts          storage.ArtifactStore
	statusCache        *store.RedisStatusCache
	initialFreeCredits int
}

// New constructs the application. Artifacts and StatusCache are optional;
// everything else is required.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("%w: database URL required", domain.ErrConfig)
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Vault == nil {
		return nil, fmt.Errorf("%w: vault required", domain.ErrConfig)
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("%w: invoker required", domain.ErrConfig)
	}
	if cfg.InitialFreeCredits < 0 {
		return nil, fmt.Errorf("%w: initial free credits must not be negative", domain.ErrConfig)
	}
	return &App{
		store:              dataStore,
		ledger:             credits.New(dataStore),
		tracker:            tracker.New(dataStore),
		vault:              cfg.Vault,
		invoker:            cfg.Invoker,
		invokeCfg:          cfg.InvokeConfig,
		artifacts:          cfg.Artifacts,
		statusCache:        cfg.StatusCache,
		initialFreeCredits: cfg.InitialFreeCredits,
	}, nil
}

// EnsureAccount registers a first-seen account and seeds its free credits.
// Idempotent; called from the auth middleware on every request.
func (a *App) EnsureAccount(ctx context.Context, accountID, email string) error {
	if strings.TrimSpace(accountID) == "" {
		return domain.Validationf("account id required")
	}
	now := time.Now().UTC()
	account := domain.Account{
		ID:        accountID,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.EnsureAccount(ctx, account, a.initialFreeCredits); err != nil {
		return domain.Persistencef("ensure account", err)
	}
	return nil
}

// IdeaInput is caller-supplied idea material.
type IdeaInput struct {
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	Description string   `json:"description"`
	Bullets     []string `json:"bullets"`
}

// SaveIdea stores a raw idea for later expansion.
func (a *App) SaveIdea(ctx context.Context, accountID string, input IdeaInput) (domain.Idea, error) {
	if strings.TrimSpace(input.Content) == "" {
		return domain.Idea{}, domain.Validationf("content is required")
	}
	idea := domain.Idea{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Title:       strings.TrimSpace(input.Title),
		Content:     strings.TrimSpace(input.Content),
		Description: strings.TrimSpace(input.Description),
		Bullets:     input.Bullets,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.SaveIdea(ctx, idea); err != nil {
		return domain.Idea{}, domain.Persistencef("save idea", err)
	}
	return idea, nil
}

// GetIdea loads an idea the caller owns.
func (a *App) GetIdea(ctx context.Context, accountID, ideaID string) (domain.Idea, error) {
	idea, ok, err := a.store.GetIdea(ctx, ideaID)
	if err != nil {
		return domain.Idea{}, domain.Persistencef("load idea", err)
	}
	if !ok {
		return domain.Idea{}, domain.NotFoundf("idea %s", ideaID)
	}
	if idea.AccountID != accountID {
		return domain.Idea{}, ErrForbidden
	}
	return idea, nil
}

// Expand starts the expansion pipeline for an idea. The credit check is an
// advisory short-circuit; no execution is created when it refuses. On success
// the pipeline continues in the background and the caller polls by execution
// id.
func (a *App) Expand(ctx context.Context, accountID, ideaID string, format domain.OutputFormat) (domain.Execution, error) {
	if !domain.KnownFormat(format) {
		return domain.Execution{}, domain.Validationf("unknown output format %q", string(format))
	}
	idea, err := a.GetIdea(ctx, accountID, ideaID)
	if err != nil {
		return domain.Execution{}, err
	}
	check, err := a.ledger.CheckLimit(ctx, accountID)
	if err != nil {
		return domain.Execution{}, err
	}
	if !check.Allowed {
		return domain.Execution{}, fmt.Errorf("%w: %s", domain.ErrInsufficientCredits, check.Reason)
	}
	exec, err := a.tracker.Start(ctx, accountID, ideaID, format)
	if err != nil {
		return domain.Execution{}, err
	}
	go func() {
		// The request context dies when the caller gets its 202; the
		// pipeline runs on its own deadline.
		pctx, cancel := context.WithTimeout(context.Background(), pipelineTimeout)
		defer cancel()
		a.runPipeline(pctx, exec, idea)
	}()
	return exec, nil
}

// runPipeline executes one expansion end to end and applies the terminal
// transition. Consume happens only after content is safely persisted; a
// consume failure at that point finishes the execution partial, never
// completed.
func (a *App) runPipeline(ctx context.Context, exec domain.Execution, idea domain.Idea) {
	logger := util.LoggerFromContext(ctx).With("execution_id", exec.ID)

	schema, err := schemaFor(exec.Format)
	if err != nil {
		a.finish(ctx, exec, tracker.Outcome{HasErrors: true, ErrorMessage: err.Error()})
		return
	}
	res, err := a.invoker.Invoke(ctx, promptFor(idea, exec.Format), schema, a.invokeCfg)
	if err != nil {
		logger.Error("generation failed", "err", err)
		a.finish(ctx, exec, tracker.Outcome{HasErrors: true, Usage: res.Usage, ErrorMessage: err.Error()})
		return
	}
	a.archiveRaw(exec, res)

	content, err := decodeContent(exec.Format, res.Raw)
	if err != nil {
		logger.Error("decode output failed", "err", err)
		a.finish(ctx, exec, tracker.Outcome{HasErrors: true, Usage: res.Usage, ErrorMessage: err.Error()})
		return
	}
	output := domain.Output{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		AccountID:   exec.AccountID,
		IdeaID:      idea.ID,
		Format:      exec.Format,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.CreateOutput(ctx, output); err != nil {
		logger.Error("persist output failed", "err", err)
		a.finish(ctx, exec, tracker.Outcome{HasErrors: true, Usage: res.Usage, ErrorMessage: "persist output: " + err.Error()})
		return
	}

	// The load-bearing gate. Content already exists, so a refusal here
	// yields partial rather than pretending nothing happened.
	pool, err := a.ledger.Consume(ctx, exec.AccountID)
	if err != nil {
		logger.Error("consume credit failed", "err", err)
		a.finish(ctx, exec, tracker.Outcome{HasErrors: true, HasContent: true, Usage: res.Usage, ErrorMessage: "consume credit: " + err.Error()})
		return
	}
	logger.Info("expansion completed", "format", string(exec.Format), "pool", string(pool), "total_tokens", res.Usage.TotalTokens)
	a.finish(ctx, exec, tracker.Outcome{HasContent: true, Usage: res.Usage})
}

func (a *App) finish(ctx context.Context, exec domain.Execution, outcome tracker.Outcome) {
	if _, err := a.tracker.Finish(ctx, exec, outcome); err != nil {
		util.LoggerFromContext(ctx).Error("finish execution failed", "execution_id", exec.ID, "err", err)
	}
}

// archiveRaw stores the raw provider payload for later inspection. Failures
// are logged and otherwise ignored.
func (a *App) archiveRaw(exec domain.Execution, res ai.Result) {
	if a.artifacts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := fmt.Sprintf("executions/%s/raw.json", exec.ID)
	if err := a.artifacts.PutJSON(ctx, key, res); err != nil {
		util.LoggerFromContext(ctx).Warn("archive raw output failed", "execution_id", exec.ID, "err", err)
	}
}

// StatusView is the poller-facing execution state. AccountID rides along in
// the cached payload so a cache hit can settle ownership without a store read.
type StatusView struct {
	ExecutionID   string                 `json:"executionId"`
	AccountID     string                 `json:"accountId"`
	Status        domain.ExecutionStatus `json:"status"`
	Progress      int                    `json:"progress"`
	DurationSoFar int                    `json:"durationSoFar"`
	OutputID      string                 `json:"outputId,omitempty"`
	TokenUsage    domain.TokenUsage      `json:"tokenUsage"`
	ErrorMessage  string                 `json:"errorMessage,omitempty"`
}

// ExecutionStatus reports progress for one execution. Terminal payloads are
// served from and written to the status cache; running ones always recompute
// so progress keeps moving between polls.
func (a *App) ExecutionStatus(ctx context.Context, accountID, executionID string) (StatusView, error) {
	if a.statusCache != nil {
		var cached StatusView
		if ok, err := a.statusCache.Get(ctx, executionID, &cached); err == nil && ok {
			if cached.AccountID != accountID {
				return StatusView{}, ErrForbidden
			}
			return cached, nil
		}
	}
	exec, err := a.tracker.Get(ctx, executionID)
	if err != nil {
		return StatusView{}, err
	}
	if exec.AccountID != accountID {
		return StatusView{}, ErrForbidden
	}
	now := time.Now().UTC()
	view := StatusView{
		ExecutionID:   exec.ID,
		AccountID:     exec.AccountID,
		Status:        exec.Status,
		Progress:      tracker.Progress(exec, now),
		DurationSoFar: tracker.DurationSoFar(exec, now),
		TokenUsage:    exec.TokenUsage,
		ErrorMessage:  exec.ErrorMessage,
	}
	if exec.Status == domain.ExecutionCompleted {
		out, ok, err := a.store.GetOutputByExecution(ctx, exec.ID)
		if err != nil {
			return StatusView{}, domain.Persistencef("load output", err)
		}
		if ok {
			view.OutputID = out.ID
		}
	}
	if a.statusCache != nil && exec.Status.Terminal() {
		if err := a.statusCache.Set(ctx, executionID, view); err != nil {
			util.LoggerFromContext(ctx).Warn("cache execution status failed", "execution_id", executionID, "err", err)
		}
	}
	return view, nil
}

// GetOutput loads a generated artifact the caller owns.
func (a *App) GetOutput(ctx context.Context, accountID, outputID string) (domain.Output, error) {
	out, ok, err := a.store.GetOutput(ctx, outputID)
	if err != nil {
		return domain.Output{}, domain.Persistencef("load output", err)
	}
	if !ok {
		return domain.Output{}, domain.NotFoundf("output %s", outputID)
	}
	if out.AccountID != accountID {
		return domain.Output{}, ErrForbidden
	}
	return out, nil
}

// Credits reports the caller's advisory credit state.
func (a *App) Credits(ctx context.Context, accountID string) (credits.CheckResult, error) {
	return a.ledger.CheckLimit(ctx, accountID)
}

// Grant converts a manually verified payment into credits. The server layer
// restricts this to admin callers.
func (a *App) Grant(ctx context.Context, req credits.GrantRequest) (domain.PaymentReceipt, error) {
	return a.ledger.Grant(ctx, req)
}

// Receipts lists the caller's grant history.
func (a *App) Receipts(ctx context.Context, accountID string) ([]domain.PaymentReceipt, error) {
	return a.ledger.Receipts(ctx, accountID)
}

// StoreCredential encrypts a third-party token and upserts it for the
// (account, provider) pair. Plaintext never reaches storage.
func (a *App) StoreCredential(ctx context.Context, accountID, provider, token string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return domain.Validationf("provider is required")
	}
	if token == "" {
		return domain.Validationf("token is required")
	}
	rec, err := a.vault.Encrypt(token)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	cred := domain.EncryptedCredential{
		AccountID:  accountID,
		Provider:   provider,
		Ciphertext: rec.Ciphertext,
		IV:         rec.IV,
		AuthTag:    rec.AuthTag,
		Active:     true,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := a.store.UpsertCredential(ctx, cred); err != nil {
		return domain.Persistencef("store credential", err)
	}
	return nil
}

// CredentialView is credential metadata safe to return to callers.
type CredentialView struct {
	Provider         string    `json:"provider"`
	Active           bool      `json:"active"`
	ValidationStatus string    `json:"validationStatus,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// CredentialInfo returns metadata for a stored credential. The plaintext is
// never exposed over the API.
func (a *App) CredentialInfo(ctx context.Context, accountID, provider string) (CredentialView, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	cred, ok, err := a.store.GetCredential(ctx, accountID, provider)
	if err != nil {
		return CredentialView{}, domain.Persistencef("load credential", err)
	}
	if !ok {
		return CredentialView{}, domain.NotFoundf("credential for provider %s", provider)
	}
	return CredentialView{
		Provider:         cred.Provider,
		Active:           cred.Active,
		ValidationStatus: cred.ValidationStatus,
		UpdatedAt:        cred.UpdatedAt,
	}, nil
}

// LoadCredential decrypts a stored token for outbound use. A tampered record
// or key mismatch fails with domain.ErrDecryption, never an empty result.
func (a *App) LoadCredential(ctx context.Context, accountID, provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	cred, ok, err := a.store.GetCredential(ctx, accountID, provider)
	if err != nil {
		return "", domain.Persistencef("load credential", err)
	}
	if !ok {
		return "", domain.NotFoundf("credential for provider %s", provider)
	}
	return a.vault.Decrypt(vault.Record{
		Ciphertext: cred.Ciphertext,
		IV:         cred.IV,
		AuthTag:    cred.AuthTag,
		Version:    vault.RecordVersion,
	})
}
