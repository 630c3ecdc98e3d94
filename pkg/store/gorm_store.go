package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"ideaforge/pkg/domain"
)

const migrateLockID int64 = 48120471

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&AccountModel{},
			&CreditBalanceModel{},
			&PaymentReceiptModel{},
			&IdeaModel{},
			&ExecutionModel{},
			&OutputModel{},
			&CredentialModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// EnsureAccount creates the account and its seeded balance when first seen.
func (s *GormStore) EnsureAccount(ctx context.Context, account domain.Account, initialFreeCredits int) error {
	if initialFreeCredits < 0 {
		initialFreeCredits = 0
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct := AccountModel{
			ID:        account.ID,
			Email:     account.Email,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if !account.CreatedAt.IsZero() {
			acct.CreatedAt = account.CreatedAt
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(&acct).Error; err != nil {
			return err
		}
		balance := CreditBalanceModel{
			AccountID:     account.ID,
			FreeRemaining: initialFreeCredits,
			UpdatedAt:     now,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).Create(&balance).Error
	})
}

// GetAccount returns an account by ID.
func (s *GormStore) GetAccount(ctx context.Context, id string) (domain.Account, bool, error) {
	var model AccountModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return domain.Account{
		ID:        model.ID,
		Email:     model.Email,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}, true, nil
}

// GetBalance reads the current credit balance.
func (s *GormStore) GetBalance(ctx context.Context, accountID string) (domain.CreditBalance, bool, error) {
	var model CreditBalanceModel
	if err := s.db.WithContext(ctx).First(&model, "account_id = ?", accountID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.CreditBalance{}, false, nil
		}
		return domain.CreditBalance{}, false, err
	}
	return balanceFromModel(model), true, nil
}

// ConsumeCredit decrements one unit, free pool first. Each decrement is a
// single conditional UPDATE guarded by the remaining count, so concurrent
// calls never drive a pool negative.
func (s *GormStore) ConsumeCredit(ctx context.Context, accountID string) (domain.CreditPool, error) {
	now := time.Now().UTC()
	free := s.db.WithContext(ctx).Model(&CreditBalanceModel{}).
		Where("account_id = ? AND free_remaining > 0", accountID).
		Updates(map[string]any{
			"free_remaining":  gorm.Expr("free_remaining - 1"),
			"total_free_used": gorm.Expr("total_free_used + 1"),
			"total_used":      gorm.Expr("total_used + 1"),
			"updated_at":      now,
		})
	if free.Error != nil {
		return "", free.Error
	}
	if free.RowsAffected == 1 {
		return domain.PoolFree, nil
	}
	paid := s.db.WithContext(ctx).Model(&CreditBalanceModel{}).
		Where("account_id = ? AND paid_remaining > 0", accountID).
		Updates(map[string]any{
			"paid_remaining":  gorm.Expr("paid_remaining - 1"),
			"total_paid_used": gorm.Expr("total_paid_used + 1"),
			"total_used":      gorm.Expr("total_used + 1"),
			"updated_at":      now,
		})
	if paid.Error != nil {
		return "", paid.Error
	}
	if paid.RowsAffected == 1 {
		return domain.PoolPaid, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&CreditBalanceModel{}).
		Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		return "", err
	}
	if count == 0 {
		return "", domain.NotFoundf("credit balance for account %s", accountID)
	}
	return "", domain.ErrInsufficientCredits
}

// GrantCredits increments the paid pool and records the receipt atomically.
func (s *GormStore) GrantCredits(ctx context.Context, receipt domain.PaymentReceipt) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&CreditBalanceModel{}).
			Where("account_id = ?", receipt.AccountID).
			Updates(map[string]any{
				"paid_remaining": gorm.Expr("paid_remaining + ?", receipt.Credits),
				"updated_at":     time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.NotFoundf("credit balance for account %s", receipt.AccountID)
		}
		model := PaymentReceiptModel{
			ID:         receipt.ID,
			AccountID:  receipt.AccountID,
			Credits:    receipt.Credits,
			AmountUSD:  receipt.AmountUSD,
			Reference:  receipt.Reference,
			VerifiedBy: receipt.VerifiedBy,
			Notes:      receipt.Notes,
			CreatedAt:  receipt.CreatedAt,
		}
		return tx.Create(&model).Error
	})
}

// ListReceipts returns an account's receipts, newest first.
func (s *GormStore) ListReceipts(ctx context.Context, accountID string) ([]domain.PaymentReceipt, error) {
	var models []PaymentReceiptModel
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.PaymentReceipt, 0, len(models))
	for _, m := range models {
		res = append(res, domain.PaymentReceipt{
			ID:         m.ID,
			AccountID:  m.AccountID,
			Credits:    m.Credits,
			AmountUSD:  m.AmountUSD,
			Reference:  m.Reference,
			VerifiedBy: m.VerifiedBy,
			Notes:      m.Notes,
			CreatedAt:  m.CreatedAt,
		})
	}
	return res, nil
}

// CreateExecution inserts a new running execution.
func (s *GormStore) CreateExecution(ctx context.Context, exec domain.Execution) error {
	model := executionToModel(exec)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetExecution retrieves an execution.
func (s *GormStore) GetExecution(ctx context.Context, id string) (domain.Execution, bool, error) {
	var model ExecutionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Execution{}, false, nil
		}
		return domain.Execution{}, false, err
	}
	return executionFromModel(model), true, nil
}

// FinishExecution applies the terminal transition to a running execution.
func (s *GormStore) FinishExecution(ctx context.Context, exec domain.Execution) error {
	res := s.db.WithContext(ctx).Model(&ExecutionModel{}).
		Where("id = ? AND status = ?", exec.ID, string(domain.ExecutionRunning)).
		Updates(map[string]any{
			"status":            string(exec.Status),
			"completed_at":      exec.CompletedAt,
			"duration_seconds":  exec.DurationSeconds,
			"prompt_tokens":     exec.TokenUsage.PromptTokens,
			"completion_tokens": exec.TokenUsage.CompletionTokens,
			"total_tokens":      exec.TokenUsage.TotalTokens,
			"error_message":     exec.ErrorMessage,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NotFoundf("running execution %s", exec.ID)
	}
	return nil
}

// SaveIdea stores or updates an idea.
func (s *GormStore) SaveIdea(ctx context.Context, idea domain.Idea) error {
	model, err := ideaToModel(idea)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "content", "description", "bullets"}),
	}).Create(&model).Error
}

// GetIdea retrieves an idea.
func (s *GormStore) GetIdea(ctx context.Context, id string) (domain.Idea, bool, error) {
	var model IdeaModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Idea{}, false, nil
		}
		return domain.Idea{}, false, err
	}
	return ideaFromModel(model), true, nil
}

// CreateOutput inserts a generated artifact.
func (s *GormStore) CreateOutput(ctx context.Context, out domain.Output) error {
	model, err := outputToModel(out)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetOutput retrieves an output by ID.
func (s *GormStore) GetOutput(ctx context.Context, id string) (domain.Output, bool, error) {
	var model OutputModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Output{}, false, nil
		}
		return domain.Output{}, false, err
	}
	out, err := outputFromModel(model)
	if err != nil {
		return domain.Output{}, false, err
	}
	return out, true, nil
}

// GetOutputByExecution retrieves the output tied to an execution.
func (s *GormStore) GetOutputByExecution(ctx context.Context, executionID string) (domain.Output, bool, error) {
	var model OutputModel
	if err := s.db.WithContext(ctx).First(&model, "execution_id = ?", executionID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Output{}, false, nil
		}
		return domain.Output{}, false, err
	}
	out, err := outputFromModel(model)
	if err != nil {
		return domain.Output{}, false, err
	}
	return out, true, nil
}

// UpsertCredential overwrites the (account, provider) row with fresh ciphertext.
func (s *GormStore) UpsertCredential(ctx context.Context, cred domain.EncryptedCredential) error {
	model := CredentialModel{
		AccountID:        cred.AccountID,
		Provider:         cred.Provider,
		Ciphertext:       cred.Ciphertext,
		IV:               cred.IV,
		AuthTag:          cred.AuthTag,
		Active:           cred.Active,
		ValidationStatus: cred.ValidationStatus,
		UpdatedAt:        time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "iv", "auth_tag", "active", "validation_status", "updated_at"}),
	}).Create(&model).Error
}

// GetCredential retrieves the encrypted credential for (account, provider).
func (s *GormStore) GetCredential(ctx context.Context, accountID, provider string) (domain.EncryptedCredential, bool, error) {
	var model CredentialModel
	if err := s.db.WithContext(ctx).
		First(&model, "account_id = ? AND provider = ?", accountID, provider).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.EncryptedCredential{}, false, nil
		}
		return domain.EncryptedCredential{}, false, err
	}
	return domain.EncryptedCredential{
		AccountID:        model.AccountID,
		Provider:         model.Provider,
		Ciphertext:       model.Ciphertext,
		IV:               model.IV,
		AuthTag:          model.AuthTag,
		Active:           model.Active,
		ValidationStatus: model.ValidationStatus,
		UpdatedAt:        model.UpdatedAt,
	}, true, nil
}

func balanceFromModel(m CreditBalanceModel) domain.CreditBalance {
	return domain.CreditBalance{
		AccountID:     m.AccountID,
		FreeRemaining: m.FreeRemaining,
		PaidRemaining: m.PaidRemaining,
		TotalUsed:     m.TotalUsed,
		TotalFreeUsed: m.TotalFreeUsed,
		TotalPaidUsed: m.TotalPaidUsed,
		UpdatedAt:     m.UpdatedAt,
	}
}

func executionToModel(e domain.Execution) ExecutionModel {
	return ExecutionModel{
		ID:               e.ID,
		AccountID:        e.AccountID,
		Status:           string(e.Status),
		StartedAt:        e.StartedAt,
		CompletedAt:      e.CompletedAt,
		DurationSeconds:  e.DurationSeconds,
		IdeaID:           e.IdeaID,
		Format:           string(e.Format),
		PromptTokens:     e.TokenUsage.PromptTokens,
		CompletionTokens: e.TokenUsage.CompletionTokens,
		TotalTokens:      e.TokenUsage.TotalTokens,
		ErrorMessage:     e.ErrorMessage,
	}
}

func executionFromModel(m ExecutionModel) domain.Execution {
	return domain.Execution{
		ID:              m.ID,
		AccountID:       m.AccountID,
		Status:          domain.ExecutionStatus(m.Status),
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		DurationSeconds: m.DurationSeconds,
		IdeaID:          m.IdeaID,
		Format:          domain.OutputFormat(m.Format),
		TokenUsage: domain.TokenUsage{
			PromptTokens:     m.PromptTokens,
			CompletionTokens: m.CompletionTokens,
			TotalTokens:      m.TotalTokens,
		},
		ErrorMessage: m.ErrorMessage,
	}
}

func ideaToModel(idea domain.Idea) (IdeaModel, error) {
	bullets, err := json.Marshal(idea.Bullets)
	if err != nil {
		return IdeaModel{}, err
	}
	return IdeaModel{
		ID:          idea.ID,
		AccountID:   idea.AccountID,
		Title:       idea.Title,
		Content:     idea.Content,
		Description: idea.Description,
		Bullets:     bullets,
		CreatedAt:   idea.CreatedAt,
	}, nil
}

func ideaFromModel(m IdeaModel) domain.Idea {
	var bullets []string
	if len(m.Bullets) > 0 {
		_ = json.Unmarshal(m.Bullets, &bullets)
	}
	return domain.Idea{
		ID:          m.ID,
		AccountID:   m.AccountID,
		Title:       m.Title,
		Content:     m.Content,
		Description: m.Description,
		Bullets:     bullets,
		CreatedAt:   m.CreatedAt,
	}
}

func outputToModel(out domain.Output) (OutputModel, error) {
	content, err := json.Marshal(out.Content)
	if err != nil {
		return OutputModel{}, err
	}
	return OutputModel{
		ID:          out.ID,
		ExecutionID: out.ExecutionID,
		AccountID:   out.AccountID,
		IdeaID:      out.IdeaID,
		Format:      string(out.Format),
		Content:     content,
		Published:   out.Published,
		CreatedAt:   out.CreatedAt,
	}, nil
}

func outputFromModel(m OutputModel) (domain.Output, error) {
	var content domain.OutputContent
	if err := json.Unmarshal(m.Content, &content); err != nil {
		return domain.Output{}, fmt.Errorf("decode output content: %w", err)
	}
	return domain.Output{
		ID:          m.ID,
		ExecutionID: m.ExecutionID,
		AccountID:   m.AccountID,
		IdeaID:      m.IdeaID,
		Format:      domain.OutputFormat(m.Format),
		Content:     content,
		Published:   m.Published,
		CreatedAt:   m.CreatedAt,
	}, nil
}
