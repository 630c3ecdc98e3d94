package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type AccountModel struct {
	ID        string    `gorm:"primaryKey"`
	Email     string    `gorm:"index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type CreditBalanceModel struct {
	AccountID     string `gorm:"primaryKey"`
	FreeRemaining int    `gorm:"not null;default:0"`
	PaidRemaining int    `gorm:"not null;default:0"`
	TotalUsed     int    `gorm:"not null;default:0"`
	TotalFreeUsed int    `gorm:"not null;default:0"`
	TotalPaidUsed int    `gorm:"not null;default:0"`
	UpdatedAt     time.Time
}

type PaymentReceiptModel struct {
	ID         string  `gorm:"primaryKey"`
	AccountID  string  `gorm:"not null;index"`
	Credits    int     `gorm:"not null"`
	AmountUSD  float64 `gorm:"not null"`
	Reference  string
	VerifiedBy string `gorm:"not null"`
	Notes      string
	CreatedAt  time.Time `gorm:"not null"`
}

type IdeaModel struct {
	ID          string `gorm:"primaryKey"`
	AccountID   string `gorm:"not null;index"`
	Title       string
	Content     string `gorm:"type:text;not null"`
	Description string
	Bullets     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null"`
}

type ExecutionModel struct {
	ID               string    `gorm:"primaryKey"`
	AccountID        string    `gorm:"not null;index"`
	Status           string    `gorm:"not null;index"`
	StartedAt        time.Time `gorm:"not null"`
	CompletedAt      *time.Time
	DurationSeconds  *int
	IdeaID           string
	Format           string
	PromptTokens     int `gorm:"not null;default:0"`
	CompletionTokens int `gorm:"not null;default:0"`
	TotalTokens      int `gorm:"not null;default:0"`
	ErrorMessage     string
}

type OutputModel struct {
	ID          string         `gorm:"primaryKey"`
	ExecutionID string         `gorm:"not null;uniqueIndex"`
	AccountID   string         `gorm:"not null;index"`
	IdeaID      string         `gorm:"not null"`
	Format      string         `gorm:"not null"`
	Content     datatypes.JSON `gorm:"type:jsonb;not null"`
	Published   bool           `gorm:"not null;default:false"`
	CreatedAt   time.Time      `gorm:"not null"`
}

type CredentialModel struct {
	AccountID        string `gorm:"primaryKey"`
	Provider         string `gorm:"primaryKey"`
	Ciphertext       string `gorm:"type:text;not null"`
	IV               string `gorm:"not null"`
	AuthTag          string `gorm:"not null"`
	Active           bool   `gorm:"not null;default:true"`
	ValidationStatus string
	UpdatedAt        time.Time
}
