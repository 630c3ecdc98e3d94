package domain

import "time"

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionPartial   ExecutionStatus = "partial"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionPartial
}

type OutputFormat string

const (
	FormatBlogPost OutputFormat = "blog_post"
	FormatThread   OutputFormat = "thread"
	FormatCodeRepo OutputFormat = "code_repo"
)

// KnownFormat reports whether f is one of the supported output formats.
func KnownFormat(f OutputFormat) bool {
	switch f {
	case FormatBlogPost, FormatThread, FormatCodeRepo:
		return true
	}
	return false
}

type AccountRole string

const (
	RoleUser  AccountRole = "user"
	RoleAdmin AccountRole = "admin"
)

// Account owns credits, ideas, and credentials. Created on first successful
// sign-in; never deleted here.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreditBalance is the per-account credit state. It is mutated only through
// the ledger's Consume and Grant operations.
type CreditBalance struct {
	AccountID     string    `json:"accountId"`
	FreeRemaining int       `json:"freeRemaining"`
	PaidRemaining int       `json:"paidRemaining"`
	TotalUsed     int       `json:"totalUsed"`
	TotalFreeUsed int       `json:"totalFreeUsed"`
	TotalPaidUsed int       `json:"totalPaidUsed"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CreditPool identifies which pool a consumed credit came from.
type CreditPool string

const (
	PoolFree CreditPool = "free"
	PoolPaid CreditPool = "paid"
)

// PaymentReceipt is the immutable audit record of a credit grant.
type PaymentReceipt struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"accountId"`
	Credits    int       `json:"credits"`
	AmountUSD  float64   `json:"amountUsd"`
	Reference  string    `json:"reference,omitempty"`
	VerifiedBy string    `json:"verifiedBy"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Idea is raw user input awaiting expansion.
type Idea struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Title       string    `json:"title,omitempty"`
	Content     string    `json:"content"`
	Description string    `json:"description,omitempty"`
	Bullets     []string  `json:"bullets,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TokenUsage accounts for provider token consumption on one execution.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Execution is one attempt to expand an idea. Created in running state,
// mutated exactly once at the terminal transition, never deleted.
type Execution struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"accountId"`
	Status          ExecutionStatus `json:"status"`
	StartedAt       time.Time       `json:"startedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	DurationSeconds *int            `json:"durationSeconds,omitempty"`
	IdeaID          string          `json:"ideaId,omitempty"`
	Format          OutputFormat    `json:"format,omitempty"`
	TokenUsage      TokenUsage      `json:"tokenUsage"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
}

// BlogPost is the blog-post output payload.
type BlogPost struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	Markdown string   `json:"markdown"`
	Tags     []string `json:"tags,omitempty"`
}

// ThreadPost is one post inside a thread.
type ThreadPost struct {
	Position int    `json:"position"`
	Text     string `json:"text"`
}

// Thread is the social-thread output payload.
type Thread struct {
	Hook  string       `json:"hook"`
	Posts []ThreadPost `json:"posts"`
}

// RepoFile is one generated file of a code project.
type RepoFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// CodeRepo is the code-project output payload.
type CodeRepo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Files       []RepoFile `json:"files"`
	Readme      string     `json:"readme,omitempty"`
}

// OutputContent is the tagged union of format-specific payloads. Exactly one
// of the pointer fields matching Format is set.
type OutputContent struct {
	Format   OutputFormat `json:"format"`
	BlogPost *BlogPost    `json:"blogPost,omitempty"`
	Thread   *Thread      `json:"thread,omitempty"`
	CodeRepo *CodeRepo    `json:"codeRepo,omitempty"`
}

// Validate checks that the payload matching Format is present and no other.
func (c OutputContent) Validate() error {
	var set int
	if c.BlogPost != nil {
		set++
	}
	if c.Thread != nil {
		set++
	}
	if c.CodeRepo != nil {
		set++
	}
	if set != 1 {
		return Validationf("output content must carry exactly one payload, got %d", set)
	}
	switch c.Format {
	case FormatBlogPost:
		if c.BlogPost == nil {
			return Validationf("format %s requires blogPost payload", c.Format)
		}
	case FormatThread:
		if c.Thread == nil {
			return Validationf("format %s requires thread payload", c.Format)
		}
	case FormatCodeRepo:
		if c.CodeRepo == nil {
			return Validationf("format %s requires codeRepo payload", c.Format)
		}
	default:
		return Validationf("unknown output format %q", string(c.Format))
	}
	return nil
}

// Output is the generated artifact tied 1:1 to a successful execution.
type Output struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"executionId"`
	AccountID   string        `json:"accountId"`
	IdeaID      string        `json:"ideaId"`
	Format      OutputFormat  `json:"format"`
	Content     OutputContent `json:"content"`
	Published   bool          `json:"published"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// EncryptedCredential is the at-rest wrapper for a third-party secret.
// One row per (account, provider), overwritten whenever a fresh token arrives.
type EncryptedCredential struct {
	AccountID        string    `json:"accountId"`
	Provider         string    `json:"provider"`
	Ciphertext       string    `json:"ciphertext"`
	IV               string    `json:"iv"`
	AuthTag          string    `json:"authTag"`
	Active           bool      `json:"active"`
	ValidationStatus string    `json:"validationStatus,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
