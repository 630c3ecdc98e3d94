package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"ideaforge/pkg/ai"
	"ideaforge/pkg/domain"
	"ideaforge/pkg/store"
	"ideaforge/pkg/vault"
)

const testKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type stubGenerator struct {
	raw   string
	usage domain.TokenUsage
	err   error
	calls atomic.Int32
}

func (s *stubGenerator) GenerateStructured(_ context.Context, _ ai.Request) (ai.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return ai.Result{}, s.err
	}
	return ai.Result{Raw: json.RawMessage(s.raw), Usage: s.usage}, nil
}

// countingStore observes pipeline writes and lets tests force consume
// failures.
type countingStore struct {
	*store.MemoryStore
	executions atomic.Int32
	execReads  atomic.Int32
	outputs    atomic.Int32
	consumeErr error
}

func (c *countingStore) CreateExecution(ctx context.Context, exec domain.Execution) error {
	c.executions.Add(1)
	return c.MemoryStore.CreateExecution(ctx, exec)
}

func (c *countingStore) GetExecution(ctx context.Context, id string) (domain.Execution, bool, error) {
	c.execReads.Add(1)
	return c.MemoryStore.GetExecution(ctx, id)
}

func (c *countingStore) CreateOutput(ctx context.Context, out domain.Output) error {
	c.outputs.Add(1)
	return c.MemoryStore.CreateOutput(ctx, out)
}

func (c *countingStore) ConsumeCredit(ctx context.Context, accountID string) (domain.CreditPool, error) {
	if c.consumeErr != nil {
		return "", c.consumeErr
	}
	return c.MemoryStore.ConsumeCredit(ctx, accountID)
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	key, err := vault.ParseKey(testKeyHex)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

func newTestApp(t *testing.T, st store.Store, primary, fallback ai.StructuredGenerator, freeCredits int) *App {
	t.Helper()
	invoker := ai.NewInvoker()
	invoker.Register("primary", primary)
	invoker.Register("fallback", fallback)
	a, err := New(Config{
		Store:   st,
		Vault:   newTestVault(t),
		Invoker: invoker,
		InvokeConfig: ai.InvokeConfig{
			Primary:  ai.ProviderConfig{Provider: "primary", Model: "model-a"},
			Fallback: ai.ProviderConfig{Provider: "fallback", Model: "model-b"},
		},
		InitialFreeCredits: freeCredits,
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a
}

func seedAccount(t *testing.T, a *App, accountID string) domain.Idea {
	t.Helper()
	ctx := context.Background()
	if err := a.EnsureAccount(ctx, accountID, accountID+"@example.com"); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	idea, err := a.SaveIdea(ctx, accountID, IdeaInput{Content: "a tiny CLI that renames photos by EXIF date"})
	if err != nil {
		t.Fatalf("SaveIdea: %v", err)
	}
	return idea
}

func waitTerminal(t *testing.T, a *App, accountID, executionID string) StatusView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		view, err := a.ExecutionStatus(context.Background(), accountID, executionID)
		if err != nil {
			t.Fatalf("ExecutionStatus: %v", err)
		}
		if view.Status.Terminal() {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("execution never reached a terminal state")
	return StatusView{}
}

func TestExpandZeroCreditsRefused(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	gen := &stubGenerator{raw: `{"title":"T","markdown":"body"}`}
	a := newTestApp(t, st, gen, gen, 0)
	idea := seedAccount(t, a, "acct-zero")

	_, err := a.Expand(context.Background(), "acct-zero", idea.ID, domain.FormatBlogPost)
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("Expand error = %v, want ErrInsufficientCredits", err)
	}
	if n := st.executions.Load(); n != 0 {
		t.Fatalf("executions created = %d, want 0", n)
	}
	if n := st.outputs.Load(); n != 0 {
		t.Fatalf("outputs created = %d, want 0", n)
	}
	if n := gen.calls.Load(); n != 0 {
		t.Fatalf("generator called %d times before credit check", n)
	}
}

func TestExpandSuccess(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	gen := &stubGenerator{
		raw:   `{"title":"Photo Renamer","markdown":"## Why\nBecause filenames matter."}`,
		usage: domain.TokenUsage{PromptTokens: 11, CompletionTokens: 29, TotalTokens: 40},
	}
	a := newTestApp(t, st, gen, gen, 1)
	idea := seedAccount(t, a, "acct-ok")
	ctx := context.Background()

	exec, err := a.Expand(ctx, "acct-ok", idea.ID, domain.FormatBlogPost)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	view := waitTerminal(t, a, "acct-ok", exec.ID)
	if view.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %q (err %q), want completed", view.Status, view.ErrorMessage)
	}
	if view.Progress != 100 {
		t.Fatalf("progress = %d, want 100", view.Progress)
	}
	if view.OutputID == "" {
		t.Fatal("completed view missing outputId")
	}
	if view.TokenUsage.TotalTokens != 40 {
		t.Fatalf("totalTokens = %d, want 40", view.TokenUsage.TotalTokens)
	}

	out, err := a.GetOutput(ctx, "acct-ok", view.OutputID)
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}
	if out.Content.BlogPost == nil || out.Content.BlogPost.Title != "Photo Renamer" {
		t.Fatalf("unexpected output content: %+v", out.Content)
	}

	check, err := a.Credits(ctx, "acct-ok")
	if err != nil {
		t.Fatalf("Credits: %v", err)
	}
	if check.FreeRemaining != 0 || check.TotalUsed != 1 {
		t.Fatalf("balance after consume = %+v", check)
	}

	// Out of credits now, so the next expansion refuses up front.
	if _, err := a.Expand(ctx, "acct-ok", idea.ID, domain.FormatBlogPost); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("second Expand error = %v, want ErrInsufficientCredits", err)
	}
}

func TestExpandProviderFailureConsumesNothing(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	bad := &stubGenerator{err: errors.New("upstream 503")}
	a := newTestApp(t, st, bad, bad, 2)
	idea := seedAccount(t, a, "acct-fail")
	ctx := context.Background()

	exec, err := a.Expand(ctx, "acct-fail", idea.ID, domain.FormatThread)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	view := waitTerminal(t, a, "acct-fail", exec.ID)
	if view.Status != domain.ExecutionFailed {
		t.Fatalf("status = %q, want failed", view.Status)
	}
	if view.ErrorMessage == "" || !strings.Contains(view.ErrorMessage, "upstream 503") {
		t.Fatalf("errorMessage = %q", view.ErrorMessage)
	}
	if view.OutputID != "" {
		t.Fatalf("failed view carries outputId %q", view.OutputID)
	}
	if n := st.outputs.Load(); n != 0 {
		t.Fatalf("outputs created = %d, want 0", n)
	}
	check, err := a.Credits(ctx, "acct-fail")
	if err != nil {
		t.Fatalf("Credits: %v", err)
	}
	if check.FreeRemaining != 2 || check.TotalUsed != 0 {
		t.Fatalf("balance mutated on failure: %+v", check)
	}
}

func TestExpandConsumeFailureYieldsPartial(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore(), consumeErr: domain.ErrInsufficientCredits}
	gen := &stubGenerator{raw: `{"hook":"H","posts":[{"position":1,"text":"first"}]}`}
	a := newTestApp(t, st, gen, gen, 1)
	idea := seedAccount(t, a, "acct-partial")
	ctx := context.Background()

	exec, err := a.Expand(ctx, "acct-partial", idea.ID, domain.FormatThread)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	view := waitTerminal(t, a, "acct-partial", exec.ID)
	if view.Status != domain.ExecutionPartial {
		t.Fatalf("status = %q, want partial", view.Status)
	}
	if n := st.outputs.Load(); n != 1 {
		t.Fatalf("outputs created = %d, want 1", n)
	}
	if !strings.Contains(view.ErrorMessage, "consume credit") {
		t.Fatalf("errorMessage = %q", view.ErrorMessage)
	}
}

func TestTerminalStatusServedFromCache(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	gen := &stubGenerator{raw: `{"title":"T","markdown":"body"}`}
	mr := miniredis.RunT(t)
	cache, err := store.NewRedisStatusCache(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisStatusCache: %v", err)
	}
	invoker := ai.NewInvoker()
	invoker.Register("primary", gen)
	invoker.Register("fallback", gen)
	a, err := New(Config{
		Store:   st,
		Vault:   newTestVault(t),
		Invoker: invoker,
		InvokeConfig: ai.InvokeConfig{
			Primary:  ai.ProviderConfig{Provider: "primary", Model: "model-a"},
			Fallback: ai.ProviderConfig{Provider: "fallback", Model: "model-b"},
		},
		StatusCache:        cache,
		InitialFreeCredits: 1,
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	idea := seedAccount(t, a, "acct-cache")
	ctx := context.Background()

	exec, err := a.Expand(ctx, "acct-cache", idea.ID, domain.FormatBlogPost)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	view := waitTerminal(t, a, "acct-cache", exec.ID)
	if view.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %q (err %q)", view.Status, view.ErrorMessage)
	}

	// The terminal poll above populated the cache; subsequent polls must not
	// touch the execution store at all.
	before := st.execReads.Load()
	again, err := a.ExecutionStatus(ctx, "acct-cache", exec.ID)
	if err != nil {
		t.Fatalf("ExecutionStatus from cache: %v", err)
	}
	if again.Status != view.Status || again.OutputID != view.OutputID {
		t.Fatalf("cached view diverged: %+v vs %+v", again, view)
	}
	if after := st.execReads.Load(); after != before {
		t.Fatalf("execution store read %d times on a cache hit", after-before)
	}

	// Ownership still holds on the cached path.
	if err := a.EnsureAccount(ctx, "acct-snoop", ""); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if _, err := a.ExecutionStatus(ctx, "acct-snoop", exec.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign cached status error = %v, want ErrForbidden", err)
	}
}

func TestExpandValidation(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	gen := &stubGenerator{raw: `{}`}
	a := newTestApp(t, st, gen, gen, 1)
	idea := seedAccount(t, a, "acct-val")
	ctx := context.Background()

	if _, err := a.Expand(ctx, "acct-val", idea.ID, "slideshow"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown format error = %v, want ErrValidation", err)
	}
	if _, err := a.Expand(ctx, "acct-val", "no-such-idea", domain.FormatBlogPost); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown idea error = %v, want ErrNotFound", err)
	}
	if err := a.EnsureAccount(ctx, "acct-other", ""); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if _, err := a.Expand(ctx, "acct-other", idea.ID, domain.FormatBlogPost); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign idea error = %v, want ErrForbidden", err)
	}
	if _, err := a.SaveIdea(ctx, "acct-val", IdeaInput{Content: "   "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty content error = %v, want ErrValidation", err)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	gen := &stubGenerator{raw: `{}`}
	a := newTestApp(t, st, gen, gen, 0)
	ctx := context.Background()
	if err := a.EnsureAccount(ctx, "acct-cred", "c@example.com"); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	if err := a.StoreCredential(ctx, "acct-cred", "Twitter", "secret-token-xyz"); err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}
	info, err := a.CredentialInfo(ctx, "acct-cred", "twitter")
	if err != nil {
		t.Fatalf("CredentialInfo: %v", err)
	}
	if info.Provider != "twitter" || !info.Active {
		t.Fatalf("unexpected credential info: %+v", info)
	}
	plain, err := a.LoadCredential(ctx, "acct-cred", "twitter")
	if err != nil {
		t.Fatalf("LoadCredential: %v", err)
	}
	if plain != "secret-token-xyz" {
		t.Fatalf("decrypted token = %q", plain)
	}

	// Stored record never contains the plaintext.
	cred, ok, err := st.GetCredential(ctx, "acct-cred", "twitter")
	if err != nil || !ok {
		t.Fatalf("GetCredential: %v, %v", ok, err)
	}
	if strings.Contains(cred.Ciphertext, "secret-token-xyz") {
		t.Fatal("ciphertext contains plaintext")
	}

	// Overwrite replaces the record.
	if err := a.StoreCredential(ctx, "acct-cred", "twitter", "rotated-token"); err != nil {
		t.Fatalf("StoreCredential rotate: %v", err)
	}
	plain, err = a.LoadCredential(ctx, "acct-cred", "twitter")
	if err != nil || plain != "rotated-token" {
		t.Fatalf("rotated token = %q, %v", plain, err)
	}

	if _, err := a.LoadCredential(ctx, "acct-cred", "github"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing credential error = %v, want ErrNotFound", err)
	}
	if err := a.StoreCredential(ctx, "acct-cred", "", "x"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty provider error = %v, want ErrValidation", err)
	}
}

func TestCredentialTamperIsFatal(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	gen := &stubGenerator{raw: `{}`}
	a := newTestApp(t, st, gen, gen, 0)
	ctx := context.Background()
	if err := a.EnsureAccount(ctx, "acct-tamper", ""); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if err := a.StoreCredential(ctx, "acct-tamper", "notion", "tok"); err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}
	cred, _, err := st.GetCredential(ctx, "acct-tamper", "notion")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	// Flip one hex digit of the ciphertext.
	b := []byte(cred.Ciphertext)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	cred.Ciphertext = string(b)
	if err := st.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	if _, err := a.LoadCredential(ctx, "acct-tamper", "notion"); !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("tampered load error = %v, want ErrDecryption", err)
	}
}
