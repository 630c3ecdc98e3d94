// Package server exposes the HTTP surface of the expander service.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"ideaforge/internal/accounttoken"
	"ideaforge/internal/util"
	"ideaforge/pkg/credits"
	"ideaforge/pkg/domain"
	"ideaforge/services/expander/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *accounttoken.Verifier
}

// Server exposes HTTP endpoints for the expander service.
type Server struct {
	app           *app.App
	tokenVerifier *accounttoken.Verifier
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("expander", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/ideas", s.withAccount(s.handleIdeas))
	s.mux.Handle("/expansions", s.withAccount(s.handleExpansions))
	s.mux.Handle("/executions/", s.withAccount(s.handleExecutionByID))
	s.mux.Handle("/outputs/", s.withAccount(s.handleOutputByID))
	s.mux.Handle("/credits", s.withAccount(s.handleCredits))
	s.mux.Handle("/credits/receipts", s.withAccount(s.handleReceipts))
	s.mux.Handle("/credits/grant", s.withAccount(s.handleGrant))
	s.mux.Handle("/credentials/", s.withAccount(s.handleCredentialByProvider))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountHandler func(http.ResponseWriter, *http.Request, accounttoken.Identity)

func (s *Server) withAccount(next accountHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := accounttoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		identity, err := s.tokenVerifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err := s.app.EnsureAccount(r.Context(), identity.AccountID, identity.Email); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		next(w, r, identity)
	})
}

func (s *Server) handleIdeas(w http.ResponseWriter, r *http.Request, identity accounttoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.IdeaInput
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	idea, err := s.app.SaveIdea(r.Context(), identity.AccountID, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idea)
}

type expandRequest struct {
	IdeaID string `json:"ideaId"`
	Format string `json:"format"`
}

func (s *Server) handleExpansions(w http.ResponseWriter, r *http.Request, identity accounttoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req expandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.IdeaID == "" {
		writeError(w, http.StatusBadRequest, "ideaId is required")
		return
	}
	exec, err := s.app.Expand(r.Context(), identity.AccountID, req.IdeaID, domain.OutputFormat(req.Format))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": exec.ID})
}

func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request, identity accounttoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/executions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	view, err := s.app.ExecutionStatus(r.Context(), identity.AccountID, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOutputByID(w http.ResponseWriter, r *http.Request, identity accounttoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/outputs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	out, err := s.app.GetOutput(r.Context(), identity.AccountID, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request, identity accounttoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	check, err := s.app.Credits(r.Context(), identity.AccountID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request, identity accounttoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.app.Receipts(r.Context(), identity.AccountID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": items})
}

type grantRequest struct {
	AccountID string  `json:"accountId"`
	Credits   int     `json:"credits"`
	AmountUSD float64 `json:"amountUsd"`
	Reference string  `json:"reference"`
	Notes     string  `json:"notes"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request, identity accounttoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if identity.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	var req grantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	receipt, err := s.app.Grant(r.Context(), credits.GrantRequest{
		AccountID:  req.AccountID,
		Credits:    req.Credits,
		AmountUSD:  req.AmountUSD,
		Reference:  req.Reference,
		VerifiedBy: identity.AccountID,
		Notes:      req.Notes,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"receiptId": receipt.ID})
}

type credentialRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleCredentialByProvider(w http.ResponseWriter, r *http.Request, identity accounttoken.Identity) {
	provider := strings.TrimPrefix(r.URL.Path, "/credentials/")
	if provider == "" || strings.Contains(provider, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req credentialRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.StoreCredential(r.Context(), identity.AccountID, provider, req.Token); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	case http.MethodGet:
		info, err := s.app.CredentialInfo(r.Context(), identity.AccountID, provider)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	case errors.Is(err, app.ErrForbidden):
		status = http.StatusForbidden
		msg = "forbidden"
	case errors.Is(err, domain.ErrProvider):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrDecryption):
		msg = "stored credential is unreadable"
	case errors.Is(err, domain.ErrPersistence):
		msg = "storage error"
	}
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, msg)
}

func decodeBody(r *http.Request, out any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
