// Package api exposes the protection service over a local HTTP interface.
// Interactive prompts are replaced by request-supplied secrets; see Secrets.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mailcrypt/go-backend/internal/app"
	"mailcrypt/go-backend/internal/keyring"
	"mailcrypt/go-backend/internal/notify"
	"mailcrypt/go-backend/internal/policy"
	"mailcrypt/go-backend/internal/protect"
	"mailcrypt/go-backend/internal/submission"
	"mailcrypt/go-backend/internal/unlock"
	"mailcrypt/go-backend/pkg/models"
)

// Server is the local HTTP front end for one account's service.
type Server struct {
	service *app.Service
	hub     *notify.Hub
	token   string
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewServer(service *app.Service, hub *notify.Hub, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		hub:     hub,
		token:   token,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/v1/keys", s.handleListKeys)
	s.mux.HandleFunc("POST /api/v1/keys", s.handleImportKey)
	s.mux.HandleFunc("POST /api/v1/keys/generate", s.handleGenerateKey)
	s.mux.HandleFunc("DELETE /api/v1/keys/{id}", s.handleRemoveKey)
	s.mux.HandleFunc("GET /api/v1/keys/{id}/public", s.handleExportKey)
	s.mux.HandleFunc("POST /api/v1/recipients/resolve", s.handleResolve)
	s.mux.HandleFunc("POST /api/v1/recipients/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/v1/send", s.handleSend)
	s.mux.HandleFunc("POST /api/v1/session/wipe", s.handleWipeSession)
	s.mux.HandleFunc("GET /api/v1/lockout", s.handleLockout)
	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/v1/fallback/suggestion", s.handleFallbackSuggestion)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	const scheme = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, scheme) {
		return false
	}
	return header[len(scheme):] == s.token
}

type keyView struct {
	ID        string              `json:"id"`
	ShortID   string              `json:"shortId"`
	Family    models.KeyFamily    `json:"family"`
	Emails    []string            `json:"emails,omitempty"`
	Usability models.KeyUsability `json:"usability"`
	Revoked   bool                `json:"revoked,omitempty"`
}

func viewOf(rec models.KeyRecord) keyView {
	return keyView{
		ID:        rec.Identity.ID,
		ShortID:   keyring.ShortID(rec.Identity),
		Family:    rec.Identity.Family,
		Emails:    rec.Emails,
		Usability: rec.Usability,
		Revoked:   rec.Revoked,
	}
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	records := s.service.Keys()
	views := make([]keyView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleImportKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Material string `json:"material"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Material == "" {
		writeError(w, http.StatusBadRequest, "material is required")
		return
	}
	rec, err := s.service.ImportKey(r.Context(), []byte(req.Material))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(rec))
}

func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Passphrase == "" {
		writeError(w, http.StatusBadRequest, "passphrase is required")
		return
	}
	rec, err := s.service.GenerateKey(r.Context(), req.Name, req.Passphrase)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(rec))
}

func (s *Server) identityFrom(r *http.Request) models.KeyIdentity {
	family := models.KeyFamily(r.URL.Query().Get("family"))
	if family == "" {
		family = models.FamilyPGP
	}
	return models.KeyIdentity{ID: r.PathValue("id"), Family: family}
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RemoveKey(s.identityFrom(r)); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportKey(w http.ResponseWriter, r *http.Request) {
	material, err := s.service.ExportPublicKey(s.identityFrom(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(material)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emails []string `json:"emails"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Emails) == 0 {
		writeError(w, http.StatusBadRequest, "emails are required")
		return
	}
	writeJSON(w, http.StatusOK, s.service.ResolveRecipients(r.Context(), req.Emails))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	capability, err := s.service.RefreshRecipient(r.Context(), req.Email)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, capability)
}

type sendRequest struct {
	Recipients  []string            `json:"recipients"`
	Body        string              `json:"body"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Encrypt     *bool               `json:"encrypt,omitempty"`
	Sign        *bool               `json:"sign,omitempty"`

	Passphrase       string `json:"passphrase,omitempty"`
	PersistScope     string `json:"persistScope,omitempty"`
	FallbackPassword string `json:"fallbackPassword,omitempty"`
}

type deliveryView struct {
	Variant    models.MessageVariant `json:"variant"`
	Family     models.KeyFamily      `json:"family,omitempty"`
	Recipients []string              `json:"recipients"`
	Signed     bool                  `json:"signed,omitempty"`
	LinkToken  string                `json:"linkToken,omitempty"`
	Error      string                `json:"error,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "recipients are required")
		return
	}

	choice := models.DefaultProtectionChoice()
	if req.Encrypt != nil {
		choice.Encrypt = *req.Encrypt
	}
	if req.Sign != nil {
		choice.Sign = *req.Sign
	}

	ctx := WithSecrets(r.Context(), Secrets{
		Passphrase:       req.Passphrase,
		Persist:          models.PassphraseScope(req.PersistScope),
		FallbackPassword: req.FallbackPassword,
	})
	report, err := s.service.Send(ctx, app.SendRequest{
		Recipients:       req.Recipients,
		Body:             []byte(req.Body),
		Attachments:      req.Attachments,
		Choice:           choice,
		FallbackPassword: req.FallbackPassword,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	views := make([]deliveryView, 0, len(report.Deliveries))
	for _, delivery := range report.Deliveries {
		view := deliveryView{
			Variant:    delivery.Message.Variant,
			Family:     delivery.Message.Family,
			Recipients: delivery.Message.Recipients,
			Signed:     delivery.Message.Signed,
			LinkToken:  delivery.Message.LinkToken,
		}
		if delivery.Err != nil {
			view.Error = delivery.Err.Error()
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": views,
		"delivered":  report.Delivered(),
	})
}

func (s *Server) handleWipeSession(w http.ResponseWriter, r *http.Request) {
	s.service.WipeSession()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLockout(w http.ResponseWriter, r *http.Request) {
	blocked, retryIn, err := s.service.LockoutStatus()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"blocked":      blocked,
		"retryInMs":    retryIn.Milliseconds(),
		"retryInHuman": retryIn.Round(time.Second).String(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	fromSeq, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	replay, _, cancel := s.hub.Subscribe(fromSeq)
	cancel()
	writeJSON(w, http.StatusOK, replay)
}

func (s *Server) handleFallbackSuggestion(w http.ResponseWriter, r *http.Request) {
	suggestion, err := s.service.SuggestFallbackPassword()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"suggestion": suggestion})
}

// writeServiceError maps the domain error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		lockedOut *unlock.LockedOutError
		blocked   *policy.BlockedError
		noKey     *protect.NoUsableSigningKeyError
		mismatch  *protect.SenderIdentityMismatchError
		conflict  *submission.DirectoryKeyMismatchError
	)
	switch {
	case errors.As(err, &lockedOut):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     lockedOut.Error(),
			"retryInMs": lockedOut.RetryIn.Milliseconds(),
		})
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      blocked.Error(),
			"recipients": blocked.Recipients,
		})
	case errors.Is(err, protect.ErrFallbackPasswordRequired):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &noKey), errors.As(err, &mismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, unlock.ErrCancelled):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, keyring.ErrUnprotectedKey),
		errors.Is(err, keyring.ErrUnknownKeyMaterial),
		errors.Is(err, keyring.ErrNotPrivateKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, keyring.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
