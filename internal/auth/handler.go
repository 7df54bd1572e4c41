package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/crmgate/crmgate/internal/platform/telemetry"
)

// AccountService is the Provider plus the reset confirmation step.
type AccountService interface {
	Provider
	ConfirmReset(ctx context.Context, token, newPassword string) error
}

// SessionFamilies tracks the refresh token family of each sign-in.
type SessionFamilies interface {
	CreateFamily(ctx context.Context, userID string) (string, error)
	SetInitialTokenHash(ctx context.Context, familyID, tokenHash string) error
	RotateToken(ctx context.Context, familyID, presentedHash string, presentedGeneration int, newTokenHash string) (*TokenFamily, error)
}

// maxBodyBytes caps every auth request body.
const maxBodyBytes = 10 << 10

// HandlerConfig holds dependencies for the auth HTTP handler.
type HandlerConfig struct {
	Accounts AccountService
	TokenSvc *TokenService
	Broker   *Broker
	// Sessions records token families so sign-out and refresh reuse end a
	// session. Nil issues stateless tokens.
	Sessions SessionFamilies
	// ExposeResetToken returns reset tokens in the response body. Only
	// enabled in dev mode; production delivers them out of band.
	ExposeResetToken bool
}

// Handler handles authentication HTTP endpoints.
type Handler struct {
	accounts         AccountService
	tokenSvc         *TokenService
	broker           *Broker
	sessions         SessionFamilies
	exposeResetToken bool
	signIns          singleflight.Group
}

func NewHandler(cfg HandlerConfig) *Handler {
	broker := cfg.Broker
	if broker == nil {
		broker = NewBroker()
	}
	return &Handler{
		accounts:         cfg.Accounts,
		tokenSvc:         cfg.TokenSvc,
		broker:           broker,
		sessions:         cfg.Sessions,
		exposeResetToken: cfg.ExposeResetToken,
	}
}

// RegisterRoutes registers auth routes on the given mux. signInLimit wraps
// the sign-in route; pass nil for no limit.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, signInLimit func(http.Handler) http.Handler) {
	var signIn http.Handler = http.HandlerFunc(h.HandleSignIn)
	if signInLimit != nil {
		signIn = signInLimit(signIn)
	}
	mux.HandleFunc("POST /auth/signup", h.HandleSignUp)
	mux.Handle("POST /auth/signin", signIn)
	mux.Handle("POST /auth/signout", RequireIdentity(http.HandlerFunc(h.HandleSignOut)))
	mux.HandleFunc("POST /auth/password/reset", h.HandleResetPassword)
	mux.HandleFunc("POST /auth/password/confirm", h.HandleConfirmReset)
	mux.HandleFunc("POST /auth/token/refresh", h.HandleRefresh)
}

type authResponse struct {
	*TokenPair
	User *Identity `json:"user"`
}

// HandleSignUp registers an account and signs it in.
func (h *Handler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decodeJSON(w, r, &creds); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	identity, err := h.accounts.SignUp(r.Context(), creds)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmailTaken):
			writeAuthError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, ErrInvalidCredentials):
			writeAuthError(w, http.StatusBadRequest, err.Error())
		default:
			telemetry.FromContext(r.Context()).Error("sign-up failed", "error", err)
			writeAuthError(w, http.StatusInternalServerError, "sign-up failed")
		}
		return
	}

	h.respondSignedIn(w, r, http.StatusCreated, identity)
}

// HandleSignIn verifies credentials. Concurrent submissions of the same
// credentials share one verification.
func (h *Handler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decodeJSON(w, r, &creds); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds.Email = normalizeEmail(creds.Email)

	v, err, _ := h.signIns.Do(signInKey(creds), func() (any, error) {
		return h.accounts.SignIn(context.WithoutCancel(r.Context()), creds)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeAuthError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		telemetry.FromContext(r.Context()).Error("sign-in failed", "error", err)
		writeAuthError(w, http.StatusInternalServerError, "sign-in failed")
		return
	}

	h.respondSignedIn(w, r, http.StatusOK, v.(*Identity))
}

func signInKey(creds Credentials) string {
	sum := sha256.Sum256([]byte(creds.Email + "\x00" + creds.Password))
	return hex.EncodeToString(sum[:])
}

func (h *Handler) respondSignedIn(w http.ResponseWriter, r *http.Request, status int, identity *Identity) {
	// Concurrent sign-ins share identity; each gets its own session.
	session := *identity
	pair, err := h.openSession(r.Context(), &session)
	if err != nil {
		telemetry.FromContext(r.Context()).Error("token creation failed", "error", err)
		writeAuthError(w, http.StatusInternalServerError, "token creation failed")
		return
	}

	h.broker.Publish(SessionEvent{Type: EventSignedIn, UserID: identity.UserID})
	writeJSON(w, status, authResponse{TokenPair: pair, User: &session})
}

// openSession starts a token family for identity and issues its first pair.
func (h *Handler) openSession(ctx context.Context, identity *Identity) (*TokenPair, error) {
	if h.sessions == nil {
		return h.tokenSvc.IssuePair(identity)
	}

	familyID, err := h.sessions.CreateFamily(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	identity.SessionID, identity.Generation = familyID, 1

	pair, err := h.tokenSvc.IssuePair(identity)
	if err != nil {
		return nil, err
	}
	if err := h.sessions.SetInitialTokenHash(ctx, familyID, HashToken(pair.RefreshToken)); err != nil {
		return nil, err
	}
	return pair, nil
}

// HandleSignOut ends the caller's session and notifies its open event streams.
func (h *Handler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	if err := h.accounts.SignOut(r.Context(), identity); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		telemetry.FromContext(r.Context()).Error("sign-out failed", "error", err)
		writeAuthError(w, http.StatusInternalServerError, "sign-out failed")
		return
	}
	h.broker.Publish(SessionEvent{Type: EventSignedOut, UserID: identity.UserID})
	w.WriteHeader(http.StatusNoContent)
}

// HandleResetPassword always answers 202 so callers cannot test for
// registered emails.
func (h *Handler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.Email == "" {
		writeAuthError(w, http.StatusBadRequest, "email is required")
		return
	}

	token, err := h.accounts.ResetPassword(r.Context(), req.Email)
	if err != nil {
		telemetry.FromContext(r.Context()).Error("password reset failed", "error", err)
		writeAuthError(w, http.StatusInternalServerError, "password reset failed")
		return
	}

	resp := map[string]string{"status": "reset requested"}
	if h.exposeResetToken && token != "" {
		resp["reset_token"] = token
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// HandleConfirmReset sets a new password using a reset token.
func (h *Handler) HandleConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.Token == "" {
		writeAuthError(w, http.StatusBadRequest, "token and password are required")
		return
	}

	err := h.accounts.ConfirmReset(r.Context(), req.Token, req.Password)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrResetTokenInvalid):
		writeAuthError(w, http.StatusBadRequest, "reset token invalid or expired")
	case errors.Is(err, ErrInvalidCredentials):
		writeAuthError(w, http.StatusBadRequest, err.Error())
	default:
		telemetry.FromContext(r.Context()).Error("password reset confirmation failed", "error", err)
		writeAuthError(w, http.StatusInternalServerError, "password reset failed")
	}
}

// HandleRefresh exchanges a refresh token for a new token pair.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	identity, err := h.tokenSvc.ValidateToken(req.RefreshToken)
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	if identity.TokenType != "refresh" {
		writeAuthError(w, http.StatusUnauthorized, "refresh token required")
		return
	}

	if h.sessions == nil {
		pair, err := h.tokenSvc.IssuePair(identity)
		if err != nil {
			writeAuthError(w, http.StatusInternalServerError, "token creation failed")
			return
		}
		writeJSON(w, http.StatusOK, pair)
		return
	}

	if identity.SessionID == "" {
		writeAuthError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	next := *identity
	next.Generation = identity.Generation + 1
	pair, err := h.tokenSvc.IssuePair(&next)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "token creation failed")
		return
	}

	_, err = h.sessions.RotateToken(r.Context(), identity.SessionID,
		HashToken(req.RefreshToken), identity.Generation, HashToken(pair.RefreshToken))
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenReuse):
			telemetry.FromContext(r.Context()).Warn("refresh token reuse, session revoked",
				"user_id", identity.UserID, "session_id", identity.SessionID)
			h.broker.Publish(SessionEvent{Type: EventSignedOut, UserID: identity.UserID})
			writeAuthError(w, http.StatusUnauthorized, "session ended")
		case errors.Is(err, ErrFamilyRevoked), errors.Is(err, ErrFamilyNotFound):
			writeAuthError(w, http.StatusUnauthorized, "session ended")
		default:
			telemetry.FromContext(r.Context()).Error("rotating refresh token", "error", err)
			writeAuthError(w, http.StatusInternalServerError, "token refresh failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

// decodeJSON reads one JSON object from a body capped at maxBodyBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
