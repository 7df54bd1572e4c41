package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/crmgate/crmgate/internal/platform/telemetry"
)

// TokenValidator validates a raw JWT string and returns the identity.
type TokenValidator interface {
	ValidateToken(token string) (*Identity, error)
}

const eventWriteTimeout = 5 * time.Second

// EventsHandler streams SessionEvents over a websocket.
type EventsHandler struct {
	tokens         TokenValidator
	sessions       SessionChecker
	broker         *Broker
	originPatterns []string
}

func NewEventsHandler(tokens TokenValidator, broker *Broker, originPatterns []string) *EventsHandler {
	return &EventsHandler{tokens: tokens, broker: broker, originPatterns: originPatterns}
}

// WithSessions makes the handler refuse tokens of ended sessions.
func (h *EventsHandler) WithSessions(sessions SessionChecker) *EventsHandler {
	h.sessions = sessions
	return h
}

// HandleEvents authenticates via the access_token query parameter since
// browsers cannot set headers on a websocket upgrade.
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	rawToken := r.URL.Query().Get("access_token")
	if rawToken == "" {
		writeAuthError(w, http.StatusUnauthorized, "missing access_token")
		return
	}

	identity, err := h.tokens.ValidateToken(rawToken)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			writeAuthError(w, http.StatusUnauthorized, "token expired")
		} else {
			writeAuthError(w, http.StatusUnauthorized, "invalid token")
		}
		return
	}
	if identity.TokenType != "access" {
		writeAuthError(w, http.StatusUnauthorized, "invalid token type")
		return
	}
	if h.sessions != nil && identity.SessionID != "" {
		active, err := h.sessions.IsActive(r.Context(), identity.SessionID)
		if err != nil || !active {
			writeAuthError(w, http.StatusUnauthorized, "session ended")
			return
		}
	}

	opts := &websocket.AcceptOptions{}
	if len(h.originPatterns) > 0 {
		opts.OriginPatterns = h.originPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		telemetry.FromContext(r.Context()).Error("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Long-lived connection: lift the server write deadline.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	events, cancel := h.broker.Subscribe(identity.UserID)
	defer cancel()

	// Clients only listen; CloseRead cancels ctx once they go away.
	ctx := conn.CloseRead(r.Context())
	h.stream(ctx, conn, events)
}

func (h *EventsHandler) stream(ctx context.Context, conn *websocket.Conn, events <-chan SessionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				return
			}
			if evt.Type == EventSignedOut {
				_ = conn.Close(websocket.StatusNormalClosure, "signed out")
				return
			}
		}
	}
}
