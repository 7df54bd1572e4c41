package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmgate/crmgate/internal/auth"
)

type fakeAccounts struct {
	mu         sync.Mutex
	signIns    atomic.Int32
	signInGate chan struct{}
	resets     map[string]string
	identity   *auth.Identity
	err        error
	families   *memFamilies
}

func (f *fakeAccounts) SignUp(_ context.Context, creds auth.Credentials) (*auth.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Identity{UserID: "acc-new", Email: creds.Email, TokenType: "access"}, nil
}

func (f *fakeAccounts) SignIn(_ context.Context, _ auth.Credentials) (*auth.Identity, error) {
	f.signIns.Add(1)
	if f.signInGate != nil {
		<-f.signInGate
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.identity, nil
}

func (f *fakeAccounts) SignOut(_ context.Context, identity *auth.Identity) error {
	if identity == nil {
		return auth.ErrUnauthorized
	}
	if f.families != nil {
		f.families.revoke(identity.SessionID)
	}
	return nil
}

// memFamilies keeps token families in memory with the rotation rules of
// RefreshTokenStore.
type memFamilies struct {
	mu       sync.Mutex
	next     int
	families map[string]*auth.TokenFamily
}

func newMemFamilies() *memFamilies {
	return &memFamilies{families: make(map[string]*auth.TokenFamily)}
}

func (m *memFamilies) CreateFamily(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := "fam-" + strconv.Itoa(m.next)
	m.families[id] = &auth.TokenFamily{ID: id, UserID: userID, CurrentGeneration: 1, CurrentTokenHash: "pending"}
	return id, nil
}

func (m *memFamilies) SetInitialTokenHash(_ context.Context, familyID, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.families[familyID]
	if !ok || f.CurrentTokenHash != "pending" {
		return auth.ErrFamilyNotFound
	}
	f.CurrentTokenHash = tokenHash
	return nil
}

func (m *memFamilies) RotateToken(_ context.Context, familyID, presentedHash string, generation int, newTokenHash string) (*auth.TokenFamily, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.families[familyID]
	switch {
	case !ok:
		return nil, auth.ErrFamilyNotFound
	case f.RevokedAt != nil:
		return nil, auth.ErrFamilyRevoked
	case f.CurrentTokenHash != presentedHash || f.CurrentGeneration != generation:
		now := time.Now()
		f.RevokedAt = &now
		return nil, auth.ErrTokenReuse
	}
	f.CurrentGeneration++
	f.CurrentTokenHash = newTokenHash
	out := *f
	return &out, nil
}

func (m *memFamilies) IsActive(_ context.Context, familyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.families[familyID]
	return ok && f.RevokedAt == nil, nil
}

func (m *memFamilies) revoke(familyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.families[familyID]; ok && f.RevokedAt == nil {
		now := time.Now()
		f.RevokedAt = &now
	}
}

func (f *fakeAccounts) ResetPassword(_ context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets[email], nil
}

func (f *fakeAccounts) ConfirmReset(_ context.Context, token, _ string) error {
	if token != "good-token" {
		return auth.ErrResetTokenInvalid
	}
	return nil
}

func (f *fakeAccounts) CurrentIdentity(ctx context.Context) *auth.Identity {
	return auth.GetIdentity(ctx)
}

func newAuthMux(accounts auth.AccountService, broker *auth.Broker, expose bool) *http.ServeMux {
	h := auth.NewHandler(auth.HandlerConfig{
		Accounts:         accounts,
		TokenSvc:         newTestTokenService(),
		Broker:           broker,
		ExposeResetToken: expose,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, nil)
	return mux
}

func TestHandler_SignUp(t *testing.T) {
	mux := newAuthMux(&fakeAccounts{}, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader(`{"email":"ana@acme.com.br","password":"s3cret-pass"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, "Bearer", body["token_type"])
}

func TestHandler_SignUp_EmailTaken(t *testing.T) {
	mux := newAuthMux(&fakeAccounts{err: auth.ErrEmailTaken}, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader(`{"email":"ana@acme.com.br","password":"s3cret-pass"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_SignIn_PublishesEvent(t *testing.T) {
	broker := auth.NewBroker()
	events, cancel := broker.Subscribe("acc-1")
	defer cancel()

	mux := newAuthMux(&fakeAccounts{identity: &auth.Identity{UserID: "acc-1", TokenType: "access"}}, broker, false)

	req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(`{"email":"ana@acme.com.br","password":"s3cret-pass"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	select {
	case evt := <-events:
		assert.Equal(t, auth.EventSignedIn, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected signed_in event")
	}
}

func TestHandler_SignIn_InvalidCredentials(t *testing.T) {
	mux := newAuthMux(&fakeAccounts{err: auth.ErrInvalidCredentials}, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(`{"email":"ana@acme.com.br","password":"wrong"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_SignIn_CollapsesConcurrentSubmissions(t *testing.T) {
	accounts := &fakeAccounts{
		identity:   &auth.Identity{UserID: "acc-1", TokenType: "access"},
		signInGate: make(chan struct{}),
	}
	mux := newAuthMux(accounts, nil, false)

	const n = 5
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(`{"email":"ana@acme.com.br","password":"s3cret-pass"}`))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			codes[i] = w.Code
		}(i)
	}

	require.Eventually(t, func() bool { return accounts.signIns.Load() == 1 }, time.Second, 5*time.Millisecond)
	// Give the other submissions time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(accounts.signInGate)
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.LessOrEqual(t, accounts.signIns.Load(), int32(n))
	assert.GreaterOrEqual(t, accounts.signIns.Load(), int32(1))
}

func TestHandler_SignOut_RequiresIdentity(t *testing.T) {
	mux := newAuthMux(&fakeAccounts{}, nil, false)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/signout", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_SignOut_PublishesEvent(t *testing.T) {
	broker := auth.NewBroker()
	events, cancel := broker.Subscribe("acc-1")
	defer cancel()
	mux := newAuthMux(&fakeAccounts{}, broker, false)

	req := httptest.NewRequest(http.MethodPost, "/auth/signout", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UserID: "acc-1"}))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, auth.EventSignedOut, (<-events).Type)
}

func TestHandler_ResetPassword_HidesTokenOutsideDevMode(t *testing.T) {
	accounts := &fakeAccounts{resets: map[string]string{"ana@acme.com.br": "raw-token"}}

	for _, expose := range []bool{false, true} {
		mux := newAuthMux(accounts, nil, expose)
		req := httptest.NewRequest(http.MethodPost, "/auth/password/reset", strings.NewReader(`{"email":"ana@acme.com.br"}`))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		var body map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		if expose {
			assert.Equal(t, "raw-token", body["reset_token"])
		} else {
			assert.NotContains(t, body, "reset_token")
		}
	}
}

func TestHandler_ResetPassword_UnknownEmailStillAccepted(t *testing.T) {
	mux := newAuthMux(&fakeAccounts{}, nil, true)

	req := httptest.NewRequest(http.MethodPost, "/auth/password/reset", strings.NewReader(`{"email":"nobody@acme.com.br"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotContains(t, w.Body.String(), "reset_token")
}

func TestHandler_ConfirmReset(t *testing.T) {
	mux := newAuthMux(&fakeAccounts{}, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/auth/password/confirm", strings.NewReader(`{"token":"good-token","password":"new-s3cret"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/auth/password/confirm", strings.NewReader(`{"token":"stale","password":"new-s3cret"}`))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RefreshToken(t *testing.T) {
	tokenSvc := newTestTokenService()
	mux := newAuthMux(&fakeAccounts{}, nil, false)

	refreshToken, err := tokenSvc.CreateRefreshToken(&auth.Identity{UserID: "acc-1", Email: "ana@acme.com.br"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth/token/refresh", strings.NewReader(`{"refresh_token":"`+refreshToken+`"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var pair auth.TokenPair
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pair))

	got, err := tokenSvc.ValidateToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", got.UserID)
	assert.Equal(t, "access", got.TokenType)
}

func TestHandler_RefreshToken_RejectsAccessToken(t *testing.T) {
	tokenSvc := newTestTokenService()
	mux := newAuthMux(&fakeAccounts{}, nil, false)

	accessToken, err := tokenSvc.CreateAccessToken(&auth.Identity{UserID: "acc-1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth/token/refresh", strings.NewReader(`{"refresh_token":"`+accessToken+`"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type sessionFixture struct {
	handler  http.Handler
	families *memFamilies
	broker   *auth.Broker
}

func newSessionFixture() *sessionFixture {
	families := newMemFamilies()
	broker := auth.NewBroker()
	tokenSvc := newTestTokenService()
	h := auth.NewHandler(auth.HandlerConfig{
		Accounts: &fakeAccounts{identity: &auth.Identity{UserID: "acc-1", TokenType: "access"}, families: families},
		TokenSvc: tokenSvc,
		Broker:   broker,
		Sessions: families,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, nil)
	return &sessionFixture{
		handler:  auth.MiddlewareWithSessions(tokenSvc, families, nil)(mux),
		families: families,
		broker:   broker,
	}
}

func (f *sessionFixture) post(t *testing.T, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *sessionFixture) signIn(t *testing.T) auth.TokenPair {
	t.Helper()
	w := f.post(t, "/auth/signin", "", `{"email":"ana@acme.com.br","password":"s3cret-pass"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var pair auth.TokenPair
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pair))
	return pair
}

func TestHandler_SignIn_OpensSession(t *testing.T) {
	f := newSessionFixture()
	pair := f.signIn(t)

	identity, err := newTestTokenService().ValidateToken(pair.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, identity.SessionID)
	assert.Equal(t, 1, identity.Generation)

	family := f.families.families[identity.SessionID]
	require.NotNil(t, family)
	assert.Equal(t, auth.HashToken(pair.RefreshToken), family.CurrentTokenHash)
}

func TestHandler_RefreshAfterSignOutIsRejected(t *testing.T) {
	f := newSessionFixture()
	pair := f.signIn(t)

	assert.Equal(t, http.StatusNoContent, f.post(t, "/auth/signout", pair.AccessToken, "").Code)

	w := f.post(t, "/auth/token/refresh", "", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The access token died with the session.
	assert.Equal(t, http.StatusUnauthorized, f.post(t, "/auth/signout", pair.AccessToken, "").Code)
}

func TestHandler_RefreshRotatesSession(t *testing.T) {
	f := newSessionFixture()
	pair := f.signIn(t)

	w := f.post(t, "/auth/token/refresh", "", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var next auth.TokenPair
	require.NoError(t, json.NewDecoder(w.Body).Decode(&next))

	identity, err := newTestTokenService().ValidateToken(next.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 2, identity.Generation)

	// Both access tokens belong to the live session.
	assert.Equal(t, http.StatusNoContent, f.post(t, "/auth/signout", next.AccessToken, "").Code)
}

func TestHandler_RefreshTokenReuseEndsSession(t *testing.T) {
	f := newSessionFixture()
	events, cancel := f.broker.Subscribe("acc-1")
	defer cancel()

	pair := f.signIn(t)
	<-events // signed_in

	require.Equal(t, http.StatusOK, f.post(t, "/auth/token/refresh", "", `{"refresh_token":"`+pair.RefreshToken+`"}`).Code)

	w := f.post(t, "/auth/token/refresh", "", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, auth.EventSignedOut, (<-events).Type)
	assert.Equal(t, http.StatusUnauthorized, f.post(t, "/auth/signout", pair.AccessToken, "").Code)
}

func TestHandler_RefreshWithoutSessionRejectedWhenTracking(t *testing.T) {
	f := newSessionFixture()

	stateless, err := newTestTokenService().CreateRefreshToken(&auth.Identity{UserID: "acc-1"})
	require.NoError(t, err)

	w := f.post(t, "/auth/token/refresh", "", `{"refresh_token":"`+stateless+`"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_RejectsOversizedBody(t *testing.T) {
	mux := newAuthMux(&fakeAccounts{}, nil, false)

	body := `{"email":"ana@acme.com.br","password":"` + strings.Repeat("x", 11<<10) + `"}`
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
