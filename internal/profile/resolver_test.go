package profile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/profile"
)

type memBackend struct {
	mu        sync.Mutex
	profiles  map[string]*profile.Profile
	creates   atomic.Int32
	gets      atomic.Int32
	getErr    error
	createErr error
	// stealOnCreate simulates another process inserting first.
	stealOnCreate bool
	createDelay   time.Duration
}

func newMemBackend() *memBackend {
	return &memBackend{profiles: map[string]*profile.Profile{}}
}

func (m *memBackend) Get(_ context.Context, id string) (*profile.Profile, error) {
	m.gets.Add(1)
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memBackend) Create(_ context.Context, np profile.NewProfile) (*profile.Profile, error) {
	m.creates.Add(1)
	time.Sleep(m.createDelay)
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stealOnCreate {
		name := "created elsewhere"
		m.profiles[np.ID] = &profile.Profile{ID: np.ID, Name: &name, Level: auth.LevelUser}
		return nil, profile.ErrConflict
	}
	if _, ok := m.profiles[np.ID]; ok {
		return nil, profile.ErrConflict
	}
	name := np.Name
	p := &profile.Profile{ID: np.ID, Name: &name, Level: auth.LevelUser}
	if np.Email != "" {
		email := np.Email
		p.Email = &email
	}
	m.profiles[np.ID] = p
	cp := *p
	return &cp, nil
}

func session(id, email, display string) auth.Session {
	return auth.Session{Identity: &auth.Identity{UserID: id, Email: email, DisplayName: display}}
}

func TestResolve_NewIdentityGetsUserProfile(t *testing.T) {
	backend := newMemBackend()
	r := profile.NewResolver(backend, nil)

	p, err := r.Resolve(context.Background(), session("u9", "u9@acme.com.br", ""))
	require.NoError(t, err)

	assert.Equal(t, "u9", p.ID)
	assert.Equal(t, auth.LevelUser, p.Level)
	assert.Nil(t, p.TenantID)
	assert.Equal(t, "u9", p.DisplayName())
	assert.NotEmpty(t, p.DisplayName())
}

func TestResolve_ExistingProfileIsReturnedUnchanged(t *testing.T) {
	backend := newMemBackend()
	name := "Ana"
	tenant := "t-acme"
	backend.profiles["u1"] = &profile.Profile{ID: "u1", Name: &name, Level: auth.LevelAdmin, TenantID: &tenant}
	r := profile.NewResolver(backend, nil)

	p, err := r.Resolve(context.Background(), session("u1", "ana@acme.com.br", "Different"))
	require.NoError(t, err)
	assert.Equal(t, auth.LevelAdmin, p.Level)
	assert.Equal(t, "Ana", p.DisplayName())
	assert.Equal(t, "t-acme", p.Tenant())
	assert.Equal(t, int32(0), backend.creates.Load())
}

func TestResolve_Idempotent(t *testing.T) {
	backend := newMemBackend()
	r := profile.NewResolver(backend, nil)

	first, err := r.Resolve(context.Background(), session("u9", "", "Bruno"))
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), session("u9", "", "Bruno"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), backend.creates.Load())
	assert.Len(t, backend.profiles, 1)
}

func TestResolve_ConcurrentFirstAccessCreatesOnce(t *testing.T) {
	backend := newMemBackend()
	backend.createDelay = 20 * time.Millisecond
	r := profile.NewResolver(backend, nil)

	var wg sync.WaitGroup
	results := make([]*profile.Profile, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), session("u9", "u9@acme.com.br", ""))
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "u9", results[i].ID)
	}
	assert.Len(t, backend.profiles, 1)
}

func TestResolve_ConflictRefetches(t *testing.T) {
	backend := newMemBackend()
	backend.stealOnCreate = true
	r := profile.NewResolver(backend, nil)

	p, err := r.Resolve(context.Background(), session("u9", "", ""))
	require.NoError(t, err)
	assert.Equal(t, "created elsewhere", p.DisplayName())
	assert.Equal(t, int32(2), backend.gets.Load())
}

func TestResolve_FetchErrorIsReturned(t *testing.T) {
	backend := newMemBackend()
	backend.getErr = errors.New("connection reset")
	r := profile.NewResolver(backend, nil)

	_, err := r.Resolve(context.Background(), session("u9", "", ""))
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, int32(0), backend.creates.Load())
}

func TestResolve_CreateErrorIsReturned(t *testing.T) {
	backend := newMemBackend()
	backend.createErr = errors.New("disk full")
	r := profile.NewResolver(backend, nil)

	_, err := r.Resolve(context.Background(), session("u9", "", ""))
	assert.ErrorContains(t, err, "disk full")
}

func TestResolve_NoIdentity(t *testing.T) {
	r := profile.NewResolver(newMemBackend(), nil)
	_, err := r.Resolve(context.Background(), auth.Session{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestDeriveName(t *testing.T) {
	cases := []struct {
		identity *auth.Identity
		want     string
	}{
		{&auth.Identity{DisplayName: "  Ana Souza ", Email: "ana@acme.com.br"}, "Ana Souza"},
		{&auth.Identity{Email: "bruno.lima@acme.com.br"}, "bruno.lima"},
		{&auth.Identity{Email: "@acme.com.br"}, profile.FallbackName},
		{&auth.Identity{}, profile.FallbackName},
		{nil, profile.FallbackName},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, profile.DeriveName(tc.identity))
	}
	assert.Equal(t, "Usuário", profile.FallbackName)
}
