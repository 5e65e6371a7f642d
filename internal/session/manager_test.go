package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbus-cloud/nimbus-console/internal/platform/kv"
	"github.com/nimbus-cloud/nimbus-console/internal/session"
	_ "github.com/nimbus-cloud/nimbus-console/testing"
)

type fakeAuth struct {
	mu      sync.Mutex
	healthy bool

	email    string
	password string
	token    string
	user     session.User

	tokens     map[string]session.User
	tenants    []session.Tenant
	tenantsErr error

	loginStarted chan struct{}
	loginRelease chan struct{}
}

func (f *fakeAuth) Login(ctx context.Context, email, password string) (*session.User, string, error) {
	if f.loginStarted != nil {
		close(f.loginStarted)
		f.loginStarted = nil
		<-f.loginRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if email != f.email || password != f.password {
		return nil, "", session.ErrInvalidCredentials
	}
	u := f.user
	return &u, f.token, nil
}

func (f *fakeAuth) VerifyToken(ctx context.Context, token string) (*session.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.tokens[token]
	if !ok {
		return nil, session.ErrInvalidToken
	}
	copied := u
	return &copied, nil
}

func (f *fakeAuth) GetUserTenants(ctx context.Context, userID string) ([]session.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tenantsErr != nil {
		return nil, f.tenantsErr
	}
	return append([]session.Tenant(nil), f.tenants...), nil
}

func (f *fakeAuth) CheckHealth(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeAuth) setHealthy(v bool) {
	f.mu.Lock()
	f.healthy = v
	f.mu.Unlock()
}

func twoTenants() []session.Tenant {
	return []session.Tenant{
		{ID: "t1", Name: "Tenant One", CreatedAt: time.Now().UTC()},
		{ID: "t2", Name: "Tenant Two", CreatedAt: time.Now().UTC()},
	}
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		healthy:  true,
		email:    "a@b.com",
		password: "pw",
		token:    "tok-login",
		user: session.User{
			ID:    "u1",
			Name:  "Ada",
			Email: "a@b.com",
			Role:  session.RoleUser,
			TenantRoles: []session.TenantRole{
				{TenantID: "t2", Role: "operator", Primary: true},
			},
		},
		tokens:  map[string]session.User{},
		tenants: twoTenants(),
	}
}

func requireInvariants(t *testing.T, snap session.Snapshot) {
	t.Helper()
	if snap.User == nil {
		require.Nil(t, snap.SelectedTenant)
		require.Empty(t, snap.Tenants)
	}
	if snap.SelectedTenant != nil {
		found := false
		for _, tenant := range snap.Tenants {
			if tenant.ID == snap.SelectedTenant.ID {
				found = true
			}
		}
		require.True(t, found, "selected tenant must be element of accessible tenants")
	}
	require.False(t, snap.Loading, "loading must be false on every settled state")
}

func TestLoginSwitchLogoutInvariants(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	store := kv.NewMemory()
	mgr := session.NewManager(auth, store, nil, nil, session.Config{})

	require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))
	snap := mgr.Snapshot()
	requireInvariants(t, snap)
	require.NotNil(t, snap.User)
	require.Equal(t, "u1", snap.User.ID)
	require.Len(t, snap.Tenants, 2)
	// Primary assignment wins when nothing is remembered.
	require.Equal(t, "t2", snap.SelectedTenant.ID)

	require.NoError(t, mgr.SwitchTenant(ctx, "t1"))
	snap = mgr.Snapshot()
	requireInvariants(t, snap)
	require.Equal(t, "t1", snap.SelectedTenant.ID)

	mgr.Logout(ctx)
	snap = mgr.Snapshot()
	requireInvariants(t, snap)
	require.Nil(t, snap.User)
}

func TestSwitchTenantUnknownIDIsNoOp(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	mgr := session.NewManager(auth, kv.NewMemory(), nil, nil, session.Config{})
	require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))

	before := mgr.Snapshot()
	require.NoError(t, mgr.SwitchTenant(ctx, "nope"))
	after := mgr.Snapshot()
	requireInvariants(t, after)
	require.Equal(t, before.SelectedTenant.ID, after.SelectedTenant.ID)
}

func TestLogoutClearsPersistedState(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	store := kv.NewMemory()
	mgr := session.NewManager(auth, store, nil, nil, session.Config{})
	require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))

	_, ok, err := store.Get(ctx, session.KeyToken)
	require.NoError(t, err)
	require.True(t, ok)

	mgr.Logout(ctx)

	_, ok, err = store.Get(ctx, session.KeyToken)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = store.Get(ctx, session.KeySelectedTenant)
	require.NoError(t, err)
	require.False(t, ok)

	// Idempotent.
	mgr.Logout(ctx)
	requireInvariants(t, mgr.Snapshot())
}

func TestHasPermissionLoggedOut(t *testing.T) {
	mgr := session.NewManager(newFakeAuth(), kv.NewMemory(), nil, nil, session.Config{})
	require.False(t, mgr.HasPermission("view:dashboard"))
	require.False(t, mgr.HasPermission("anything"))
}

func TestHasPermissionRoleBypass(t *testing.T) {
	ctx := context.Background()
	for _, role := range []session.Role{session.RoleAdmin, session.RoleMSP} {
		auth := newFakeAuth()
		auth.user.Role = role
		auth.user.Permissions = []string{"view:dashboard"}
		mgr := session.NewManager(auth, kv.NewMemory(), nil, nil, session.Config{})
		require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))
		require.True(t, mgr.HasPermission("manage:templates"), "role %s must satisfy every check", role)
	}
}

func TestHasPermissionExplicitList(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	auth.user.Permissions = []string{"view:dashboard"}
	mgr := session.NewManager(auth, kv.NewMemory(), nil, nil, session.Config{})
	require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))

	require.True(t, mgr.HasPermission("view:dashboard"))
	require.False(t, mgr.HasPermission("manage:templates"))
	// Membership is exact: casing variants are distinct names.
	require.False(t, mgr.HasPermission("VIEW:DASHBOARD"))
	require.False(t, mgr.HasPermission("view:dashboard "))
}

func TestHasPermissionDefaultingAndPermissiveMode(t *testing.T) {
	ctx := context.Background()

	// Users arriving without permissions get the built-in default set.
	auth := newFakeAuth()
	mgr := session.NewManager(auth, kv.NewMemory(), nil, nil, session.Config{})
	require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))
	require.True(t, mgr.HasPermission("view:dashboard"))
	require.False(t, mgr.HasPermission("manage:tenants"))

	// Defaulting disabled, permissive mode off: everything denied.
	auth = newFakeAuth()
	mgr = session.NewManager(auth, kv.NewMemory(), nil, nil, session.Config{
		DefaultPermissions: []string{},
	})
	require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))
	require.False(t, mgr.HasPermission("view:dashboard"))

	// Defaulting disabled, permissive mode on: everything granted.
	auth = newFakeAuth()
	mgr = session.NewManager(auth, kv.NewMemory(), nil, nil, session.Config{
		DefaultPermissions:         []string{},
		PermissiveWhenUnconfigured: true,
	})
	require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))
	require.True(t, mgr.HasPermission("manage:anything"))
}

func TestLoginServerUnavailable(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	auth.setHealthy(false)
	store := kv.NewMemory()
	mgr := session.NewManager(auth, store, nil, nil, session.Config{})

	err := mgr.Login(ctx, "a@b.com", "pw")
	require.ErrorIs(t, err, session.ErrServerUnavailable)

	snap := mgr.Snapshot()
	requireInvariants(t, snap)
	require.Nil(t, snap.User)
	require.Equal(t, session.ConnectionDisconnected, snap.Connection)

	_, ok, err := store.Get(ctx, session.KeyToken)
	require.NoError(t, err)
	require.False(t, ok, "no token may be persisted on a failed login")
}

func TestLoginInvalidCredentialsLeavesSessionUnchanged(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	mgr := session.NewManager(auth, kv.NewMemory(), nil, nil, session.Config{})
	require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))
	before := mgr.Snapshot()

	err := mgr.Login(ctx, "a@b.com", "wrong")
	require.ErrorIs(t, err, session.ErrInvalidCredentials)

	after := mgr.Snapshot()
	requireInvariants(t, after)
	require.Equal(t, before.User.ID, after.User.ID)
	require.Equal(t, before.SelectedTenant.ID, after.SelectedTenant.ID)
}

func TestLoginTenantLoadFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	auth.tenantsErr = errors.New("tenant service down")
	store := kv.NewMemory()
	mgr := session.NewManager(auth, store, nil, nil, session.Config{})

	require.Error(t, mgr.Login(ctx, "a@b.com", "pw"))

	snap := mgr.Snapshot()
	requireInvariants(t, snap)
	require.Nil(t, snap.User)

	// A restart must not silently complete the login the caller saw fail.
	_, ok, err := store.Get(ctx, session.KeyToken)
	require.NoError(t, err)
	require.False(t, ok)

	mgr2 := session.NewManager(auth, store, nil, nil, session.Config{})
	require.NoError(t, mgr2.Init(ctx))
	require.Nil(t, mgr2.Snapshot().User)
}

func TestInitRemembersSelectedTenantOverPrimary(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	auth.tokens["tok-1"] = session.User{
		ID:   "u1",
		Role: session.RoleUser,
		TenantRoles: []session.TenantRole{
			{TenantID: "t2", Role: "operator", Primary: true},
		},
	}
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, session.KeyToken, "tok-1"))
	require.NoError(t, store.Set(ctx, session.KeySelectedTenant, "t1"))

	mgr := session.NewManager(auth, store, nil, nil, session.Config{})
	require.NoError(t, mgr.Init(ctx))

	snap := mgr.Snapshot()
	requireInvariants(t, snap)
	require.NotNil(t, snap.User)
	require.Equal(t, "t1", snap.SelectedTenant.ID, "explicit persisted choice wins over primary")
}

func TestInitWithRejectedTokenClearsAndFinishesUnauthenticated(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, session.KeyToken, "tok-stale"))
	require.NoError(t, store.Set(ctx, session.KeySelectedTenant, "t1"))

	mgr := session.NewManager(auth, store, nil, nil, session.Config{})
	require.NoError(t, mgr.Init(ctx), "invalid token must not surface as an error")

	snap := mgr.Snapshot()
	requireInvariants(t, snap)
	require.Nil(t, snap.User)

	_, ok, err := store.Get(ctx, session.KeyToken)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = store.Get(ctx, session.KeySelectedTenant)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInitUnhealthyBackendIsSilentDegradedMode(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	auth.setHealthy(false)
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, session.KeyToken, "tok-1"))

	mgr := session.NewManager(auth, store, nil, nil, session.Config{})
	require.NoError(t, mgr.Init(ctx))

	snap := mgr.Snapshot()
	requireInvariants(t, snap)
	require.Nil(t, snap.User)
	require.Equal(t, session.ConnectionDisconnected, snap.Connection)

	// The token survives; the backend may come back.
	_, ok, err := store.Get(ctx, session.KeyToken)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEmptyTenantListSynthesizesFallback(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	auth.tenants = nil
	mgr := session.NewManager(auth, kv.NewMemory(), nil, nil, session.Config{})
	require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))

	snap := mgr.Snapshot()
	requireInvariants(t, snap)
	require.Len(t, snap.Tenants, 1)
	require.Equal(t, snap.Tenants[0].ID, snap.SelectedTenant.ID)
	// Derived from the user's primary assignment.
	require.Equal(t, "t2", snap.SelectedTenant.ID)
}

func TestEmptyTenantListWithoutPrimaryUsesPlaceholder(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	auth.tenants = nil
	auth.user.TenantRoles = nil
	mgr := session.NewManager(auth, kv.NewMemory(), nil, nil, session.Config{})
	require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))

	snap := mgr.Snapshot()
	requireInvariants(t, snap)
	require.Len(t, snap.Tenants, 1)
	require.Equal(t, session.FallbackTenantID, snap.SelectedTenant.ID)
}

func TestCheckServerConnectionUpdatesState(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	mgr := session.NewManager(auth, kv.NewMemory(), nil, nil, session.Config{})

	require.Equal(t, session.ConnectionUnknown, mgr.Snapshot().Connection)
	require.True(t, mgr.CheckServerConnection(ctx))
	require.Equal(t, session.ConnectionConnected, mgr.Snapshot().Connection)

	auth.setHealthy(false)
	require.False(t, mgr.CheckServerConnection(ctx))
	require.Equal(t, session.ConnectionDisconnected, mgr.Snapshot().Connection)
}

func TestSupersededLoginIsDiscarded(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	auth.loginStarted = make(chan struct{})
	auth.loginRelease = make(chan struct{})
	started := auth.loginStarted

	store := kv.NewMemory()
	mgr := session.NewManager(auth, store, nil, nil, session.Config{})

	done := make(chan error, 1)
	go func() {
		done <- mgr.Login(ctx, "a@b.com", "pw")
	}()

	<-started
	// A logout lands while the login is still in flight.
	mgr.Logout(ctx)
	close(auth.loginRelease)
	require.NoError(t, <-done)

	snap := mgr.Snapshot()
	requireInvariants(t, snap)
	require.Nil(t, snap.User, "a slow superseded login must not overwrite newer state")
	_, ok, err := store.Get(ctx, session.KeyToken)
	require.NoError(t, err)
	require.False(t, ok, "a superseded login must not persist its token")
}

func TestEventsEmitted(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var kinds []session.EventKind
	sink := session.SinkFunc(func(ev session.Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	auth := newFakeAuth()
	mgr := session.NewManager(auth, kv.NewMemory(), nil, sink, session.Config{})
	require.NoError(t, mgr.Login(ctx, "a@b.com", "pw"))
	require.NoError(t, mgr.SwitchTenant(ctx, "t1"))
	mgr.Logout(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, kinds, session.EventConnectionChange)
	require.Contains(t, kinds, session.EventLoggedIn)
	require.Contains(t, kinds, session.EventTenantSwitched)
	require.Contains(t, kinds, session.EventLoggedOut)
}
