// Package session holds the console's authentication lifecycle: the current
// user, the tenants they may access, the active tenant selection, and
// permission evaluation. It persists exactly two values across restarts (the
// bearer token and the selected tenant id); everything else is re-derived
// from the authentication backend.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nimbus-cloud/nimbus-console/internal/platform/kv"
)

// Persisted store keys. Only the manager writes these.
const (
	KeyToken          = "auth.token"
	KeySelectedTenant = "auth.tenant"
)

// AuthService is the boundary to the external authentication backend. All
// calls are potentially slow network calls; none may be assumed synchronous.
type AuthService interface {
	// Login exchanges credentials for a user and an opaque bearer token.
	// Rejected credentials resolve to ErrInvalidCredentials.
	Login(ctx context.Context, email, password string) (*User, string, error)
	// VerifyToken resolves a stored token back to its user, or
	// ErrInvalidToken when the backend no longer accepts it.
	VerifyToken(ctx context.Context, token string) (*User, error)
	// GetUserTenants lists the tenants the user may access, in backend order.
	GetUserTenants(ctx context.Context, userID string) ([]Tenant, error)
	// CheckHealth reports whether the backend is reachable.
	CheckHealth(ctx context.Context) bool
}

// Config tunes manager behavior.
type Config struct {
	// PermissiveWhenUnconfigured makes HasPermission grant everything to a
	// user whose permission list is empty. This mirrors a development-time
	// convenience in the original console and is unsafe outside development;
	// it defaults to off.
	PermissiveWhenUnconfigured bool
	// FallbackTenantID is used to synthesize a tenant for an authenticated
	// user whose accessible tenant list comes back empty and who has no
	// primary assignment. Defaults to FallbackTenantID.
	FallbackTenantID string
	// DefaultPermissions is assigned to users arriving without an explicit
	// permission list. Defaults to DefaultPermissions. Set to an empty
	// non-nil slice to disable defaulting.
	DefaultPermissions []string
}

// Manager owns the session state. Construct one per process with NewManager;
// tests may construct as many independent instances as they need.
type Manager struct {
	auth   AuthService
	store  kv.Store
	logger *slog.Logger
	events Sink
	cfg    Config

	health singleflight.Group

	mu       sync.RWMutex
	gen      uint64
	user     *User
	tenants  []Tenant
	selected *Tenant
	conn     ConnectionState
	loading  bool
}

// NewManager constructs a Manager. The events sink may be nil.
func NewManager(auth AuthService, store kv.Store, logger *slog.Logger, events Sink, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = nopSink{}
	}
	if cfg.FallbackTenantID == "" {
		cfg.FallbackTenantID = FallbackTenantID
	}
	if cfg.DefaultPermissions == nil {
		cfg.DefaultPermissions = DefaultPermissions
	}
	return &Manager{
		auth:   auth,
		store:  store,
		logger: logger,
		events: events,
		cfg:    cfg,
		conn:   ConnectionUnknown,
	}
}

// Snapshot returns a copy of the current session state. Callers must treat a
// nil User as "render a logged-out view" and must not assume Tenants is
// non-empty until Loading is false.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		User:           cloneUser(m.user),
		Tenants:        append([]Tenant(nil), m.tenants...),
		SelectedTenant: cloneTenant(m.selected),
		Connection:     m.conn,
		Loading:        m.loading,
	}
}

// Init restores the session after a restart: health check, token restore,
// verify, tenant selection. A failed health check leaves the session
// unauthenticated in silent degraded mode; callers distinguish "no user"
// from "server down" via the connection state. A rejected stored token is
// cleared and the session finishes unauthenticated without surfacing an
// error.
func (m *Manager) Init(ctx context.Context) error {
	gen := m.begin()

	if !m.CheckServerConnection(ctx) {
		m.settle(gen)
		return nil
	}

	token, ok, err := m.store.Get(ctx, KeyToken)
	if err != nil {
		m.logger.Warn("session: read stored token", slog.Any("error", err))
		ok = false
	}
	if !ok || token == "" {
		m.settle(gen)
		m.events.Emit(Event{Kind: EventInitialized, Connection: m.Snapshot().Connection, At: time.Now()})
		return nil
	}

	user, err := m.auth.VerifyToken(ctx, token)
	if err != nil || user == nil {
		// Reload-time auto-logout: the token is stale, drop it quietly.
		m.logger.Info("session: stored token rejected, clearing")
		m.clearPersisted(ctx)
		m.settle(gen)
		m.events.Emit(Event{Kind: EventInitialized, At: time.Now()})
		return nil
	}
	m.applyDefaultPermissions(user)

	tenants, selected, err := m.resolveTenants(ctx, user)
	if err != nil {
		// Keep the token so the next restart can retry; finish unauthenticated.
		m.settle(gen)
		return fmt.Errorf("session: init tenants: %w", err)
	}
	if m.stale(gen) {
		return nil
	}
	if err := m.store.Set(ctx, KeySelectedTenant, selected.ID); err != nil {
		m.logger.Warn("session: persist tenant selection", slog.Any("error", err))
	}

	if m.commit(gen, user, tenants, selected) {
		m.events.Emit(Event{Kind: EventInitialized, UserID: user.ID, TenantID: selected.ID, At: time.Now()})
	}
	return nil
}

// Login authenticates with the backend and adopts the resulting session. On
// any failure the in-memory session is left exactly as it was: failures are
// ErrServerUnavailable, ErrInvalidCredentials, or a wrapped unknown error.
// Safe to call while already authenticated; the session is overwritten.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	gen := m.begin()

	if !m.CheckServerConnection(ctx) {
		m.settle(gen)
		return ErrServerUnavailable
	}

	user, token, err := m.auth.Login(ctx, email, password)
	if err != nil {
		m.settle(gen)
		return err
	}
	m.applyDefaultPermissions(user)

	tenants, selected, err := m.resolveTenants(ctx, user)
	if err != nil {
		// Nothing has been persisted yet: a login the caller saw fail must
		// not complete itself on the next restart.
		m.settle(gen)
		return fmt.Errorf("session: load tenants: %w", err)
	}
	if m.stale(gen) {
		return nil
	}
	if err := m.store.Set(ctx, KeyToken, token); err != nil {
		m.settle(gen)
		return fmt.Errorf("session: persist token: %w", err)
	}
	if err := m.store.Set(ctx, KeySelectedTenant, selected.ID); err != nil {
		m.logger.Warn("session: persist tenant selection", slog.Any("error", err))
	}

	if m.commit(gen, user, tenants, selected) {
		m.events.Emit(Event{Kind: EventLoggedIn, UserID: user.ID, TenantID: selected.ID, At: time.Now()})
	}
	return nil
}

// Logout clears the session and both persisted keys. Idempotent; always
// succeeds. In-flight Init/Login results are superseded and discarded.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	wasAuthenticated := m.user != nil
	userID := ""
	if m.user != nil {
		userID = m.user.ID
	}
	m.gen++
	m.user = nil
	m.tenants = nil
	m.selected = nil
	m.loading = false
	m.mu.Unlock()

	m.clearPersisted(ctx)
	if wasAuthenticated {
		m.events.Emit(Event{Kind: EventLoggedOut, UserID: userID, At: time.Now()})
	}
}

// SwitchTenant selects a tenant from the accessible list and persists the
// choice. Switching to an unknown tenant is a logged no-op; the current
// selection is never corrupted.
func (m *Manager) SwitchTenant(ctx context.Context, tenantID string) error {
	gen := m.begin()

	m.mu.Lock()
	var target *Tenant
	for i := range m.tenants {
		if m.tenants[i].ID == tenantID {
			t := m.tenants[i]
			target = &t
			break
		}
	}
	if target == nil {
		if m.gen == gen {
			m.loading = false
		}
		m.mu.Unlock()
		m.logger.Warn("session: switch to unknown tenant ignored", slog.String("tenant_id", tenantID))
		return nil
	}
	if m.gen == gen {
		m.selected = target
		m.loading = false
	}
	userID := ""
	if m.user != nil {
		userID = m.user.ID
	}
	m.mu.Unlock()

	if err := m.store.Set(ctx, KeySelectedTenant, target.ID); err != nil {
		m.logger.Warn("session: persist tenant selection", slog.Any("error", err))
	}
	m.events.Emit(Event{Kind: EventTenantSwitched, UserID: userID, TenantID: target.ID, At: time.Now()})
	return nil
}

// HasPermission evaluates the named permission against the current session.
// Pure read, no I/O. False when logged out; admin and msp roles satisfy
// every check; an empty permission list grants everything only when
// PermissiveWhenUnconfigured is set. Names match exactly, no case folding.
func (m *Manager) HasPermission(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return false
	}
	if m.user.Role == RoleAdmin || m.user.Role == RoleMSP {
		return true
	}
	if len(m.user.Permissions) == 0 {
		return m.cfg.PermissiveWhenUnconfigured
	}
	for _, p := range m.user.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// CheckServerConnection probes the backend, updates the connection state and
// returns the result. Callable at any time, including before login.
// Concurrent probes collapse into a single upstream call.
func (m *Manager) CheckServerConnection(ctx context.Context) bool {
	result, _, _ := m.health.Do("health", func() (any, error) {
		return m.auth.CheckHealth(ctx), nil
	})
	healthy, _ := result.(bool)

	next := ConnectionDisconnected
	if healthy {
		next = ConnectionConnected
	}
	m.mu.Lock()
	changed := m.conn != next
	m.conn = next
	m.mu.Unlock()
	if changed {
		m.events.Emit(Event{Kind: EventConnectionChange, Connection: next, At: time.Now()})
	}
	return healthy
}

// begin starts an async operation: bumps the generation so slower in-flight
// operations become stale, and raises the loading flag.
func (m *Manager) begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.loading = true
	return m.gen
}

// stale reports whether a newer operation has superseded gen.
func (m *Manager) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen != gen
}

// settle lowers the loading flag without touching session state, unless a
// newer operation has taken over the flag.
func (m *Manager) settle(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		m.loading = false
	}
}

// commit installs a fully resolved session if the operation is still
// current. Stale results are discarded so a slow superseded call never
// overwrites newer state.
func (m *Manager) commit(gen uint64, user *User, tenants []Tenant, selected *Tenant) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		m.logger.Debug("session: discarding superseded operation result")
		return false
	}
	m.user = user
	m.tenants = tenants
	m.selected = selected
	m.loading = false
	return true
}

// resolveTenants loads the user's tenants and picks the selection: the
// persisted tenant id wins, then the primary assignment, then the first
// entry. An empty list yields one synthesized fallback tenant so an
// authenticated session always has a selection.
func (m *Manager) resolveTenants(ctx context.Context, user *User) ([]Tenant, *Tenant, error) {
	tenants, err := m.auth.GetUserTenants(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(tenants) == 0 {
		fallback := m.fallbackTenant(user)
		m.logger.Info("session: no accessible tenants, synthesizing fallback",
			slog.String("user_id", user.ID), slog.String("tenant_id", fallback.ID))
		return []Tenant{fallback}, &fallback, nil
	}

	rememberedID, _, err := m.store.Get(ctx, KeySelectedTenant)
	if err != nil {
		m.logger.Warn("session: read remembered tenant", slog.Any("error", err))
		rememberedID = ""
	}
	if t := findTenant(tenants, rememberedID); t != nil {
		return tenants, t, nil
	}
	if t := findTenant(tenants, user.PrimaryTenantID()); t != nil {
		return tenants, t, nil
	}
	first := tenants[0]
	return tenants, &first, nil
}

func (m *Manager) fallbackTenant(user *User) Tenant {
	id := user.PrimaryTenantID()
	if id == "" {
		id = m.cfg.FallbackTenantID
	}
	return Tenant{ID: id, Name: id, CreatedAt: time.Now().UTC()}
}

func (m *Manager) applyDefaultPermissions(user *User) {
	if user == nil || len(user.Permissions) > 0 {
		return
	}
	user.Permissions = append([]string(nil), m.cfg.DefaultPermissions...)
}

func (m *Manager) clearPersisted(ctx context.Context) {
	if err := m.store.Clear(ctx, KeyToken, KeySelectedTenant); err != nil {
		m.logger.Warn("session: clear persisted state", slog.Any("error", err))
	}
}

func findTenant(tenants []Tenant, id string) *Tenant {
	if id == "" {
		return nil
	}
	for i := range tenants {
		if tenants[i].ID == id {
			t := tenants[i]
			return &t
		}
	}
	return nil
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	clone := *u
	clone.Permissions = append([]string(nil), u.Permissions...)
	clone.TenantRoles = append([]TenantRole(nil), u.TenantRoles...)
	return &clone
}

func cloneTenant(t *Tenant) *Tenant {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
