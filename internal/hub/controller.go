// Package hub implements the account and server lifecycle state machine
// behind the user API: authorization, create/delete/update of accounts, and
// spawn/stop of per-user single-user servers.
package hub

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/akulov/nbhub/internal/auth"
	"github.com/akulov/nbhub/internal/domain"
	"github.com/akulov/nbhub/internal/shared"
	"github.com/akulov/nbhub/internal/spawner"
	"github.com/akulov/nbhub/internal/store"
)

const (
	defaultSlowSpawnWait = 10 * time.Second
	defaultSlowStopWait  = 5 * time.Second

	rollbackBaseDelay = 100 * time.Millisecond
	rollbackMaxDelay  = 2 * time.Second
)

// Granter issues an access credential scoped to a target user's server.
// The API layer binds it to the current response.
type Granter interface {
	Grant(target *domain.User) error
}

// Options configures a Controller. Waits default when zero.
type Options struct {
	// AdminAccessEnabled gates GrantAdminAccess.
	AdminAccessEnabled bool
	// SlowSpawnWait bounds how long a spawn request waits for the server
	// to come up before answering "accepted, still pending".
	SlowSpawnWait time.Duration
	// SlowStopWait is the same bound for stop requests.
	SlowStopWait time.Duration
}

// Controller orchestrates account and server lifecycle transitions. All
// transitions for the same user are serialized on a per-user mutex; the
// pending-flag check-and-set is atomic under it. Transitions for different
// users run in parallel.
type Controller struct {
	repo     store.Repository
	authn    auth.Authenticator
	spawners spawner.Factory
	bus      *eventBus

	adminAccessEnabled bool
	slowSpawnWait      time.Duration
	slowStopWait       time.Duration

	mu     sync.Mutex
	states map[string]*serverState
}

// serverState is the runtime server state of one user. The pending flags
// are mutually exclusive: a stop clears spawnPending before setting
// stopPending. Either flag implies spawner is non-nil.
type serverState struct {
	mu           sync.Mutex
	spawner      spawner.Spawner
	spawnPending bool
	stopPending  bool
	running      bool
	serverURL    string
}

func (st *serverState) status() domain.ServerStatus {
	switch {
	case st.spawnPending:
		return domain.StatusSpawnPending
	case st.stopPending:
		return domain.StatusStopPending
	case st.running:
		return domain.StatusRunning
	default:
		return domain.StatusNoServer
	}
}

// New creates a lifecycle controller.
func New(repo store.Repository, authn auth.Authenticator, spawners spawner.Factory, opts Options) *Controller {
	if opts.SlowSpawnWait <= 0 {
		opts.SlowSpawnWait = defaultSlowSpawnWait
	}
	if opts.SlowStopWait <= 0 {
		opts.SlowStopWait = defaultSlowStopWait
	}
	return &Controller{
		repo:               repo,
		authn:              authn,
		spawners:           spawners,
		bus:                newEventBus(),
		adminAccessEnabled: opts.AdminAccessEnabled,
		slowSpawnWait:      opts.SlowSpawnWait,
		slowStopWait:       opts.SlowStopWait,
		states:             make(map[string]*serverState),
	}
}

// Subscribe returns a channel of lifecycle events and a cancel function.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.bus.subscribe()
}

func (c *Controller) state(name string) *serverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[name]
	if !ok {
		st = &serverState{}
		c.states[name] = st
	}
	return st
}

func (c *Controller) peekState(name string) *serverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[name]
}

func (c *Controller) dropState(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, name)
}

// Render projects a user record together with its runtime server state.
func (c *Controller) Render(user *domain.User) domain.Model {
	st := c.peekState(user.Name)
	if st == nil {
		return domain.Render(user, domain.StatusNoServer, "")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return domain.Render(user, st.status(), st.serverURL)
}

// findUser resolves name to an existing record or a not-found error.
func (c *Controller) findUser(ctx context.Context, name string) (*domain.User, error) {
	user, err := c.repo.FindByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", name, err)
	}
	if user == nil {
		return nil, Errorf(KindNotFound, "user %s not found", name)
	}
	return user, nil
}

// ListUsers returns rendered records for every user. Admin only.
func (c *Controller) ListUsers(ctx context.Context, caller *domain.User) ([]domain.Model, error) {
	if err := Authorize(caller, "", AdminOnly); err != nil {
		return nil, err
	}
	users, err := c.repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	models := make([]domain.Model, 0, len(users))
	for _, u := range users {
		models = append(models, c.Render(u))
	}
	return models, nil
}

// GetUser returns the rendered record for one user. Self or admin.
func (c *Controller) GetUser(ctx context.Context, caller *domain.User, name string) (*domain.Model, error) {
	if err := Authorize(caller, name, SelfOrAdmin); err != nil {
		return nil, err
	}
	user, err := c.findUser(ctx, name)
	if err != nil {
		return nil, err
	}
	m := c.Render(user)
	return &m, nil
}

// CreateUser creates an account and registers it with the authenticator.
// Admin only. If provisioning fails the created record is rolled back.
func (c *Controller) CreateUser(ctx context.Context, caller *domain.User, name string, body []byte) (*domain.Model, error) {
	if err := Authorize(caller, "", AdminOnly); err != nil {
		return nil, err
	}

	existing, err := c.repo.FindByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", name, err)
	}
	if existing != nil {
		return nil, Errorf(KindConflict, "user %s already exists", name)
	}

	if err := domain.ValidateName(name); err != nil {
		return nil, Errorf(KindBadRequest, "invalid username %q: %v", name, err)
	}

	fields := &domain.UserPayload{}
	if len(bytes.TrimSpace(body)) > 0 {
		fields, err = domain.ParseUserPayload(body)
		if err != nil {
			return nil, Errorf(KindBadRequest, "%v", err)
		}
	}

	now := time.Now()
	user := &domain.User{
		Name:         name,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// Apply and persist the admin flag before provisioning.
	if fields.Admin != nil {
		user.Admin = *fields.Admin
	}

	if err := c.repo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create user %s: %w", name, err)
	}

	if err := c.addUserSafe(ctx, user); err != nil {
		slog.Error("Failed to provision user, rolling back", "user", name, "error", err)
		c.rollbackCreate(name)
		return nil, Errorf(KindProvisioningFailed, "failed to create user %s", name)
	}

	c.bus.publish(name, PhaseUserCreated)
	slog.Info("User created", "user", name, "admin", user.Admin, "by", caller.Name)
	m := c.Render(user)
	return &m, nil
}

// DeleteUser removes an account. Admin only, never oneself. A running or
// spawning server is stopped synchronously first; if the stop fails or does
// not complete within the wait window the delete is refused and must be
// retried.
func (c *Controller) DeleteUser(ctx context.Context, caller *domain.User, name string) error {
	if err := Authorize(caller, "", AdminOnly); err != nil {
		return err
	}

	user, err := c.findUser(ctx, name)
	if err != nil {
		return err
	}
	if caller.Name == name {
		return Errorf(KindBadRequest, "cannot delete yourself")
	}

	st := c.state(name)
	st.mu.Lock()
	if st.stopPending {
		st.mu.Unlock()
		return Errorf(KindServerBusy, "%s's server is in the process of stopping, please wait", name)
	}
	if st.spawner != nil {
		// Stop the server before the account goes away. Re-check after
		// the wait window: stop is asynchronous and may still be in
		// flight, in which case the caller must retry.
		result := c.beginStop(st, name)
		st.mu.Unlock()

		select {
		case stopErr := <-result:
			if stopErr != nil {
				return Errorf(KindInternal, "failed to stop %s's server", name)
			}
		case <-time.After(c.slowStopWait):
		}

		st.mu.Lock()
		if st.stopPending {
			st.mu.Unlock()
			return Errorf(KindServerBusy, "%s's server is in the process of stopping, please wait", name)
		}
		// A failed stop clears stopPending but leaves the server up. The
		// account may only go away once the server is fully torn down.
		if st.spawner != nil || st.running {
			st.mu.Unlock()
			return Errorf(KindInternal, "failed to stop %s's server", name)
		}
	}
	st.mu.Unlock()

	if err := c.deleteUserSafe(ctx, user); err != nil {
		slog.Error("Authenticator failed to delete user", "user", name, "error", err)
		return Errorf(KindProvisioningFailed, "failed to delete user %s", name)
	}

	if err := c.repo.Delete(ctx, name); err != nil {
		if err == store.ErrNotFound {
			return Errorf(KindNotFound, "user %s not found", name)
		}
		return fmt.Errorf("delete user %s: %w", name, err)
	}

	c.dropState(name)
	c.bus.publish(name, PhaseUserDeleted)
	slog.Info("User deleted", "user", name, "by", caller.Name)
	return nil
}

// UpdateUser overwrites the provided fields on an existing record. Admin only.
func (c *Controller) UpdateUser(ctx context.Context, caller *domain.User, name string, body []byte) (*domain.Model, error) {
	if err := Authorize(caller, "", AdminOnly); err != nil {
		return nil, err
	}

	user, err := c.findUser(ctx, name)
	if err != nil {
		return nil, err
	}

	fields, err := domain.ParseUserPayload(body)
	if err != nil {
		return nil, Errorf(KindBadRequest, "%v", err)
	}

	if fields.Name != nil && *fields.Name != name {
		if err := domain.ValidateName(*fields.Name); err != nil {
			return nil, Errorf(KindBadRequest, "invalid username %q: %v", *fields.Name, err)
		}
		// Usernames become container and volume names, so a live or
		// pending server pins the old name until it is stopped.
		if st := c.peekState(name); st != nil {
			st.mu.Lock()
			busy := st.spawner != nil || st.spawnPending || st.stopPending
			st.mu.Unlock()
			if busy {
				return nil, Errorf(KindConflict, "cannot rename %s while their server exists, stop it first", name)
			}
		}
		user.Name = *fields.Name
	}
	if fields.Admin != nil {
		user.Admin = *fields.Admin
	}

	if err := c.repo.Save(ctx, name, user); err != nil {
		if err == store.ErrNotFound {
			return nil, Errorf(KindNotFound, "user %s not found", name)
		}
		return nil, fmt.Errorf("save user %s: %w", name, err)
	}

	if user.Name != name {
		c.renameState(name, user.Name)
	}

	c.bus.publish(user.Name, PhaseUserUpdated)
	m := c.Render(user)
	return &m, nil
}

func (c *Controller) renameState(oldName, newName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[oldName]; ok {
		delete(c.states, oldName)
		c.states[newName] = st
	}
}

// SpawnServer starts the user's server. Self or admin. Returns pending=true
// when the spawn is still in flight after the wait window (the caller gets
// 202 and observes progress by polling).
func (c *Controller) SpawnServer(ctx context.Context, caller *domain.User, name string) (pending bool, err error) {
	if err := Authorize(caller, name, SelfOrAdmin); err != nil {
		return false, err
	}
	if _, err := c.findUser(ctx, name); err != nil {
		return false, err
	}

	st := c.state(name)
	st.mu.Lock()
	if st.spawnPending {
		st.mu.Unlock()
		return false, Errorf(KindConflict, "%s's server is already pending spawn", name)
	}
	if st.stopPending {
		st.mu.Unlock()
		return false, Errorf(KindConflict, "%s's server is pending stop", name)
	}
	if st.spawner != nil {
		// Poll is the source of truth: a live process blocks the spawn,
		// an exited one makes a fresh spawn legal.
		code, pollErr := st.spawner.Poll(ctx)
		if pollErr != nil {
			st.mu.Unlock()
			return false, fmt.Errorf("poll %s's server: %w", name, pollErr)
		}
		if code == nil {
			st.mu.Unlock()
			return false, Errorf(KindConflict, "%s's server is already running", name)
		}
		st.running = false
		st.serverURL = ""
	}

	sp := c.spawners.New(name)
	st.spawner = sp
	st.spawnPending = true
	st.mu.Unlock()
	c.bus.publish(name, PhaseSpawnPending)

	result := make(chan error, 1)
	go func() {
		// An in-flight spawn is never cancelled by the request ending.
		spawnErr := sp.Spawn(context.Background())
		st.mu.Lock()
		if st.spawner == sp && st.spawnPending {
			st.spawnPending = false
			if spawnErr == nil {
				st.running = true
				st.serverURL = sp.URL()
			} else {
				st.spawner = nil
			}
		}
		st.mu.Unlock()
		if spawnErr != nil {
			slog.Error("Server spawn failed", "user", name, "error", spawnErr)
			c.bus.publish(name, PhaseSpawnFailed)
		} else {
			slog.Info("Server running", "user", name, "url", sp.URL())
			c.bus.publish(name, PhaseRunning)
		}
		result <- spawnErr
	}()

	select {
	case spawnErr := <-result:
		if spawnErr != nil {
			return false, Errorf(KindInternal, "failed to start %s's server", name)
		}
		return false, nil
	case <-time.After(c.slowSpawnWait):
		return true, nil
	}
}

// StopServer stops the user's server. Self or admin. Idempotent while a stop
// is already pending. Returns pending=true when the stop is still in flight
// after the wait window.
func (c *Controller) StopServer(ctx context.Context, caller *domain.User, name string) (pending bool, err error) {
	if err := Authorize(caller, name, SelfOrAdmin); err != nil {
		return false, err
	}
	if _, err := c.findUser(ctx, name); err != nil {
		return false, err
	}

	st := c.state(name)
	st.mu.Lock()
	if st.stopPending {
		// Stop already in flight; do not issue a second one.
		st.mu.Unlock()
		return true, nil
	}
	if st.spawner == nil || st.spawnPending || !st.running {
		st.mu.Unlock()
		return false, Errorf(KindNotRunning, "%s's server is not running", name)
	}

	code, pollErr := st.spawner.Poll(ctx)
	if pollErr != nil {
		st.mu.Unlock()
		return false, fmt.Errorf("poll %s's server: %w", name, pollErr)
	}
	if code != nil {
		// Process already exited underneath us: stale state.
		st.running = false
		st.spawner = nil
		st.serverURL = ""
		st.mu.Unlock()
		return false, Errorf(KindNotRunning, "%s's server is not running", name)
	}

	result := c.beginStop(st, name)
	st.mu.Unlock()

	select {
	case stopErr := <-result:
		if stopErr != nil {
			return false, Errorf(KindInternal, "failed to stop %s's server", name)
		}
		return false, nil
	case <-time.After(c.slowStopWait):
		return true, nil
	}
}

// beginStop initiates an asynchronous stop of st's server and returns a
// channel that yields the stop result. st.mu must be held and st.spawner
// non-nil. Clears spawnPending so the pending flags stay mutually exclusive.
func (c *Controller) beginStop(st *serverState, name string) <-chan error {
	sp := st.spawner
	st.spawnPending = false
	st.stopPending = true

	result := make(chan error, 1)
	go func() {
		c.bus.publish(name, PhaseStopPending)
		stopErr := sp.Stop(context.Background())
		st.mu.Lock()
		if st.spawner == sp {
			st.stopPending = false
			if stopErr == nil {
				st.running = false
				st.spawner = nil
				st.serverURL = ""
			}
		}
		st.mu.Unlock()
		if stopErr != nil {
			slog.Error("Server stop failed", "user", name, "error", stopErr)
			c.bus.publish(name, PhaseStopFailed)
		} else {
			c.bus.publish(name, PhaseStopped)
		}
		result <- stopErr
	}()
	return result
}

// GrantAdminAccess issues a credential for the admin caller against the
// target user's running server. Admin only, behind a feature flag. Every
// grant is logged for audit.
func (c *Controller) GrantAdminAccess(ctx context.Context, caller *domain.User, name string, granter Granter) error {
	if err := Authorize(caller, "", AdminOnly); err != nil {
		return err
	}

	slog.Warn("Admin requested access to user's server", "admin", caller.Name, "user", name)

	if !c.adminAccessEnabled {
		return Errorf(KindFeatureDisabled, "admin access to user servers is disabled")
	}

	user, err := c.findUser(ctx, name)
	if err != nil {
		return err
	}

	st := c.peekState(name)
	running := false
	if st != nil {
		st.mu.Lock()
		running = st.status() == domain.StatusRunning
		st.mu.Unlock()
	}
	if !running {
		return Errorf(KindNotRunning, "%s's server is not running", name)
	}

	if err := granter.Grant(user); err != nil {
		return fmt.Errorf("grant access to %s's server: %w", name, err)
	}
	return nil
}

// addUserSafe calls the authenticator, converting panics into errors so a
// misbehaving collaborator cannot leave a half-created account behind.
func (c *Controller) addUserSafe(ctx context.Context, user *domain.User) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("authenticator panic: %v", r)
		}
	}()
	return c.authn.AddUser(ctx, user)
}

func (c *Controller) deleteUserSafe(ctx context.Context, user *domain.User) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("authenticator panic: %v", r)
		}
	}()
	return c.authn.DeleteUser(ctx, user)
}

// rollbackCreate compensates a failed provisioning by deleting the record
// that was just created. Busy-database errors are retried until the delete
// lands; the rollback must complete even if the store is briefly locked.
func (c *Controller) rollbackCreate(name string) {
	delay := rollbackBaseDelay
	for {
		err := c.repo.Delete(context.Background(), name)
		if err == nil || err == store.ErrNotFound {
			return
		}
		if !shared.IsSQLiteConflictError(err) {
			slog.Error("Failed to roll back created user", "user", name, "error", err)
			return
		}
		slog.Debug("Database busy during rollback, retrying", "user", name, "delay", delay)
		time.Sleep(delay)
		if delay < rollbackMaxDelay {
			delay *= 2
		}
	}
}
