package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/akulov/nbhub/internal/domain"
	"github.com/akulov/nbhub/internal/hub"
	"github.com/akulov/nbhub/internal/identity"
	"github.com/akulov/nbhub/internal/session"
	"github.com/akulov/nbhub/internal/spawner"
	"github.com/akulov/nbhub/internal/store"
	"github.com/go-chi/chi/v5"
)

type fakeRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*domain.User)}
}

func (f *fakeRepo) FindByName(_ context.Context, name string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[name]
	if user == nil {
		return nil, nil
	}
	copy := *user
	return &copy, nil
}

func (f *fakeRepo) ListAll(_ context.Context) ([]*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var users []*domain.User
	for _, u := range f.users {
		copy := *u
		users = append(users, &copy)
	}
	return users, nil
}

func (f *fakeRepo) Create(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *user
	f.users[user.Name] = &copy
	return nil
}

func (f *fakeRepo) Save(_ context.Context, name string, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.users[name] == nil {
		return store.ErrNotFound
	}
	delete(f.users, name)
	copy := *user
	f.users[user.Name] = &copy
	return nil
}

func (f *fakeRepo) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.users[name] == nil {
		return store.ErrNotFound
	}
	delete(f.users, name)
	return nil
}

func (f *fakeRepo) TouchActivity(_ context.Context, _ string, _ time.Time) error { return nil }
func (f *fakeRepo) Ping(_ context.Context) error                                 { return nil }
func (f *fakeRepo) Close() error                                                 { return nil }

type fakeAuthenticator struct{}

func (fakeAuthenticator) Authenticate(_ context.Context, username, _ string) (string, error) {
	return username, nil
}
func (fakeAuthenticator) AddUser(_ context.Context, _ *domain.User) error    { return nil }
func (fakeAuthenticator) DeleteUser(_ context.Context, _ *domain.User) error { return nil }

type fakeSpawner struct {
	mu    sync.Mutex
	alive bool
}

func (s *fakeSpawner) Spawn(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = true
	return nil
}

func (s *fakeSpawner) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
	return nil
}

func (s *fakeSpawner) Poll(_ context.Context) (*int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alive {
		return nil, nil
	}
	code := 0
	return &code, nil
}

func (s *fakeSpawner) URL() string { return "http://nbhub-test:8888" }

type fakeFactory struct{}

func (fakeFactory) New(_ string) spawner.Spawner { return &fakeSpawner{} }

type testAPI struct {
	router *chi.Mux
	repo   *fakeRepo
	admin  *domain.User
	alice  *domain.User
	bob    *domain.User
}

func newTestAPI(t *testing.T, opts hub.Options) *testAPI {
	t.Helper()
	repo := newFakeRepo()

	now := time.Now()
	admin := &domain.User{Name: "root", Admin: true, LastActivity: now}
	alice := &domain.User{Name: "alice", LastActivity: now}
	bob := &domain.User{Name: "bob", LastActivity: now}
	for _, u := range []*domain.User{admin, alice, bob} {
		if err := repo.Create(context.Background(), u); err != nil {
			t.Fatalf("seed user %s: %v", u.Name, err)
		}
	}

	ctrl := hub.New(repo, fakeAuthenticator{}, fakeFactory{}, opts)
	issuer := session.NewIssuer([]byte("test-secret"), time.Hour, false)

	router := chi.NewRouter()
	NewUserHandler(ctrl, issuer).RegisterRoutes(router)

	return &testAPI{router: router, repo: repo, admin: admin, alice: alice, bob: bob}
}

func (a *testAPI) do(method, path string, body string, caller *domain.User) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if caller != nil {
		req = req.WithContext(identity.WithCaller(req.Context(), caller))
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func TestCreateUserReturns201(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	// Scenario A: admin creates a user with an empty payload.
	rr := a.do(http.MethodPost, "/api/users/carol", `{}`, a.admin)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var model struct {
		Name    string  `json:"name"`
		Admin   bool    `json:"admin"`
		Pending *string `json:"pending"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&model); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if model.Name != "carol" || model.Admin || model.Pending != nil {
		t.Errorf("unexpected model: %+v", model)
	}
}

func TestCreateUserOversizedBodyReturns400(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	big := `{"admin": ` + strings.Repeat(" ", 128*1024) + `true}`
	rr := a.do(http.MethodPost, "/api/users/carol", big, a.admin)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "too large") {
		t.Errorf("expected a too-large message, got %s", rr.Body.String())
	}

	// The record must not be created from a truncated payload.
	user, err := a.repo.FindByName(context.Background(), "carol")
	if err != nil {
		t.Fatalf("failed to look up user: %v", err)
	}
	if user != nil {
		t.Error("oversized payload must not create a record")
	}
}

func TestCreateUserConflictReturns400(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodPost, "/api/users/alice", `{}`, a.admin)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestGetUserForbiddenForOtherUser(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	// Scenario B: bob may not read alice.
	rr := a.do(http.MethodGet, "/api/users/alice", "", a.bob)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestGetUserSelf(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodGet, "/api/users/alice", "", a.alice)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestGetUserUnauthenticated(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodGet, "/api/users/alice", "", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestGetUserNotFound(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodGet, "/api/users/ghost", "", a.admin)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestListUsers(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodGet, "/api/users", "", a.admin)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var models []json.RawMessage
	if err := json.NewDecoder(rr.Body).Decode(&models); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(models) != 3 {
		t.Errorf("expected 3 users, got %d", len(models))
	}

	rr = a.do(http.MethodGet, "/api/users", "", a.alice)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for non-admin, got %d", rr.Code)
	}
}

func TestDeleteUser(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodDelete, "/api/users/alice", "", a.admin)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}

	// Deleting again is 404, not silently ok.
	rr = a.do(http.MethodDelete, "/api/users/alice", "", a.admin)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestDeleteSelfReturns400(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodDelete, "/api/users/root", "", a.admin)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestUpdateUserInvalidKeysReturns400(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodPatch, "/api/users/alice", `{"color": "red"}`, a.admin)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestUpdateUser(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodPatch, "/api/users/alice", `{"admin": true}`, a.admin)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var model struct {
		Admin bool `json:"admin"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&model); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !model.Admin {
		t.Error("expected admin flag to be set")
	}
}

func TestSpawnServerLifecycle(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodPost, "/api/users/alice/server", "", a.alice)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	// Scenario C: spawning while the process is alive is refused.
	rr = a.do(http.MethodPost, "/api/users/alice/server", "", a.alice)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "already running") {
		t.Errorf("expected already-running message, got %s", rr.Body.String())
	}

	rr = a.do(http.MethodDelete, "/api/users/alice/server", "", a.alice)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
}

func TestStopServerNotRunningReturns400(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodDelete, "/api/users/alice/server", "", a.alice)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSpawnServerForbiddenForOtherUser(t *testing.T) {
	a := newTestAPI(t, hub.Options{})

	rr := a.do(http.MethodPost, "/api/users/alice/server", "", a.bob)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestGrantAdminAccessFeatureDisabled(t *testing.T) {
	a := newTestAPI(t, hub.Options{AdminAccessEnabled: false})

	// Scenario E: flag off yields 403 even for admins.
	rr := a.do(http.MethodPost, "/api/users/alice/admin-access", "", a.admin)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestGrantAdminAccessSetsCookie(t *testing.T) {
	a := newTestAPI(t, hub.Options{AdminAccessEnabled: true})

	rr := a.do(http.MethodPost, "/api/users/alice/server", "", a.admin)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}

	rr = a.do(http.MethodPost, "/api/users/alice/admin-access", "", a.admin)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	cookies := rr.Result().Cookies()
	found := false
	for _, c := range cookies {
		if strings.HasPrefix(c.Name, "nbhub_server_") && c.Path == "/user/alice" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a server-scoped cookie, got %v", cookies)
	}
}

func TestGrantAdminAccessNotRunningReturns400(t *testing.T) {
	a := newTestAPI(t, hub.Options{AdminAccessEnabled: true})

	rr := a.do(http.MethodPost, "/api/users/alice/admin-access", "", a.admin)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
