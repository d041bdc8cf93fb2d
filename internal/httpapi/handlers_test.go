package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authzd/internal/domain"
	"github.com/terraconstructs/authzd/internal/repository"
	"github.com/terraconstructs/authzd/internal/resolver"
)

func clockSeq() func() int64 {
	var n int64
	return func() int64 { n++; return n }
}

type stubResolver struct {
	resolve func(ctx context.Context, userID string) (*domain.UserPermission, error)
	merge   func(ctx context.Context, user resolver.ExternalUser) (*domain.UserPermission, error)
}

func (s *stubResolver) Resolve(ctx context.Context, userID string) (*domain.UserPermission, error) {
	return s.resolve(ctx, userID)
}

func (s *stubResolver) ResolveAndMerge(ctx context.Context, user resolver.ExternalUser) (*domain.UserPermission, error) {
	return s.merge(ctx, user)
}

func newTestRouter(t *testing.T, repo *repository.Repository, rslv Resolver, listAll bool) http.Handler {
	t.Helper()
	return NewRouter(RouterOptions{
		Repository:     repo,
		Resolver:       rslv,
		Writer:         repo,
		ListAllEnabled: listAll,
	})
}

func TestHandleGetAuthorize_Found(t *testing.T) {
	backend := repository.NewInMemoryBackend(clockSeq())
	repo := repository.New(backend, time.Second, nil)

	up := domain.NewUserPermission("alice")
	up.AddResource(domain.Account{Name: "prod", Permissions: domain.NewPermissions(map[domain.Authorization][]string{
		domain.Read: {},
	})})
	require.NoError(t, backend.Put(context.Background(), up))

	router := newTestRouter(t, repo, &stubResolver{}, false)

	req := httptest.NewRequest(http.MethodGet, "/authorize/alice", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view domain.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "alice", view.ID)
	require.Len(t, view.Accounts, 1)
	assert.Equal(t, "prod", view.Accounts[0].Name)
}

func TestHandleGetAuthorize_NotFound(t *testing.T) {
	backend := repository.NewInMemoryBackend(clockSeq())
	repo := repository.New(backend, time.Second, nil)
	router := newTestRouter(t, repo, &stubResolver{}, false)

	req := httptest.NewRequest(http.MethodGet, "/authorize/nobody", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListAuthorize_RequiresOptIn(t *testing.T) {
	backend := repository.NewInMemoryBackend(clockSeq())
	repo := repository.New(backend, time.Second, nil)

	disabled := newTestRouter(t, repo, &stubResolver{}, false)
	req := httptest.NewRequest(http.MethodGet, "/authorize/", nil)
	rec := httptest.NewRecorder()
	disabled.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	enabled := newTestRouter(t, repo, &stubResolver{}, true)
	req = httptest.NewRequest(http.MethodGet, "/authorize/", nil)
	rec = httptest.NewRecorder()
	enabled.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleFilteredAuthorize_ByNameAndMissingName(t *testing.T) {
	backend := repository.NewInMemoryBackend(clockSeq())
	repo := repository.New(backend, time.Second, nil)

	up := domain.NewUserPermission("alice")
	up.AddResource(domain.Application{Name: "web"})
	require.NoError(t, backend.Put(context.Background(), up))

	router := newTestRouter(t, repo, &stubResolver{}, false)

	req := httptest.NewRequest(http.MethodGet, "/authorize/alice/applications/web", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/authorize/alice/applications/nonexistent", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePostRoles_ResolvesAndPersists(t *testing.T) {
	backend := repository.NewInMemoryBackend(clockSeq())
	repo := repository.New(backend, time.Second, nil)

	resolved := domain.NewUserPermission("bob")
	rslv := &stubResolver{resolve: func(ctx context.Context, userID string) (*domain.UserPermission, error) {
		assert.Equal(t, "bob", userID)
		return resolved, nil
	}}
	router := newTestRouter(t, repo, rslv, false)

	req := httptest.NewRequest(http.MethodPost, "/roles/bob", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, found, err := backend.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestHandlePutRoles_MergesExternalRoles(t *testing.T) {
	backend := repository.NewInMemoryBackend(clockSeq())
	repo := repository.New(backend, time.Second, nil)

	rslv := &stubResolver{merge: func(ctx context.Context, user resolver.ExternalUser) (*domain.UserPermission, error) {
		require.Len(t, user.ExternalRoles, 2)
		assert.Equal(t, "team-a", user.ExternalRoles[0].Name)
		assert.Equal(t, domain.RoleSourceExternal, user.ExternalRoles[0].Source)
		up := domain.NewUserPermission(user.ID)
		for _, role := range user.ExternalRoles {
			up.Roles[role.Name] = role
		}
		return up, nil
	}}
	router := newTestRouter(t, repo, rslv, false)

	body, _ := json.Marshal([]string{"team-a", "team-b"})
	req := httptest.NewRequest(http.MethodPut, "/roles/bob", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDeleteRoles_RemovesUser(t *testing.T) {
	backend := repository.NewInMemoryBackend(clockSeq())
	repo := repository.New(backend, time.Second, nil)
	require.NoError(t, backend.Put(context.Background(), domain.NewUserPermission("alice")))

	router := newTestRouter(t, repo, &stubResolver{}, false)

	req := httptest.NewRequest(http.MethodDelete, "/roles/alice", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, found, err := backend.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, found)
}
