// Package httpapi exposes the authorization read/write surface over chi
// (§6 EXTERNAL INTERFACES).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/terraconstructs/authzd/internal/domain"
	"github.com/terraconstructs/authzd/internal/identity"
	"github.com/terraconstructs/authzd/internal/resolver"
)

// Repository is the subset of repository.Repository the HTTP surface
// reads from.
type Repository interface {
	Get(ctx context.Context, id string) (*domain.UserPermission, bool, error)
	GetAllByID(ctx context.Context) (map[string]*domain.UserPermission, error)
	Remove(ctx context.Context, id string) error
}

// Resolver is the subset of resolver.Resolver the write endpoints use to
// sync a single user on demand.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (*domain.UserPermission, error)
	ResolveAndMerge(ctx context.Context, user resolver.ExternalUser) (*domain.UserPermission, error)
}

// Writer is the subset of repository.Repository the write endpoints
// persist through.
type Writer interface {
	Put(ctx context.Context, up *domain.UserPermission) error
}

func roleNames(up *domain.UserPermission) []string {
	names := make([]string, 0, len(up.Roles))
	for name := range up.Roles {
		names = append(names, name)
	}
	return names
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// HandleGetAuthorize handles GET /authorize/{id}.
func HandleGetAuthorize(repo Repository, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		up, found, err := repo.Get(r.Context(), id)
		if err != nil {
			logger.Error("authorize lookup failed", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeJSON(w, http.StatusOK, domain.NewView(up, roleNames(up)))
	}
}

// HandleListAuthorize handles GET /authorize (opt-in via Config.ListAllEnabled).
func HandleListAuthorize(repo Repository, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		byID, err := repo.GetAllByID(r.Context())
		if err != nil {
			logger.Error("authorize list failed", "error", err)
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		views := make([]*domain.View, 0, len(byID))
		for _, up := range byID {
			views = append(views, domain.NewView(up, roleNames(up)))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// resourceKind is one of the three filtered views named in §6.
type resourceKind int

const (
	kindAccounts resourceKind = iota
	kindApplications
	kindServiceAccounts
)

// HandleFilteredAuthorize handles
// GET /authorize/{id}/accounts[/{name}], .../applications[/{name}],
// .../serviceAccounts[/{name}].
func HandleFilteredAuthorize(repo Repository, logger *slog.Logger, kind resourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		name := chi.URLParam(r, "name")

		up, found, err := repo.Get(r.Context(), id)
		if err != nil {
			logger.Error("authorize lookup failed", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}

		view := domain.NewView(up, roleNames(up))
		var resources []domain.ResourceView
		switch kind {
		case kindAccounts:
			resources = view.Accounts
		case kindApplications:
			resources = view.Applications
		case kindServiceAccounts:
			resources = view.ServiceAccounts
		}

		if name == "" {
			writeJSON(w, http.StatusOK, resources)
			return
		}
		for _, res := range resources {
			if strings.EqualFold(res.Name, name) {
				writeJSON(w, http.StatusOK, res)
				return
			}
		}
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

// HandlePostRoles handles POST /roles/{id}: resolve and persist id with
// no external roles (§6).
func HandlePostRoles(rslv Resolver, writer Writer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		up, err := rslv.Resolve(r.Context(), id)
		if err != nil {
			respondResolveError(w, logger, id, err)
			return
		}
		if err := writer.Put(r.Context(), up); err != nil {
			logger.Error("persist failed", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "persist failed")
			return
		}
		writeJSON(w, http.StatusOK, domain.NewView(up, roleNames(up)))
	}
}

// HandlePutRoles handles PUT /roles/{id} with a JSON array body of
// external role names: resolve and persist id with those roles merged
// in (§6).
func HandlePutRoles(rslv Resolver, writer Writer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}

		var requestedRoles []string
		if err := json.NewDecoder(r.Body).Decode(&requestedRoles); err != nil {
			writeError(w, http.StatusBadRequest, "body must be a JSON array of role names")
			return
		}

		up, err := rslv.ResolveAndMerge(r.Context(), resolver.ExternalUser{
			ID:            id,
			ExternalRoles: identity.ExternalRoles(requestedRoles),
		})
		if err != nil {
			respondResolveError(w, logger, id, err)
			return
		}
		if err := writer.Put(r.Context(), up); err != nil {
			logger.Error("persist failed", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "persist failed")
			return
		}
		writeJSON(w, http.StatusOK, domain.NewView(up, roleNames(up)))
	}
}

// HandleDeleteRoles handles DELETE /roles/{id}.
func HandleDeleteRoles(repo Repository, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := repo.Remove(r.Context(), id); err != nil {
			logger.Error("remove failed", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "remove failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func respondResolveError(w http.ResponseWriter, logger *slog.Logger, id string, err error) {
	var invalid *domain.InvalidArgumentError
	if errors.As(err, &invalid) {
		writeError(w, http.StatusBadRequest, invalid.Message)
		return
	}
	logger.Error("resolve failed", "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "resolve failed")
}
