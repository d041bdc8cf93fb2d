package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun"

	"github.com/terraconstructs/authzd/internal/db/models"
	"github.com/terraconstructs/authzd/internal/domain"
)

// RelationalConfig configures the write/read retry envelope (§4.5a).
type RelationalConfig struct {
	WriteMaxAttempts uint64
	WriteInterval    time.Duration
	ReadMaxAttempts  uint64
	ReadInterval     time.Duration
}

func DefaultRelationalConfig() RelationalConfig {
	return RelationalConfig{
		WriteMaxAttempts: 3,
		WriteInterval:    100 * time.Millisecond,
		ReadMaxAttempts:  5,
		ReadInterval:     50 * time.Millisecond,
	}
}

// RelationalBackend is the Backend implementation over the `user` /
// `resource` / `permission` schema (§4.5a), shared between PostgreSQL
// and SQLite via bun's dialect abstraction.
type RelationalBackend struct {
	db       *bun.DB
	registry *domain.Registry
	cfg      RelationalConfig
	clock    func() int64
}

func NewRelationalBackend(db *bun.DB, registry *domain.Registry, cfg RelationalConfig, clock func() int64) *RelationalBackend {
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	return &RelationalBackend{db: db, registry: registry, cfg: cfg, clock: clock}
}

// Put upserts one user's record transactionally: resource bodies
// (deduped by body_hash), the permission delta, and the user row's
// updated_at bump (§4.5a step 1-4).
func (b *RelationalBackend) Put(ctx context.Context, up *domain.UserPermission) error {
	return b.writeWithRetry(ctx, func(ctx context.Context) error {
		return b.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return b.putUserTx(ctx, tx, up)
		})
	})
}

// PutAll bulk-upserts byID, then prunes users absent from the input
// (except the unrestricted id) and resources no surviving user
// references (§4.5a putAll).
func (b *RelationalBackend) PutAll(ctx context.Context, byID map[string]*domain.UserPermission) error {
	return b.writeWithRetry(ctx, func(ctx context.Context) error {
		return b.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			for _, up := range byID {
				if err := b.putUserTx(ctx, tx, up); err != nil {
					return err
				}
			}

			keep := make([]string, 0, len(byID)+1)
			for id := range byID {
				keep = append(keep, id)
			}
			keep = append(keep, domain.UnrestrictedUserID)

			if _, err := tx.NewDelete().Model((*models.User)(nil)).
				Where("id NOT IN (?)", bun.In(keep)).Exec(ctx); err != nil {
				return fmt.Errorf("prune orphaned users: %w", err)
			}
			if _, err := tx.NewDelete().Model((*models.Permission)(nil)).
				Where("user_id NOT IN (?)", bun.In(keep)).Exec(ctx); err != nil {
				return fmt.Errorf("prune orphaned permissions: %w", err)
			}
			if _, err := tx.NewDelete().Model((*models.Resource)(nil)).
				Where("NOT EXISTS (SELECT 1 FROM permission p WHERE p.resource_type = resource.resource_type AND p.resource_name = resource.resource_name)").
				Exec(ctx); err != nil {
				return fmt.Errorf("prune unreferenced resources: %w", err)
			}
			return nil
		})
	})
}

func (b *RelationalBackend) putUserTx(ctx context.Context, tx bun.Tx, up *domain.UserPermission) error {
	resources := allStorableResources(up)

	for _, res := range resources {
		body, err := json.Marshal(encodeBody(res))
		if err != nil {
			return fmt.Errorf("encode resource body: %w", err)
		}
		hash := sha256Hex(body)

		var existing models.Resource
		err = tx.NewSelect().Model(&existing).
			Where("resource_type = ? AND resource_name = ?", string(res.Kind()), res.ResourceName()).
			Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read resource: %w", err)
		}
		if err == nil && existing.BodyHash == hash {
			continue // unchanged body, skip rewrite (dedup across users)
		}

		row := &models.Resource{
			ResourceType: string(res.Kind()),
			ResourceName: res.ResourceName(),
			Body:         string(body),
			BodyHash:     hash,
			UpdatedAt:    b.clock(),
		}
		if _, err := tx.NewInsert().Model(row).
			On("CONFLICT (resource_type, resource_name) DO UPDATE").
			Set("body = EXCLUDED.body").
			Set("body_hash = EXCLUDED.body_hash").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx); err != nil {
			return fmt.Errorf("upsert resource: %w", err)
		}
	}

	var existingPerms []models.Permission
	if err := tx.NewSelect().Model(&existingPerms).Where("user_id = ?", up.ID).Scan(ctx); err != nil {
		return fmt.Errorf("read existing permissions: %w", err)
	}
	existingSet := make(map[string]struct{}, len(existingPerms))
	for _, p := range existingPerms {
		existingSet[permKey(p.ResourceType, p.ResourceName)] = struct{}{}
	}
	incomingSet := make(map[string]models.Permission, len(resources))
	for _, res := range resources {
		p := models.Permission{UserID: up.ID, ResourceType: string(res.Kind()), ResourceName: res.ResourceName()}
		incomingSet[permKey(p.ResourceType, p.ResourceName)] = p
	}

	var toInsert []models.Permission
	for k, p := range incomingSet {
		if _, ok := existingSet[k]; !ok {
			toInsert = append(toInsert, p)
		}
	}
	var toDelete []string
	for _, p := range existingPerms {
		if _, ok := incomingSet[permKey(p.ResourceType, p.ResourceName)]; !ok {
			toDelete = append(toDelete, permKey(p.ResourceType, p.ResourceName))
		}
	}

	if len(toInsert) > 0 {
		if _, err := tx.NewInsert().Model(&toInsert).Exec(ctx); err != nil {
			return fmt.Errorf("insert permission delta: %w", err)
		}
	}
	for _, k := range toDelete {
		typ, name := splitPermKey(k)
		if _, err := tx.NewDelete().Model((*models.Permission)(nil)).
			Where("user_id = ? AND resource_type = ? AND resource_name = ?", up.ID, typ, name).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete permission delta: %w", err)
		}
	}

	userRow := &models.User{ID: up.ID, Admin: up.IsAdmin, UpdatedAt: b.clock()}
	if _, err := tx.NewInsert().Model(userRow).
		On("CONFLICT (id) DO UPDATE").
		Set("admin = EXCLUDED.admin").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// Get fetches id's resource bodies via a semi-join from resource
// through permission, parsing each body with the registered per-type
// factory (§4.5a read path).
func (b *RelationalBackend) Get(ctx context.Context, id string) (*domain.UserPermission, bool, error) {
	var user models.User
	err := b.readWithRetry(ctx, func(ctx context.Context) error {
		return b.db.NewSelect().Model(&user).Where("id = ?", id).Scan(ctx)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read user: %w", err)
	}

	var rows []models.Resource
	err = b.readWithRetry(ctx, func(ctx context.Context) error {
		return b.db.NewSelect().Model(&rows).
			Join("JOIN permission AS p ON p.resource_type = resource.resource_type AND p.resource_name = resource.resource_name").
			Where("p.user_id = ?", id).
			Scan(ctx)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read resources: %w", err)
	}

	up, err := b.materialize(user, rows)
	if err != nil {
		return nil, false, err
	}
	return up, true, nil
}

// GetAllByID returns every stored user (§4.5a).
func (b *RelationalBackend) GetAllByID(ctx context.Context) (map[string]*domain.UserPermission, error) {
	var users []models.User
	if err := b.readWithRetry(ctx, func(ctx context.Context) error {
		return b.db.NewSelect().Model(&users).Scan(ctx)
	}); err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	out := make(map[string]*domain.UserPermission, len(users))
	for _, u := range users {
		up, found, err := b.Get(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if found {
			out[u.ID] = up
		}
	}
	return out, nil
}

// GetAllByRoles reads the distinct ids of users holding a (type=ROLE,
// name in anyRoles) permission in one query, then loads each holder
// with Get (§4.5a). The unrestricted record is skipped.
func (b *RelationalBackend) GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*domain.UserPermission, error) {
	if anyRoles == nil {
		return b.GetAllByID(ctx)
	}
	if len(anyRoles) == 0 {
		return map[string]*domain.UserPermission{}, nil
	}

	var holderIDs []string
	if err := b.readWithRetry(ctx, func(ctx context.Context) error {
		return b.db.NewSelect().Model((*models.Permission)(nil)).
			Column("user_id").Distinct().
			Where("resource_type = ? AND resource_name IN (?)", string(domain.ResourceTypeRole), bun.In(anyRoles)).
			Scan(ctx, &holderIDs)
	}); err != nil {
		return nil, fmt.Errorf("read role holders: %w", err)
	}

	out := make(map[string]*domain.UserPermission, len(holderIDs))
	for _, id := range holderIDs {
		if id == domain.UnrestrictedUserID {
			continue
		}
		up, found, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out[id] = up
		}
	}
	return out, nil
}

// Remove deletes id's row and all of its permissions.
func (b *RelationalBackend) Remove(ctx context.Context, id string) error {
	return b.writeWithRetry(ctx, func(ctx context.Context) error {
		return b.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewDelete().Model((*models.Permission)(nil)).Where("user_id = ?", id).Exec(ctx); err != nil {
				return err
			}
			_, err := tx.NewDelete().Model((*models.User)(nil)).Where("id = ?", id).Exec(ctx)
			return err
		})
	})
}

// UnrestrictedVersion returns the unrestricted user row's updated_at,
// or the sentinel "0" if it does not exist.
func (b *RelationalBackend) UnrestrictedVersion(ctx context.Context) (string, error) {
	var user models.User
	err := b.readWithRetry(ctx, func(ctx context.Context) error {
		return b.db.NewSelect().Model(&user).Where("id = ?", domain.UnrestrictedUserID).Scan(ctx)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FormatVersion(0), nil
		}
		return "", err
	}
	return FormatVersion(user.UpdatedAt), nil
}

func (b *RelationalBackend) materialize(user models.User, rows []models.Resource) (*domain.UserPermission, error) {
	up := domain.NewUserPermission(user.ID)
	up.IsAdmin = user.Admin
	up.UpdatedAt = user.UpdatedAt
	for _, row := range rows {
		var body map[string]any
		if err := json.Unmarshal([]byte(row.Body), &body); err != nil {
			return nil, fmt.Errorf("decode resource body for %s/%s: %w", row.ResourceType, row.ResourceName, err)
		}
		res, err := b.registry.New(domain.ResourceType(row.ResourceType), row.ResourceName, body)
		if err != nil {
			return nil, fmt.Errorf("materialize resource %s/%s: %w", row.ResourceType, row.ResourceName, err)
		}
		up.AddResource(res)
	}
	return up, nil
}

func (b *RelationalBackend) writeWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	eb := backoff.NewConstantBackOff(b.cfg.WriteInterval)
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, b.cfg.WriteMaxAttempts), ctx)
	if err := backoff.Retry(func() error { return op(ctx) }, bo); err != nil {
		return &domain.PermissionRepositoryError{Op: "write", Cause: err}
	}
	return nil
}

func (b *RelationalBackend) readWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	if err := op(ctx); err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	eb := backoff.NewConstantBackOff(b.cfg.ReadInterval)
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, b.cfg.ReadMaxAttempts), ctx)
	err := backoff.Retry(func() error {
		err := op(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &domain.PermissionRepositoryError{Op: "read", Cause: err}
	}
	return err
}

// allStorableResources is every AccessControlled resource plus a
// synthetic ROLE resource per role the user holds, the latter existing
// solely so getAllByRoles can find the user via its permission row.
func allStorableResources(up *domain.UserPermission) []domain.Resource {
	out := make([]domain.Resource, 0, len(up.Accounts)+len(up.Applications)+len(up.BuildServices)+len(up.Roles))
	for _, ac := range up.AllAccessControlled() {
		out = append(out, ac)
	}
	for _, role := range up.Roles {
		out = append(out, role)
	}
	return out
}

func encodeBody(res domain.Resource) map[string]any {
	body := make(map[string]any)
	switch v := res.(type) {
	case domain.Account:
		body["permissions"] = encodePermissions(v.Permissions)
	case domain.Application:
		body["permissions"] = encodePermissions(v.Permissions)
	case domain.BuildService:
		body["permissions"] = encodePermissions(v.Permissions)
	case domain.Extension:
		body["permissions"] = encodePermissions(v.Permissions)
		for k, val := range v.Body {
			body[k] = val
		}
	case domain.ServiceAccount:
		body["memberOf"] = v.MemberOf
	case domain.Role:
		body["source"] = v.Source
	}
	return body
}

func encodePermissions(p domain.Permissions) map[string][]string {
	out := make(map[string][]string)
	for _, a := range domain.AllAuthorizations {
		if groups := p.Get(a); len(groups) > 0 {
			out[a.String()] = groups
		}
	}
	return out
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func permKey(resourceType, resourceName string) string { return resourceType + "\x00" + resourceName }

func splitPermKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
