package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terraconstructs/authzd/internal/domain"
)

// RemoteKVConfig bounds how long a single backend operation may run
// (§4.5b, §7). Reads that exceed it surface a PermissionReadTimeout;
// writes do not (Put and PutAll report a PermissionRepositoryError).
type RemoteKVConfig struct {
	Timeout time.Duration
}

func DefaultRemoteKVConfig() RemoteKVConfig {
	return RemoteKVConfig{Timeout: 2 * time.Second}
}

// RemoteKVBackend is the Backend implementation over the redis layout
// described in §4.5b:
//
//	users                               set of all known user ids
//	permissions:admin                   set of admin user ids
//	permissions:{userId}:{typeSuffix}    hash: resource name -> body
//	roles:{roleName}                    set of user ids holding roleName
//	last_modified:__unrestricted_user__ int stamp of last write
//
// The last_modified stamp comes from the clock func passed to
// NewRemoteKVBackend (local Unix millis by default), not from the Redis
// server's clock.
type RemoteKVBackend struct {
	client   redis.UniversalClient
	registry *domain.Registry
	cfg      RemoteKVConfig
	clock    func() int64
}

func NewRemoteKVBackend(client redis.UniversalClient, registry *domain.Registry, cfg RemoteKVConfig, clock func() int64) *RemoteKVBackend {
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	return &RemoteKVBackend{client: client, registry: registry, cfg: cfg, clock: clock}
}

const usersKey = "users"
const adminKey = "permissions:admin"
const unrestrictedModifiedKey = "last_modified:" + "__unrestricted_user__"

func permHashKey(userID string, t domain.ResourceType) string {
	return fmt.Sprintf("permissions:%s:%s", userID, typeSuffix(t))
}

func rolesKey(roleName string) string { return "roles:" + roleName }

func typeSuffix(t domain.ResourceType) string {
	return strings.ToLower(string(t))
}

// Put pipelines every write for one user atomically (§4.5b).
func (b *RemoteKVBackend) Put(ctx context.Context, up *domain.UserPermission) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	resourcesByType, err := b.serializeByType(up)
	if err != nil {
		return &domain.PermissionRepositoryError{Op: "put", Cause: err}
	}

	previousRoles, err := b.client.HKeys(ctx, permHashKey(up.ID, domain.ResourceTypeRole)).Result()
	if err != nil {
		return &domain.PermissionRepositoryError{Op: "put", Cause: err}
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, usersKey, up.ID)
		if up.IsAdmin {
			pipe.SAdd(ctx, adminKey, up.ID)
		} else {
			pipe.SRem(ctx, adminKey, up.ID)
		}
		for typ, byName := range resourcesByType {
			key := permHashKey(up.ID, typ)
			pipe.Del(ctx, key)
			if len(byName) > 0 {
				fields := make(map[string]any, len(byName))
				for name, body := range byName {
					fields[name] = body
				}
				pipe.HSet(ctx, key, fields)
			}
		}
		for _, roleName := range previousRoles {
			if _, held := up.Roles[roleName]; !held {
				pipe.SRem(ctx, rolesKey(roleName), up.ID)
			}
		}
		for roleName := range up.Roles {
			pipe.SAdd(ctx, rolesKey(roleName), up.ID)
		}
		if up.ID == domain.UnrestrictedUserID {
			pipe.Set(ctx, unrestrictedModifiedKey, b.clock(), 0)
		}
		return nil
	})
	if err != nil {
		return &domain.PermissionRepositoryError{Op: "put", Cause: err}
	}
	return nil
}

// PutAll upserts every user in byID, then prunes ids present in `users`
// but absent from byID (except the unrestricted id), removing their
// permission hashes, admin membership, and role-set membership (§4.5b).
func (b *RemoteKVBackend) PutAll(ctx context.Context, byID map[string]*domain.UserPermission) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	existingIDs, err := b.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return &domain.PermissionRepositoryError{Op: "putAll", Cause: err}
	}

	for _, up := range byID {
		if err := b.Put(ctx, up); err != nil {
			return err
		}
	}

	keep := make(map[string]struct{}, len(byID)+1)
	for id := range byID {
		keep[id] = struct{}{}
	}
	keep[domain.UnrestrictedUserID] = struct{}{}

	for _, id := range existingIDs {
		if _, ok := keep[id]; ok {
			continue
		}
		if err := b.removeUser(ctx, id); err != nil {
			return &domain.PermissionRepositoryError{Op: "putAll", Cause: err}
		}
	}
	return nil
}

func (b *RemoteKVBackend) removeUser(ctx context.Context, id string) error {
	for _, typ := range knownResourceTypes {
		if err := b.client.Del(ctx, permHashKey(id, typ)).Err(); err != nil {
			return err
		}
	}
	if _, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, usersKey, id)
		pipe.SRem(ctx, adminKey, id)
		return nil
	}); err != nil {
		return err
	}
	// Role reverse-index membership is swept lazily: GetAllByRoles
	// tolerates stale ids in a roles:* set by skipping any id whose
	// user hash is now empty.
	return nil
}

// hScanCount bounds how many fields HScan asks Redis to examine per
// call; actual batch size is a hint, not a hard cap, but keeps peak
// memory flat regardless of hash size (§4.5b).
const hScanCount = 250

var knownResourceTypes = []domain.ResourceType{
	domain.ResourceTypeAccount,
	domain.ResourceTypeApplication,
	domain.ResourceTypeBuildService,
	domain.ResourceTypeServiceAccount,
	domain.ResourceTypeRole,
}

// Get reads every resource-type hash for id and reassembles a
// UserPermission, or (nil, false, nil) if id is not a known user
// (§4.5b).
func (b *RemoteKVBackend) Get(ctx context.Context, id string) (*domain.UserPermission, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	isMember, err := b.client.SIsMember(ctx, usersKey, id).Result()
	if err != nil {
		return nil, false, timeoutOrRepoErr(ctx, "get", err)
	}
	if !isMember && id != domain.UnrestrictedUserID {
		return nil, false, nil
	}

	up := domain.NewUserPermission(id)
	isAdmin, err := b.client.SIsMember(ctx, adminKey, id).Result()
	if err != nil {
		return nil, false, timeoutOrRepoErr(ctx, "get", err)
	}
	up.IsAdmin = isAdmin

	any := false
	for _, typ := range knownResourceTypes {
		key := permHashKey(id, typ)
		var cursor uint64
		for {
			fields, next, err := b.client.HScan(ctx, key, cursor, "", hScanCount).Result()
			if err != nil {
				return nil, false, timeoutOrRepoErr(ctx, "get", err)
			}
			for i := 0; i+1 < len(fields); i += 2 {
				name, body := fields[i], fields[i+1]
				any = true
				var raw map[string]any
				if err := json.Unmarshal([]byte(body), &raw); err != nil {
					return nil, false, &domain.PermissionRepositoryError{Op: "get", Cause: err}
				}
				res, err := b.registry.New(typ, name, raw)
				if err != nil {
					return nil, false, &domain.PermissionRepositoryError{Op: "get", Cause: err}
				}
				up.AddResource(res)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	if !any && !isMember {
		return nil, false, nil
	}
	if id == domain.UnrestrictedUserID {
		modified, err := b.client.Get(ctx, unrestrictedModifiedKey).Int64()
		if err != nil && err != redis.Nil {
			return nil, false, timeoutOrRepoErr(ctx, "get", err)
		}
		up.UpdatedAt = modified
	}
	return up, true, nil
}

// GetAllByID returns every id in `users`, merged in memory (§4.5b).
func (b *RemoteKVBackend) GetAllByID(ctx context.Context) (map[string]*domain.UserPermission, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	ids, err := b.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, timeoutOrRepoErr(ctx, "getAllByID", err)
	}
	out := make(map[string]*domain.UserPermission, len(ids))
	for _, id := range ids {
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

// GetAllByRoles unions roles:{role} for every role in anyRoles (§4.5b).
func (b *RemoteKVBackend) GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*domain.UserPermission, error) {
	if anyRoles == nil {
		return b.GetAllByID(ctx)
	}
	if len(anyRoles) == 0 {
		return map[string]*domain.UserPermission{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	seen := make(map[string]struct{})
	out := make(map[string]*domain.UserPermission)
	for _, role := range anyRoles {
		ids, err := b.client.SMembers(ctx, rolesKey(role)).Result()
		if err != nil {
			return nil, timeoutOrRepoErr(ctx, "getAllByRoles", err)
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok || id == domain.UnrestrictedUserID {
				continue
			}
			seen[id] = struct{}{}
			up, found, err := b.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if found {
				out[id] = up
			}
		}
	}
	return out, nil
}

// Remove deletes id's hashes and set memberships (§4.5b).
func (b *RemoteKVBackend) Remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	return b.removeUser(ctx, id)
}

// UnrestrictedVersion reads last_modified:__unrestricted_user__, or the
// sentinel "0" if it was never written (§4.5b).
func (b *RemoteKVBackend) UnrestrictedVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	v, err := b.client.Get(ctx, unrestrictedModifiedKey).Result()
	if err == redis.Nil {
		return FormatVersion(0), nil
	}
	if err != nil {
		return "", timeoutOrRepoErr(ctx, "unrestrictedVersion", err)
	}
	return v, nil
}

func (b *RemoteKVBackend) serializeByType(up *domain.UserPermission) (map[domain.ResourceType]map[string]string, error) {
	out := make(map[domain.ResourceType]map[string]string, len(knownResourceTypes))
	for _, typ := range knownResourceTypes {
		out[typ] = make(map[string]string)
	}
	for _, res := range up.AllAccessControlled() {
		body, err := json.Marshal(encodeBody(res))
		if err != nil {
			return nil, err
		}
		out[res.Kind()][res.ResourceName()] = string(body)
	}
	for name, role := range up.Roles {
		body, err := json.Marshal(encodeBody(role))
		if err != nil {
			return nil, err
		}
		out[domain.ResourceTypeRole][name] = string(body)
	}
	return out, nil
}

func timeoutOrRepoErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return &domain.PermissionReadTimeout{Op: op}
	}
	return &domain.PermissionRepositoryError{Op: op, Cause: err}
}
