// Package httpsource provides the concrete resourceloader.Source and
// identity.Source implementations authzd ships with: a plain JSON-over-HTTP
// client polling a configured system-of-record endpoint, grounded on the
// same http.Client + context + JSON-decode shape the teacher uses for its
// JWKS fetch (internal/auth/jwks_cache.go's refreshKeys).
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/terraconstructs/authzd/internal/domain"
)

// entry is the wire shape of one resource returned by a resource
// system-of-record: a name plus an opaque, registry-decodable body.
type entry struct {
	Name string         `json:"name"`
	Body map[string]any `json:"body"`
}

// ResourceSource polls a single HTTP endpoint for the full inventory of
// one resource type, decoding each entry through a domain.Registry so
// extension resource types work without this package knowing their
// shape (§9 "ResourceType -> factory").
type ResourceSource struct {
	url      string
	typ      domain.ResourceType
	registry *domain.Registry
	client   *http.Client
}

// NewResourceSource builds a ResourceSource. A nil client defaults to a
// 30s-timeout *http.Client, matching the teacher's JWKSCache default.
func NewResourceSource(rawURL string, typ domain.ResourceType, registry *domain.Registry, client *http.Client) *ResourceSource {
	if client == nil {
		client = defaultClient()
	}
	return &ResourceSource{url: rawURL, typ: typ, registry: registry, client: client}
}

// Load implements resourceloader.Source.
func (s *ResourceSource) Load(ctx context.Context) ([]domain.Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("httpsource: build request for %s: %w", s.typ, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpsource: fetch %s: %w", s.typ, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpsource: %s fetch returned status %d", s.typ, resp.StatusCode)
	}

	var entries []entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("httpsource: decode %s response: %w", s.typ, err)
	}

	resources := make([]domain.Resource, 0, len(entries))
	for _, e := range entries {
		res, err := s.registry.New(s.typ, e.Name, e.Body)
		if err != nil {
			return nil, fmt.Errorf("httpsource: decode %s %q: %w", s.typ, e.Name, err)
		}
		resources = append(resources, res)
	}
	return resources, nil
}

// RolesSource polls an identity provider's HTTP surface for per-user and
// batch role lookups, implementing identity.Source.
type RolesSource struct {
	baseURL string
	client  *http.Client
}

// NewRolesSource builds a RolesSource. baseURL is expected to serve
// GET {baseURL}/{userID} -> `["role1","role2"]` | 404 (absent user), and
// POST {baseURL}/batch with a JSON array of ids -> `{"id":["role",...]}`.
func NewRolesSource(baseURL string, client *http.Client) *RolesSource {
	if client == nil {
		client = defaultClient()
	}
	return &RolesSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *RolesSource) LoadRoles(ctx context.Context, userID string) ([]domain.Role, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+url.PathEscape(userID), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("httpsource: build roles request for %s: %w", userID, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpsource: fetch roles for %s: %w", userID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpsource: roles fetch for %s returned status %d", userID, resp.StatusCode)
	}

	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, fmt.Errorf("httpsource: decode roles for %s: %w", userID, err)
	}
	return rolesFromNames(names), nil
}

func (s *RolesSource) LoadRolesForMany(ctx context.Context, userIDs []string) (map[string][]domain.Role, error) {
	body, err := json.Marshal(userIDs)
	if err != nil {
		return nil, fmt.Errorf("httpsource: encode batch roles request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/batch", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("httpsource: build batch roles request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpsource: fetch batch roles: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpsource: batch roles fetch returned status %d", resp.StatusCode)
	}

	var byUser map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&byUser); err != nil {
		return nil, fmt.Errorf("httpsource: decode batch roles response: %w", err)
	}

	out := make(map[string][]domain.Role, len(byUser))
	for id, names := range byUser {
		out[id] = rolesFromNames(names)
	}
	return out, nil
}

func rolesFromNames(names []string) []domain.Role {
	roles := make([]domain.Role, len(names))
	for i, n := range names {
		roles[i] = domain.Role{Name: n}
	}
	return roles
}

func defaultClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
