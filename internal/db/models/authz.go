// Package models holds the bun row models for the relational
// PermissionsRepository backend (§4.5a).
package models

import "github.com/uptrace/bun"

// User is the user table row: one per known non-synthetic user id, plus
// the reserved unrestricted id.
type User struct {
	bun.BaseModel `bun:"table:user"`

	ID        string `bun:"id,pk"`
	Admin     bool   `bun:"admin,notnull,default:false"`
	UpdatedAt int64  `bun:"updated_at,notnull"`
}

// Resource is a deduplicated resource body, keyed by (type, name).
// body_hash lets put() skip rewriting bodies that have not changed.
type Resource struct {
	bun.BaseModel `bun:"table:resource"`

	ResourceType string `bun:"resource_type,pk"`
	ResourceName string `bun:"resource_name,pk"`
	Body         string `bun:"body,notnull"`
	BodyHash     string `bun:"body_hash"`
	UpdatedAt    int64  `bun:"updated_at"`
}

// Permission is a (user, resource) access fact. ResourceType=ROLE rows
// record role membership, consulted by getAllByRoles.
type Permission struct {
	bun.BaseModel `bun:"table:permission"`

	UserID       string `bun:"user_id,pk"`
	ResourceType string `bun:"resource_type,pk"`
	ResourceName string `bun:"resource_name,pk"`
}
