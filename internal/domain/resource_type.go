package domain

import (
	"fmt"
	"strings"
)

// ResourceType is an opaque, case-insensitive tag. The well-known set is
// closed in practice but extensions may register additional types at
// start-up (see Registry).
type ResourceType string

const (
	ResourceTypeAccount        ResourceType = "ACCOUNT"
	ResourceTypeApplication    ResourceType = "APPLICATION"
	ResourceTypeBuildService   ResourceType = "BUILD_SERVICE"
	ResourceTypeRole           ResourceType = "ROLE"
	ResourceTypeServiceAccount ResourceType = "SERVICE_ACCOUNT"
)

// wellKnownResourceTypes maps every accepted spelling (including plural
// forms) to its canonical ResourceType.
var wellKnownResourceTypes = map[string]ResourceType{
	"ACCOUNT":         ResourceTypeAccount,
	"ACCOUNTS":        ResourceTypeAccount,
	"APPLICATION":     ResourceTypeApplication,
	"APPLICATIONS":    ResourceTypeApplication,
	"BUILD_SERVICE":   ResourceTypeBuildService,
	"BUILD_SERVICES":  ResourceTypeBuildService,
	"ROLE":            ResourceTypeRole,
	"ROLES":           ResourceTypeRole,
	"SERVICE_ACCOUNT": ResourceTypeServiceAccount,
	"SERVICE_ACCOUNTS": ResourceTypeServiceAccount,
}

// ParseResourceType parses a bare type name or a colon-separated composite
// whose final segment is the type (e.g. "gate:applications" -> APPLICATION).
// Plural forms are accepted. Unregistered, non-well-known types are
// returned uppercased and singularized (a trailing "IES" becomes "Y", a
// trailing single "S" is dropped) so that extension types can be
// recognized by a Registry that has them registered.
func ParseResourceType(s string) (ResourceType, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", &InvalidArgumentError{Message: "empty resource type"}
	}
	segment := trimmed
	if idx := strings.LastIndex(trimmed, ":"); idx >= 0 {
		segment = trimmed[idx+1:]
	}
	segment = strings.ToUpper(strings.TrimSpace(segment))
	if segment == "" {
		return "", &InvalidArgumentError{Message: fmt.Sprintf("unparseable resource type %q", s)}
	}
	if rt, ok := wellKnownResourceTypes[segment]; ok {
		return rt, nil
	}
	return ResourceType(singularize(segment)), nil
}

func singularize(s string) string {
	if strings.HasSuffix(s, "IES") {
		return s[:len(s)-3] + "Y"
	}
	if strings.HasSuffix(s, "S") && !strings.HasSuffix(s, "SS") {
		return s[:len(s)-1]
	}
	return s
}

func (t ResourceType) String() string { return string(t) }
