package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span for a service operation.
// This is a convenience wrapper around otel.Tracer().Start() with common patterns.
//
// Usage in services:
//
//	ctx, span := telemetry.StartSpan(ctx, "authzd/resolver", "resolver.ResolveAndMerge",
//	    attribute.String("user.id", userID),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
// This is a convenience wrapper to ensure consistent error recording.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span with optional attributes.
// Use for business events like validation failures, policy checks, etc.
//
// Example:
//
//	telemetry.AddEvent(span, "validation.failed",
//	    attribute.String("reason", "invalid label format"),
//	)
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for authzd services
const (
	// Resolver attributes
	AttrUserID           = "user.id"
	AttrUserIsAdmin      = "user.is_admin"
	AttrResolveRoleCount = "resolve.role_count"

	// Resource provider / loader attributes
	AttrResourceType  = "resource.type"
	AttrLoaderName    = "loader.name"
	AttrLoaderHealthy = "loader.healthy"

	// Repository attributes
	AttrRepositoryBackend = "repository.backend"
	AttrRepositoryOp      = "repository.op"

	// Syncer attributes
	AttrSyncLockName  = "sync.lock_name"
	AttrSyncUserCount = "sync.user_count"
)
