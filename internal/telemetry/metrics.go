package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ServerMetrics holds metric instruments for HTTP server telemetry.
// Initialize once at server startup and reuse throughout the application lifecycle.
type ServerMetrics struct {
	RequestCounter    metric.Int64Counter      // Total HTTP requests
	RequestDuration   metric.Float64Histogram  // HTTP request latency
	ActiveConnections metric.Int64UpDownCounter // Active HTTP connections
	ErrorCounter      metric.Int64Counter      // Total HTTP errors (5xx)
}

// NewServerMetrics creates a new ServerMetrics instance with pre-configured instruments.
// Call this during server initialization and store the returned metrics globally.
func NewServerMetrics() (*ServerMetrics, error) {
	meter := otel.Meter("authzd/http")

	// Counter: Total number of HTTP requests
	// Use for: Request counts by method, route, status
	requestCounter, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	// Histogram: HTTP request duration in milliseconds
	// Use for: Latency percentiles (p50, p95, p99)
	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
		// Buckets: 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, err
	}

	// UpDownCounter: Number of active HTTP connections
	// Use for: Current load, connection pool monitoring
	activeConnections, err := meter.Int64UpDownCounter(
		"http.server.active_connections",
		metric.WithDescription("Number of active HTTP connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	// Counter: Total number of HTTP errors (5xx responses)
	// Use for: Error rate alerts, SLI calculations
	errorCounter, err := meter.Int64Counter(
		"http.server.error.count",
		metric.WithDescription("Total number of HTTP server errors (5xx)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &ServerMetrics{
		RequestCounter:    requestCounter,
		RequestDuration:   requestDuration,
		ActiveConnections: activeConnections,
		ErrorCounter:      errorCounter,
	}, nil
}

// RecordRequest records an HTTP request with method, route, status, and duration.
// Call this at the end of each request handler (typically in middleware).
func (m *ServerMetrics) RecordRequest(ctx context.Context, method, route, status string, durationMs float64) {
	// Attributes for dimensions (allows filtering/grouping in SigNoz)
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.String("http.status_code", status),
	)

	// Increment request counter
	m.RequestCounter.Add(ctx, 1, attrs)

	// Record request duration
	m.RequestDuration.Record(ctx, durationMs, attrs)

	// Increment error counter if 5xx status
	if len(status) > 0 && status[0] == '5' {
		m.ErrorCounter.Add(ctx, 1, attrs)
	}
}

// ConnectionOpened increments the active connections counter.
// Call this when a new HTTP connection is established.
func (m *ServerMetrics) ConnectionOpened(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

// ConnectionClosed decrements the active connections counter.
// Call this when an HTTP connection is closed.
func (m *ServerMetrics) ConnectionClosed(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

// DatabaseMetrics holds metric instruments for database operations.
type DatabaseMetrics struct {
	QueryCounter  metric.Int64Counter     // Total database queries
	QueryDuration metric.Float64Histogram // Query latency
	QueryErrors   metric.Int64Counter     // Total query errors
}

// NewDatabaseMetrics creates metric instruments for database telemetry.
func NewDatabaseMetrics() (*DatabaseMetrics, error) {
	meter := otel.Meter("authzd/database")

	queryCounter, err := meter.Int64Counter(
		"db.query.count",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, err
	}

	queryDuration, err := meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000),
	)
	if err != nil {
		return nil, err
	}

	queryErrors, err := meter.Int64Counter(
		"db.query.error.count",
		metric.WithDescription("Total number of database query errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &DatabaseMetrics{
		QueryCounter:  queryCounter,
		QueryDuration: queryDuration,
		QueryErrors:   queryErrors,
	}, nil
}

// RecordQuery records a database query with operation type and duration.
func (d *DatabaseMetrics) RecordQuery(ctx context.Context, operation string, durationMs float64, err error) {
	attrs := metric.WithAttributes(
		attribute.String("db.operation", operation), // SELECT, INSERT, UPDATE, DELETE
	)

	d.QueryCounter.Add(ctx, 1, attrs)
	d.QueryDuration.Record(ctx, durationMs, attrs)

	if err != nil {
		d.QueryErrors.Add(ctx, 1, attrs)
	}
}

// ResolveMetrics holds metric instruments for PermissionsResolver
// operations (§4.4).
type ResolveMetrics struct {
	ResolveAttempts metric.Int64Counter
	ResolveFailures metric.Int64Counter
	ResolveDuration metric.Float64Histogram
}

// NewResolveMetrics creates metric instruments for resolver telemetry.
func NewResolveMetrics() (*ResolveMetrics, error) {
	meter := otel.Meter("authzd/resolver")

	resolveAttempts, err := meter.Int64Counter(
		"resolve.attempt.count",
		metric.WithDescription("Total number of permission resolve attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	resolveFailures, err := meter.Int64Counter(
		"resolve.failure.count",
		metric.WithDescription("Total number of failed permission resolve attempts"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	resolveDuration, err := meter.Float64Histogram(
		"resolve.duration",
		metric.WithDescription("Permission resolve operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000),
	)
	if err != nil {
		return nil, err
	}

	return &ResolveMetrics{
		ResolveAttempts: resolveAttempts,
		ResolveFailures: resolveFailures,
		ResolveDuration: resolveDuration,
	}, nil
}

// RecordResolve records a resolve attempt with result and duration.
func (m *ResolveMetrics) RecordResolve(ctx context.Context, batch bool, success bool, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.Bool("resolve.batch", batch),
		attribute.Bool("resolve.success", success),
	)

	m.ResolveAttempts.Add(ctx, 1, attrs)
	m.ResolveDuration.Record(ctx, durationMs, attrs)

	if !success {
		m.ResolveFailures.Add(ctx, 1, attrs)
	}
}

// SyncMetrics holds metric instruments for UserRolesSyncer ticks (§4.6).
type SyncMetrics struct {
	TickAttempts  metric.Int64Counter
	TickFailures  metric.Int64Counter
	TickDuration  metric.Float64Histogram
	UsersSynced   metric.Int64Counter
	LockContended metric.Int64Counter
}

// NewSyncMetrics creates metric instruments for syncer telemetry.
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter("authzd/syncer")

	tickAttempts, err := meter.Int64Counter(
		"sync.tick.count",
		metric.WithDescription("Total number of sync ticks attempted"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, err
	}

	tickFailures, err := meter.Int64Counter(
		"sync.tick.failure.count",
		metric.WithDescription("Total number of sync ticks that failed"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, err
	}

	tickDuration, err := meter.Float64Histogram(
		"sync.tick.duration",
		metric.WithDescription("Sync tick duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 30000, 60000),
	)
	if err != nil {
		return nil, err
	}

	usersSynced, err := meter.Int64Counter(
		"sync.users.count",
		metric.WithDescription("Total number of users written by the syncer"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, err
	}

	lockContended, err := meter.Int64Counter(
		"sync.lock_contended.count",
		metric.WithDescription("Total number of ticks skipped because the distributed lock was held elsewhere"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		TickAttempts:  tickAttempts,
		TickFailures:  tickFailures,
		TickDuration:  tickDuration,
		UsersSynced:   usersSynced,
		LockContended: lockContended,
	}, nil
}

// RecordTick records the outcome and duration of one sync tick.
func (m *SyncMetrics) RecordTick(ctx context.Context, success bool, durationMs float64, usersSynced int) {
	m.TickAttempts.Add(ctx, 1)
	m.TickDuration.Record(ctx, durationMs)
	m.UsersSynced.Add(ctx, int64(usersSynced))
	if !success {
		m.TickFailures.Add(ctx, 1)
	}
}

// Common metric attribute keys for authzd services
const (
	// HTTP attributes
	AttrHTTPMethod     = "http.method"
	AttrHTTPRoute      = "http.route"
	AttrHTTPStatusCode = "http.status_code"

	// Database attributes
	AttrDBOperation = "db.operation"
	AttrDBTable     = "db.table"

	// Resolver attributes
	AttrResolveBatch   = "resolve.batch"
	AttrResolveSuccess = "resolve.success"
)
