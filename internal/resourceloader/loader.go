package resourceloader

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/terraconstructs/authzd/internal/domain"
)

// Source is the external collaborator a Loader pulls resources from: the
// concrete application registry, cloud account registry, build-system
// registry, etc. Implementations should wrap non-transient errors with
// backoff.Permanent so the retry policy does not waste attempts on them.
type Source interface {
	Load(ctx context.Context) ([]domain.Resource, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]domain.Resource, error)

func (f SourceFunc) Load(ctx context.Context) ([]domain.Resource, error) { return f(ctx) }

type snapshot struct {
	resources  []domain.Resource
	generation uint64
}

// Config configures a Loader's refresh cadence and resilience envelope.
type Config struct {
	// Interval between load() invocations (default 30s per §4.1).
	Interval time.Duration
	// MaxStaleness feeds the HealthTracker.
	MaxStaleness time.Duration
	// MaxAttempts bounds the retry policy per tick.
	MaxAttempts uint64
	// InitialInterval is the starting backoff wait.
	InitialInterval time.Duration
	// BreakerMaxRequests/Interval/Timeout configure the circuit breaker
	// exactly as gobreaker.Settings does.
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		MaxStaleness:       90 * time.Second,
		MaxAttempts:        3,
		InitialInterval:    200 * time.Millisecond,
		BreakerMaxRequests: 1,
		BreakerInterval:    60 * time.Second,
		BreakerTimeout:     30 * time.Second,
	}
}

// Loader owns one Source, refreshing its snapshot on a fixed interval
// behind a circuit breaker and retry policy (§4.1).
type Loader struct {
	name    string
	source  Source
	cfg     Config
	health  *HealthTracker
	breaker *gobreaker.CircuitBreaker[[]domain.Resource]
	logger  *slog.Logger

	current atomic.Value // *snapshot
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Loader. The loader starts with an empty snapshot at
// generation 0 and an unhealthy HealthTracker until the first successful
// load.
func New(name string, source Source, cfg Config, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		name:   name,
		source: source,
		cfg:    cfg,
		health: NewHealthTracker(cfg.MaxStaleness),
		logger: logger.With("loader", name),
	}
	l.current.Store(&snapshot{})
	l.breaker = gobreaker.NewCircuitBreaker[[]domain.Resource](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("circuit breaker state change", "from", from, "to", to)
		},
	})
	return l
}

// Health returns the loader's HealthTracker.
func (l *Loader) Health() *HealthTracker { return l.health }

// Snapshot returns the current resources and the generation counter they
// were loaded at. Generation 0 means no successful load has ever
// occurred.
func (l *Loader) Snapshot() ([]domain.Resource, uint64) {
	s := l.current.Load().(*snapshot)
	return s.resources, s.generation
}

// Start launches the periodic refresh loop. It performs one synchronous
// load before returning so that callers observe a populated (or
// known-empty) snapshot immediately after Start returns, matching the
// "initial state is unhealthy; the first successful load flips it"
// contract without forcing every caller to poll.
func (l *Loader) Start(ctx context.Context) {
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.runOnce(ctx)

	go func() {
		defer close(l.doneCh)
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.runOnce(ctx)
			}
		}
	}()
}

// Stop halts the refresh loop and waits for the in-flight tick, if any,
// to finish.
func (l *Loader) Stop() {
	if l.stopCh == nil {
		return
	}
	close(l.stopCh)
	<-l.doneCh
}

func (l *Loader) runOnce(ctx context.Context) {
	resources, err := l.breaker.Execute(func() ([]domain.Resource, error) {
		return l.loadWithRetry(ctx)
	})
	if err != nil {
		l.logger.Warn("load failed, retaining previous snapshot", "error", err)
		return
	}
	prev := l.current.Load().(*snapshot)
	l.current.Store(&snapshot{resources: resources, generation: prev.generation + 1})
	l.health.MarkSuccess(time.Now())
}

func (l *Loader) loadWithRetry(ctx context.Context) ([]domain.Resource, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.cfg.InitialInterval
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, l.cfg.MaxAttempts), ctx)

	var resources []domain.Resource
	op := func() error {
		r, err := l.source.Load(ctx)
		if err != nil {
			return err
		}
		resources = r
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return resources, nil
}
