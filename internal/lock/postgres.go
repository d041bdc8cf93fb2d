package lock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/authzd/internal/db/bunx"
)

// PostgresLock implements Lock with pg_try_advisory_lock/pg_advisory_unlock
// (§4.6, §10). Advisory locks are held by a session, so a successful
// TryAcquire pins one *sql.Conn out of the pool for the lifetime of the
// hold; Release (or maxDuration expiry) returns it.
type PostgresLock struct {
	db *bun.DB

	mu      sync.Mutex
	holding map[string]*heldConn // token -> conn
}

type heldConn struct {
	conn  *sql.Conn
	key   int64
	timer *time.Timer
}

func NewPostgresLock(db *bun.DB) *PostgresLock {
	return &PostgresLock{db: db, holding: make(map[string]*heldConn)}
}

// TryAcquire reserves a dedicated connection and issues
// pg_try_advisory_lock(key) on it, where key is an fnv64 hash of name.
// On success the connection is held until Release or until maxDuration
// elapses, whichever comes first.
func (l *PostgresLock) TryAcquire(ctx context.Context, name string, maxDuration time.Duration) (string, bool, error) {
	key := advisoryKey(name)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return "", false, err
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Close()
		return "", false, err
	}
	if !acquired {
		conn.Close()
		return "", false, nil
	}

	token := bunx.NewUUIDv7()
	held := &heldConn{conn: conn, key: key}
	held.timer = time.AfterFunc(maxDuration, func() { l.expire(token) })

	l.mu.Lock()
	l.holding[token] = held
	l.mu.Unlock()

	return token, true, nil
}

// Release unlocks and returns the connection held by token.
func (l *PostgresLock) Release(ctx context.Context, name, token string) error {
	l.mu.Lock()
	held, ok := l.holding[token]
	if ok {
		delete(l.holding, token)
	}
	l.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}
	held.timer.Stop()
	return l.unlockAndClose(ctx, held)
}

func (l *PostgresLock) expire(token string) {
	l.mu.Lock()
	held, ok := l.holding[token]
	if ok {
		delete(l.holding, token)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	_ = l.unlockAndClose(context.Background(), held)
}

func (l *PostgresLock) unlockAndClose(ctx context.Context, held *heldConn) error {
	_, err := held.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", held.key)
	closeErr := held.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
