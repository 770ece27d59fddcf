// Package database stores match snapshots in SurrealDB.
package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

// Settings are the connection parameters a Connection needs.
type Settings interface {
	GetDBURL() string
	GetDBUser() string
	GetDBPass() string
	GetDBNs() string
	GetDBDb() string
}

// Connection is a SurrealDB session that re-establishes itself when the
// socket drops.
type Connection struct {
	settings Settings
	backoff  Backoff
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	db      *surrealdb.DB
	healthy bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewConnection creates an unconnected Connection. Call Connect before use.
func NewConnection(settings Settings, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		settings: settings,
		backoff:  DefaultBackoff,
		interval: 30 * time.Second,
		logger:   logger.With("component", "database", "db_url", redactDBURL(settings.GetDBURL())),
		done:     make(chan struct{}),
	}
}

// Connect opens the session unless one is already open.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return nil
	}
	return c.dial(ctx)
}

// Do runs fn on the current session. When fn fails because the connection
// was lost, the session is re-dialled and fn retried with backoff.
func (c *Connection) Do(ctx context.Context, fn func(*surrealdb.DB) error) error {
	db := c.current()
	if db == nil {
		return ErrNotConnected
	}
	err := fn(db)
	if !isConnectionError(err) {
		return err
	}

	c.logger.WarnContext(ctx, "Lost database connection, reconnecting", "error", err)
	return c.backoff.Do(ctx, func() error {
		if err := c.redial(ctx); err != nil {
			return err
		}
		return fn(c.current())
	})
}

// StartMonitoring pings the database periodically and reconnects when the
// ping fails. It stops when the connection is closed.
func (c *Connection) StartMonitoring() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.probe()
			}
		}
	}()
}

func (c *Connection) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.ping(ctx)
	c.setHealthy(err == nil)
	if err == nil {
		return
	}
	c.logger.WarnContext(ctx, "Database health check failed", "error", err)
	if err := c.backoff.Do(ctx, func() error { return c.redial(ctx) }); err != nil {
		c.logger.ErrorContext(ctx, "Failed to reconnect to database", "error", err)
	}
}

// Close stops monitoring and closes the session.
func (c *Connection) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = false
	if c.db == nil {
		return nil
	}
	err := c.db.Close(ctx)
	c.db = nil
	return err
}

// IsHealthy reports whether the session is open and answered its last ping.
func (c *Connection) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Connection) current() *surrealdb.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

func (c *Connection) setHealthy(v bool) {
	c.mu.Lock()
	c.healthy = v
	c.mu.Unlock()
}

func (c *Connection) ping(ctx context.Context) error {
	db := c.current()
	if db == nil {
		return ErrNotConnected
	}
	_, err := db.Version(ctx)
	return err
}

func (c *Connection) redial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dial(ctx)
}

// dial replaces the session. Callers hold c.mu.
func (c *Connection) dial(ctx context.Context) error {
	if c.db != nil {
		_ = c.db.Close(ctx)
		c.db = nil
	}
	c.healthy = false

	db, err := surrealdb.FromEndpointURLString(ctx, c.settings.GetDBURL())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", redactDBURL(c.settings.GetDBURL()), err)
	}
	if _, err := db.SignIn(ctx, &surrealdb.Auth{
		Username: c.settings.GetDBUser(),
		Password: c.settings.GetDBPass(),
	}); err != nil {
		_ = db.Close(ctx)
		return fmt.Errorf("failed to sign in as %s: %w", c.settings.GetDBUser(), err)
	}
	if err := db.Use(ctx, c.settings.GetDBNs(), c.settings.GetDBDb()); err != nil {
		_ = db.Close(ctx)
		return fmt.Errorf("failed to select %s/%s: %w", c.settings.GetDBNs(), c.settings.GetDBDb(), err)
	}

	c.db = db
	c.healthy = true
	c.logger.DebugContext(ctx, "Database connection established",
		"namespace", c.settings.GetDBNs(), "database", c.settings.GetDBDb())
	return nil
}

// isConnectionError reports whether err means the socket is gone rather than
// the statement being wrong.
func isConnectionError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "broken pipe", "connection reset", "use of closed network connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// redactDBURL hides the password in dbURL.
func redactDBURL(dbURL string) string {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
