// Package notify implements the user-feedback channel of a lifecycle
// orchestrator. Notifications hide themselves after a fixed interval.
package notify

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/kiranshivaraju/simconsole/internal/metrics"
	"github.com/kiranshivaraju/simconsole/pkg/models"
)

// DefaultDismissAfter is how long a notification stays visible.
const DefaultDismissAfter = 3 * time.Second

type Option func(*Channel)

func WithClock(clk clock.Clock) Option {
	return func(c *Channel) { c.clk = clk }
}

func WithDismissAfter(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Channel) { c.metrics = m }
}

// Channel holds the notifications of one orchestrator. It is safe for
// concurrent use.
type Channel struct {
	clk     clock.Clock
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	items  []models.Notification
	timers map[uuid.UUID]clock.Timer
	closed bool
}

// NewChannel creates a channel using the wall clock and a 3s interval unless
// overridden.
func NewChannel(opts ...Option) *Channel {
	c := &Channel{
		clk:    clock.WallClock,
		ttl:    DefaultDismissAfter,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		timers: make(map[uuid.UUID]clock.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notify shows a notification of the given level.
func (c *Channel) Notify(level, message string) models.Notification {
	now := c.clk.Now()
	n := models.Notification{
		ID:        uuid.New(),
		Level:     level,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.logger.Info("notification", "level", level, "message", message)
	c.metrics.Notification(level)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return n
	}
	c.items = append(c.items, n)
	id := n.ID
	c.timers[id] = c.clk.AfterFunc(c.ttl, func() { c.remove(id) })
	return n
}

func (c *Channel) Success(message string) models.Notification {
	return c.Notify(models.NotificationSuccess, message)
}

func (c *Channel) Error(message string) models.Notification {
	return c.Notify(models.NotificationError, message)
}

func (c *Channel) Info(message string) models.Notification {
	return c.Notify(models.NotificationInfo, message)
}

func (c *Channel) Warning(message string) models.Notification {
	return c.Notify(models.NotificationWarning, message)
}

// Active returns the notifications still visible, oldest first. A
// notification is hidden from the instant its interval has elapsed, whether
// or not its timer has fired yet.
func (c *Channel) Active() []models.Notification {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Notification, 0, len(c.items))
	for _, n := range c.items {
		if now.Before(n.ExpiresAt) {
			out = append(out, n)
		}
	}
	return out
}

// Dismiss hides a notification early. It reports whether it was visible.
func (c *Channel) Dismiss(id uuid.UUID) bool {
	c.mu.Lock()
	t, ok := c.timers[id]
	c.mu.Unlock()
	if ok {
		t.Stop()
	}
	return c.remove(id)
}

// Close stops all dismissal timers and drops the notifications.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[uuid.UUID]clock.Timer)
	c.items = nil
	c.closed = true
}

func (c *Channel) remove(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, id)
	for i, n := range c.items {
		if n.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return true
		}
	}
	return false
}
