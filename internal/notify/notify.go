// Package notify carries user-facing notifications raised by background tasks.
package notify

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a non-blocking message for the user.
type Notification struct {
	ID      string    `json:"id"`
	Level   Level     `json:"level"`
	Domain  string    `json:"domain,omitempty"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

// New fills in the id and timestamp of a notification.
func New(level Level, domain, message string) Notification {
	return Notification{
		ID:      uuid.NewString(),
		Level:   level,
		Domain:  domain,
		Message: message,
		Time:    time.Now().UTC(),
	}
}

// FromError builds an error notification; detail carries the error text.
func FromError(domain, message string, err error) Notification {
	n := New(LevelError, domain, message)
	if err != nil {
		n.Detail = err.Error()
	}
	return n
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Fanout delivers to every notifier, continuing past failures.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, target := range f {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps the most recent notifications, oldest first.
type Memory struct {
	mu    sync.RWMutex
	limit int
	items []Notification
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 100
	}
	return &Memory{limit: limit}
}

func (m *Memory) Notify(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, n)
	if over := len(m.items) - m.limit; over > 0 {
		m.items = append([]Notification(nil), m.items[over:]...)
	}
	return nil
}

// List returns the buffered notifications newer than since. A zero since
// returns all of them.
func (m *Memory) List(since time.Time) []Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Notification, 0, len(m.items))
	for _, n := range m.items {
		if since.IsZero() || n.Time.After(since) {
			out = append(out, n)
		}
	}
	return out
}

// Notifications returns up to limit notifications newer than since, newest
// first, matching the persistent store.
func (m *Memory) Notifications(_ context.Context, since time.Time, limit int) ([]Notification, error) {
	items := m.List(since)
	slices.Reverse(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *Memory) Clear() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
}
