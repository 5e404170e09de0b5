// Package testutil — общие помощники тестов: управляемые часы,
// SQLite-хранилище в памяти и Postgres в testcontainers.
package testutil

import (
	"sync"
	"time"
)

// Epoch — начальное время часов по умолчанию.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock — часы, которые двигаются только явно.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock создаёт часы, стоящие на Epoch.
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

// Now возвращает текущее время часов. Подходит как поле Now сервисов.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance сдвигает часы вперёд.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set переставляет часы.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
