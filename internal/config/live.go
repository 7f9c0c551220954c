package config

import (
	"sync"

	"github.com/ashureev/tabrelay/internal/domain"
)

// Live holds the current settings snapshot. Readers always get a copy.
type Live struct {
	mu       sync.RWMutex
	settings domain.Settings
}

// NewLive creates a holder seeded with s.
func NewLive(s domain.Settings) *Live {
	return &Live{settings: s}
}

// Get returns the current snapshot.
func (l *Live) Get() domain.Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings
}

// Set replaces the snapshot and returns the previous one.
func (l *Live) Set(s domain.Settings) domain.Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.settings
	l.settings = s
	return prev
}
