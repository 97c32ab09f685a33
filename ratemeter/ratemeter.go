// Package ratemeter implements a sliding-window byte-rate estimator, used
// to track per-connection download/upload throughput.
package ratemeter

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// Config controls a RateMeter's averaging window.
type Config struct {
	Window time.Duration `yaml:"window"`
}

func (c Config) applyDefaults() Config {
	if c.Window == 0 {
		c.Window = 20 * time.Second
	}
	return c
}

type sample struct {
	at    time.Time
	bytes int64
}

// RateMeter estimates a byte rate over a trailing time window, by summing
// samples added within that window and dividing by its length.
type RateMeter struct {
	config Config
	clk    clock.Clock

	mu      sync.Mutex
	samples []sample
}

// New returns a RateMeter with default config and the system clock.
func New() *RateMeter {
	return NewWithClock(Config{}, clock.New())
}

// NewWithClock returns a RateMeter using the given config and clock, for
// tests that need to control the passage of time.
func NewWithClock(config Config, clk clock.Clock) *RateMeter {
	return &RateMeter{config: config.applyDefaults(), clk: clk}
}

// Add records n bytes transferred at the current time.
func (m *RateMeter) Add(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample{at: m.clk.Now(), bytes: n})
	m.evict(m.clk.Now())
}

// Rate returns the estimated bytes/sec over the trailing window, counting
// only samples added within it.
func (m *RateMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	m.evict(now)

	var total int64
	for _, s := range m.samples {
		total += s.bytes
	}
	return float64(total) / m.config.Window.Seconds()
}

// evict drops samples older than the window. Caller must hold m.mu.
func (m *RateMeter) evict(now time.Time) {
	cutoff := now.Add(-m.config.Window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = m.samples[i:]
	}
}
