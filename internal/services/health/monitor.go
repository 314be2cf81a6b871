// Package health periodically probes the service's dependencies and keeps
// the latest result of each probe.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

type checkFunc struct {
	name  string
	check func(ctx context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.check(ctx) }

// NewCheck adapts a ping-style function into a Checker.
func NewCheck(name string, check func(ctx context.Context) error) Checker {
	return checkFunc{name: name, check: check}
}

type Status struct {
	Healthy   bool
	Error     string
	CheckedAt time.Time
}

type Monitor struct {
	checkers []Checker
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	cache    map[string]Status
	mutex    sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewMonitor(interval time.Duration, logger zerolog.Logger, checkers ...Checker) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := interval * 2 / 3
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Monitor{
		checkers: checkers,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "health").Logger(),
		cache:    make(map[string]Status),
		stopChan: make(chan struct{}),
	}
}

func (m *Monitor) GetStatus(name string) (Status, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	status, found := m.cache[name]
	return status, found
}

// Snapshot returns a copy of the latest status of every dependency.
func (m *Monitor) Snapshot() map[string]Status {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make(map[string]Status, len(m.cache))
	for name, status := range m.cache {
		out[name] = status
	}
	return out
}

// Healthy reports false if any dependency failed its last probe or has
// not been probed yet.
func (m *Monitor) Healthy() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, c := range m.checkers {
		status, found := m.cache[c.Name()]
		if !found || !status.Healthy {
			return false
		}
	}
	return true
}

func (m *Monitor) Start() {
	m.logger.Info().Dur("interval", m.interval).Int("dependencies", len(m.checkers)).Msg("[health] Starting health monitor...")
	ticker := time.NewTicker(m.interval)
	go func() {
		m.CheckNow(context.Background())
		for {
			select {
			case <-ticker.C:
				m.CheckNow(context.Background())
			case <-m.stopChan:
				ticker.Stop()
				m.logger.Info().Msg("[health] Health monitor stopped.")
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// CheckNow probes every dependency once and updates the cache.
func (m *Monitor) CheckNow(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	for _, c := range m.checkers {
		status := Status{Healthy: true, CheckedAt: time.Now().UTC()}
		if err := c.Check(ctx); err != nil {
			m.logger.Warn().Err(err).Str("dependency", c.Name()).Msg("[health] dependency check failed, marking as failing")
			status.Healthy = false
			status.Error = err.Error()
		}
		m.updateStatus(c.Name(), status)
	}
}

func (m *Monitor) updateStatus(name string, status Status) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	previous, found := m.cache[name]
	m.cache[name] = status
	if !found || previous.Healthy != status.Healthy {
		m.logger.Info().Str("dependency", name).Bool("healthy", status.Healthy).Msg("[health] Updated status")
	}
}
