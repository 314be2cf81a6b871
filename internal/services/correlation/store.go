// Package correlation holds short-lived, single-use associations between an
// opaque correlation token and the payload it authorizes. Nothing is
// persisted: entries live in process memory until they are taken, deleted,
// or expire.
package correlation

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const DefaultExpiry = 5 * time.Minute

type entry[T any] struct {
	payload    T
	createdAt  time.Time
	generation uint64
	timer      *time.Timer
}

type options struct {
	clock  func() time.Time
	logger zerolog.Logger
	gauge  prometheus.Gauge
}

type Option func(*options)

// WithClock replaces time.Now for the passive expiry check.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithGauge reports the number of live entries.
func WithGauge(gauge prometheus.Gauge) Option {
	return func(o *options) { o.gauge = gauge }
}

// Store maps correlation tokens to payloads with a bounded lifetime.
//
// Expiry is enforced twice: Get and Take compare timestamps on every read,
// which is the correctness guarantee, and a timer armed on Store evicts
// abandoned entries so memory does not grow with flows that never return.
type Store[T any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[T]
	expiry     time.Duration
	generation uint64
	closed     bool
	opts       options
}

func New[T any](expiry time.Duration, opts ...Option) *Store[T] {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	o := options{clock: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		entries: make(map[string]*entry[T]),
		expiry:  expiry,
		opts:    o,
	}
}

func (s *Store[T]) Expiry() time.Duration {
	return s.expiry
}

// Store records payload under token. A token collision overwrites the
// previous entry; tokens come from a secure random source, so a collision
// means that source is broken and is logged loudly.
func (s *Store[T]) Store(token string, payload T) {
	if token == "" {
		s.opts.logger.Warn().Msg("[correlation] refusing to store empty token")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if prev, ok := s.entries[token]; ok {
		s.opts.logger.Error().Str("token", redact(token)).Msg("[correlation] duplicate token, overwriting existing entry")
		prev.timer.Stop()
	}

	s.generation++
	gen := s.generation
	e := &entry[T]{
		payload:    clone(payload),
		createdAt:  s.opts.clock(),
		generation: gen,
	}
	e.timer = time.AfterFunc(s.expiry, func() { s.evict(token, gen) })
	s.entries[token] = e
	s.reportSize()
}

// Get returns a copy of the payload for token. Missing, expired and
// already-taken tokens are all reported as absent.
func (s *Store[T]) Get(token string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(token)
	if !ok {
		var zero T
		return zero, false
	}
	return clone(e.payload), true
}

// Take returns the payload for token and removes it in the same critical
// section, so at most one caller ever observes a given entry.
func (s *Store[T]) Take(token string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(token)
	if !ok {
		var zero T
		return zero, false
	}
	s.remove(token, e)
	return e.payload, true
}

// Delete removes token. Unknown tokens are ignored.
func (s *Store[T]) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[token]; ok {
		s.remove(token, e)
	}
}

func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops every eviction timer and drops all entries.
func (s *Store[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, e := range s.entries {
		s.remove(token, e)
	}
	s.closed = true
}

// live must be called with mu held.
func (s *Store[T]) live(token string) (*entry[T], bool) {
	e, ok := s.entries[token]
	if !ok {
		return nil, false
	}
	if s.opts.clock().Sub(e.createdAt) > s.expiry {
		s.remove(token, e)
		return nil, false
	}
	return e, true
}

// remove must be called with mu held.
func (s *Store[T]) remove(token string, e *entry[T]) {
	e.timer.Stop()
	delete(s.entries, token)
	s.reportSize()
}

func (s *Store[T]) evict(token string, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok || e.generation != generation {
		return
	}
	delete(s.entries, token)
	s.reportSize()
	s.opts.logger.Debug().Str("token", redact(token)).Msg("[correlation] entry expired")
}

func (s *Store[T]) reportSize() {
	if s.opts.gauge != nil {
		s.opts.gauge.Set(float64(len(s.entries)))
	}
}

func clone[T any](v T) T {
	if c, ok := any(v).(interface{ Clone() T }); ok {
		return c.Clone()
	}
	return v
}

func redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "****"
}
