// Package shared provides core domain types used across bounded contexts.
package shared

import "time"

// TimeProvider abstracts time access to support deterministic testing of
// staleness thresholds and expiration tiers.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
}

// RealTimeProvider returns the system clock time in UTC.
type RealTimeProvider struct{}

// Now returns the current UTC time.
func (RealTimeProvider) Now() time.Time { return time.Now().UTC() }

// MockTimeProvider is a controllable clock for tests.
type MockTimeProvider struct{ current time.Time }

// NewMockTimeProvider creates a MockTimeProvider fixed at the given time.
func NewMockTimeProvider(t time.Time) *MockTimeProvider {
	return &MockTimeProvider{current: t}
}

// Now returns the mock's current time.
func (m *MockTimeProvider) Now() time.Time { return m.current }

// Advance moves the mock clock forward by d.
func (m *MockTimeProvider) Advance(d time.Duration) { m.current = m.current.Add(d) }

// Set pins the mock clock to t.
func (m *MockTimeProvider) Set(t time.Time) { m.current = t }
