package core

import (
	"context"
	"sync"
	"time"

	"chimenotify/internal/types"
)

// --- MockTokenVerifier ---

// MockTokenVerifier implements TokenVerifier for tests. It accepts Token
// and rejects everything else with auth_token_invalid, unless Err is set.
//
//	v := &MockTokenVerifier{Token: "s3cret"}
//	srv.TokenVerifier = v
type MockTokenVerifier struct {
	Token string
	Err   error

	mu    sync.Mutex
	Calls []string
}

// Verify implements TokenVerifier.
func (m *MockTokenVerifier) Verify(_ context.Context, token string) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if token != m.Token {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid ingest token", nil)
	}
	return nil
}

// CallCount returns how many tokens were verified.
func (m *MockTokenVerifier) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// --- MockMetricsCollector ---

// RequestMetric is one call recorded by MockMetricsCollector.
type RequestMetric struct {
	Method   string
	Endpoint string
	Status   string
	Duration time.Duration
}

// MockMetricsCollector records RecordRequest calls.
type MockMetricsCollector struct {
	mu    sync.Mutex
	Calls []RequestMetric
}

// RecordRequest implements MetricsCollector.
func (m *MockMetricsCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, RequestMetric{Method: method, Endpoint: endpoint, Status: status, Duration: duration})
}

// Snapshot returns a copy of the recorded calls.
func (m *MockMetricsCollector) Snapshot() []RequestMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RequestMetric, len(m.Calls))
	copy(out, m.Calls)
	return out
}
