package core

import "context"

// TokenVerifier checks the bearer token presented by a build host.
type TokenVerifier interface {
	// Verify returns nil when token is accepted. Implementations must not
	// leak timing information about the expected value.
	Verify(ctx context.Context, token string) error
}

// HealthProbe is a subsystem check run by GET /health.
type HealthProbe interface {
	// Name identifies the component in the health response.
	Name() string

	// Check returns an error when the subsystem is unreachable. It must
	// respect the context deadline.
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

// Name implements HealthProbe.
func (p ProbeFunc) Name() string { return p.ProbeName }

// Check implements HealthProbe.
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }
