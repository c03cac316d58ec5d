package llm

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by providers that have no credentials.
var ErrNotConfigured = errors.New("llm provider not configured")

// Provider defines the interface for interacting with LLM services.
type Provider interface {
	// GenerateText sends a system instruction plus prompt and returns the text response.
	// name selects a profile (model override) and labels the prompt log.
	GenerateText(ctx context.Context, name, system, prompt string) (string, error)

	// HealthCheck verifies that the provider is configured and reachable.
	HealthCheck(ctx context.Context) error

	// HasProfile checks if the provider has a specific profile configured.
	HasProfile(name string) bool
}

// Disabled is a Provider that always fails, forcing callers onto their fallback.
type Disabled struct{}

func (Disabled) GenerateText(context.Context, string, string, string) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) HealthCheck(context.Context) error { return ErrNotConfigured }

func (Disabled) HasProfile(string) bool { return false }
