package routing

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	// ErrProviderUnavailable matches a ProviderUnavailableError with errors.Is
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrAllProvidersFailed matches an AllProvidersFailedError with errors.Is
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// ProviderUnavailableError is returned when the requested or selected
// provider is not registered. It is never retried and never falls back.
type ProviderUnavailableError struct {
	Provider string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %q is not available", e.Provider)
}

func (e *ProviderUnavailableError) Is(target error) bool {
	return target == ErrProviderUnavailable
}

// ProviderFailure is one failed attempt in a fallback chain
type ProviderFailure struct {
	Provider string
	Err      error
}

// AllProvidersFailedError aggregates the primary failure and every fallback
// failure of one logical request
type AllProvidersFailedError struct {
	Primary    string
	PrimaryErr error
	Fallbacks  []ProviderFailure

	combined error
}

func newAllProvidersFailedError(primary string, primaryErr error, fallbacks []ProviderFailure) *AllProvidersFailedError {
	combined := primaryErr
	for _, f := range fallbacks {
		combined = multierr.Append(combined, f.Err)
	}
	return &AllProvidersFailedError{
		Primary:    primary,
		PrimaryErr: primaryErr,
		Fallbacks:  fallbacks,
		combined:   combined,
	}
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed (primary %s, %d fallback attempts): %v",
		e.Primary, len(e.Fallbacks), e.combined)
}

func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// Unwrap exposes every underlying failure, primary first
func (e *AllProvidersFailedError) Unwrap() []error {
	return multierr.Errors(e.combined)
}

// Providers lists the attempted providers in order
func (e *AllProvidersFailedError) Providers() []string {
	names := make([]string, 0, len(e.Fallbacks)+1)
	names = append(names, e.Primary)
	for _, f := range e.Fallbacks {
		names = append(names, f.Provider)
	}
	return names
}
