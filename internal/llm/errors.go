package llm

import (
	"errors"
	"fmt"
)

var (
	ErrMissingAPIKey = errors.New("provider api key is not set")
	ErrEmptyResponse = errors.New("provider returned no choices")
)

// ProviderError is a non-success response from the model provider.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.Status, e.Body)
}

// IsProviderError reports whether err came from the provider boundary.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) || errors.Is(err, ErrMissingAPIKey) || errors.Is(err, ErrEmptyResponse)
}
