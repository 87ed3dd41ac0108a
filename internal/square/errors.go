package square

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jogardn/donut-preorders/internal/circuitbreaker"
)

// ErrUnavailable marks failures the caller may retry later: timeouts,
// transport errors and an open circuit.
var ErrUnavailable = errors.New("square temporarily unavailable")

type APIError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail,omitempty"`
	Field    string `json:"field,omitempty"`
}

// ProviderError carries an error payload returned by Square untouched.
type ProviderError struct {
	StatusCode int
	Errors     []APIError
	Raw        string
}

func (e *ProviderError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("square returned status %d", e.StatusCode)
	}
	codes := make([]string, 0, len(e.Errors))
	for _, apiErr := range e.Errors {
		codes = append(codes, apiErr.Code)
	}
	return fmt.Sprintf("square returned status %d: %s", e.StatusCode, strings.Join(codes, ","))
}

// Detail is the first human readable message in the payload, if any.
func (e *ProviderError) Detail() string {
	for _, apiErr := range e.Errors {
		if apiErr.Detail != "" {
			return apiErr.Detail
		}
	}
	return ""
}

func (e *ProviderError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsTransient reports whether err is worth retrying later. It also decides
// which errors count against the circuit breaker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return true
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode >= 500 || providerErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
