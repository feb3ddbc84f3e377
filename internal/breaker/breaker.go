// Package breaker configures the circuit breakers wrapped around provider HTTP APIs.
package breaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// New returns a breaker that opens after more than five consecutive failures, or when at least
// 60% of ten or more requests in a minute failed. Errors for which ignore returns true count as
// successes, so a run of 404s never takes an account offline.
func New(name string, logger zerolog.Logger, ignore func(error) bool) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures > 5 {
				return true
			}
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (ignore != nil && ignore(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})
}

// Do runs fn through cb.
func Do(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
