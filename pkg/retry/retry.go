// Package retry provides exponential backoff for operations against
// external systems (document store, message broker). It cooperates with the
// application's error classification: transient errors retry, invalid and
// fatal ones fail immediately.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/c360/devicehub/errors"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Config provides retry configuration.
type Config struct {
	MaxAttempts  int           // attempts before giving up; 0 means run once
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // backoff ceiling
	Multiplier   float64       // backoff growth factor
	AddJitter    bool          // randomize delays to avoid thundering herd
}

// DefaultConfig returns sensible defaults for store and broker calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Startup returns a config for connection establishment at boot, where the
// dependency may simply not be up yet.
func Startup() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// retryable reports whether an attempt's error is worth repeating.
// Classified invalid and fatal errors never are; unclassified errors are
// assumed transient, matching how drivers surface network failures.
func retryable(err error) bool {
	if errors.IsInvalid(err) || errors.IsFatal(err) {
		return false
	}
	return true
}

// Do executes fn with exponential backoff until it succeeds, exhausts its
// attempts, hits a non-retryable error, or the context ends.
func (c Config) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}

	var lastErr error
	delay := c.InitialDelay

	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == c.MaxAttempts {
			break
		}

		sleep := delay
		if c.AddJitter && delay >= 4 {
			randMu.Lock()
			sleep += time.Duration(randSource.Int63n(int64(delay / 4)))
			randMu.Unlock()
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		next := float64(delay) * c.Multiplier
		if next > float64(c.MaxDelay) {
			delay = c.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", c.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns its result.
func DoWithResult[T any](ctx context.Context, c Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := c.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}
