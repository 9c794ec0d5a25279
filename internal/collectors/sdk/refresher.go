// Package sdk defines the contract periodic background fetchers implement.
package sdk

import (
	"context"
	"time"
)

// Refresher is a named periodic fetcher with its own cadence. Refresh errors
// are reported, never fatal: the caller keeps the previous cached value and
// retries on the next tick.
type Refresher interface {
	Name() string
	Interval() time.Duration
	Refresh(ctx context.Context) error
}
