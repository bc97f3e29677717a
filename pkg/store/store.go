package store

import "context"

// Adapter is the minimal lifecycle and health contract shared by native
// store clients and their backends.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}
