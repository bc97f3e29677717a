package kv

import "time"

// BasePolicy carries the settings shared by every command.
type BasePolicy struct {
	// TotalTimeout bounds the whole command including retries. Zero means no limit.
	TotalTimeout time.Duration
	// SocketTimeout bounds a single attempt.
	SocketTimeout time.Duration
	// MaxRetries is applied by the native client; kvbridge never retries.
	MaxRetries int
	// SendKey stores the user key alongside the record.
	SendKey bool
}

// RecordExistsAction selects write behavior relative to an existing record.
type RecordExistsAction int

const (
	// Update merges bins into an existing record or creates it.
	Update RecordExistsAction = iota
	// UpdateOnly fails with KeyNotFound when the record is missing.
	UpdateOnly
	// Replace overwrites all bins or creates the record.
	Replace
	// ReplaceOnly fails with KeyNotFound when the record is missing.
	ReplaceOnly
	// CreateOnly fails with KeyExists when the record exists.
	CreateOnly
)

// GenerationPolicy selects how WritePolicy.Generation is enforced.
type GenerationPolicy int

const (
	// GenerationNone ignores the expected generation.
	GenerationNone GenerationPolicy = iota
	// ExpectGenEqual requires the stored generation to equal WritePolicy.Generation.
	ExpectGenEqual
	// ExpectGenGreater requires WritePolicy.Generation to exceed the stored one.
	ExpectGenGreater
)

// WritePolicy configures writes.
type WritePolicy struct {
	BasePolicy
	RecordExistsAction RecordExistsAction
	GenerationPolicy   GenerationPolicy
	Generation         uint32
	// Expiration in seconds. 0 keeps the namespace default (never expire).
	Expiration    uint32
	DurableDelete bool
}

// BatchPolicy configures batch commands.
type BatchPolicy struct {
	BasePolicy
	// AllowPartialResults keeps per-key failures inside the result instead of
	// failing the whole batch.
	AllowPartialResults bool
}

// ScanPolicy configures full scans.
type ScanPolicy struct {
	BasePolicy
	// MaxRecords stops the scan after that many records. Zero means unlimited.
	MaxRecords int64
}

// QueryPolicy configures secondary index queries.
type QueryPolicy struct {
	BasePolicy
	MaxRecords int64
}

// InfoPolicy configures info commands.
type InfoPolicy struct {
	Timeout time.Duration
}

// NewWritePolicy returns the default write policy.
func NewWritePolicy() *WritePolicy { return &WritePolicy{} }

// Timeout returns the effective total timeout of p, or zero for a nil policy.
func (p *BasePolicy) Timeout() time.Duration {
	if p == nil {
		return 0
	}
	return p.TotalTimeout
}

// Timeout returns the effective total timeout of p, or zero for a nil policy.
// The promoted BasePolicy method would dereference a nil *WritePolicy.
func (p *WritePolicy) Timeout() time.Duration {
	if p == nil {
		return 0
	}
	return p.TotalTimeout
}

// Check enforces the record-exists action and generation policy against the
// current record state. exists reports whether the record is present and gen
// is its stored generation.
func (p *WritePolicy) Check(exists bool, gen uint32) error {
	if p == nil {
		return nil
	}
	switch p.RecordExistsAction {
	case UpdateOnly, ReplaceOnly:
		if !exists {
			return NewError(KeyNotFound, "record does not exist")
		}
	case CreateOnly:
		if exists {
			return NewError(KeyExists, "record already exists")
		}
	}
	switch p.GenerationPolicy {
	case ExpectGenEqual:
		if gen != p.Generation {
			return NewError(GenerationError, "generation mismatch")
		}
	case ExpectGenGreater:
		if p.Generation <= gen {
			return NewError(GenerationError, "generation not greater than stored")
		}
	}
	return nil
}

// Replaces reports whether a write drops bins it does not name.
func (p *WritePolicy) Replaces() bool {
	return p != nil && (p.RecordExistsAction == Replace || p.RecordExistsAction == ReplaceOnly)
}
