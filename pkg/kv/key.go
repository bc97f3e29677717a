package kv

import (
	"errors"
	"fmt"
	"strings"
)

// Key addresses one record.
type Key struct {
	Namespace string
	SetName   string
	UserKey   any
}

// NewKey builds a key and validates its parts.
func NewKey(namespace, setName string, userKey any) (*Key, error) {
	k := &Key{Namespace: namespace, SetName: setName, UserKey: userKey}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Validate reports a parameter error for an incomplete key.
func (k *Key) Validate() error {
	if k == nil {
		return NewError(ParameterError, "key is required")
	}
	if strings.TrimSpace(k.Namespace) == "" {
		return NewError(ParameterError, "key namespace is required")
	}
	if k.UserKey == nil {
		return NewError(ParameterError, "user key is required")
	}
	switch k.UserKey.(type) {
	case string, int, int64, int32, uint32, []byte:
	default:
		return NewError(ParameterError, fmt.Sprintf("unsupported user key type %T", k.UserKey))
	}
	return nil
}

// UserKeyString renders the user key the way backends persist it.
func (k *Key) UserKeyString() string {
	if b, ok := k.UserKey.([]byte); ok {
		return fmt.Sprintf("%x", b)
	}
	return fmt.Sprint(k.UserKey)
}

func (k *Key) String() string {
	if k == nil {
		return "<nil>"
	}
	return k.Namespace + ":" + k.SetName + ":" + k.UserKeyString()
}

// ValidateKeys validates every key of a batch.
func ValidateKeys(keys []*Key) error {
	if len(keys) == 0 {
		return NewError(ParameterError, "at least one key is required")
	}
	var errs []error
	for i, k := range keys {
		if err := k.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("keys[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Bin is a named value inside a record.
type Bin struct {
	Name  string
	Value any
}

// NewBin builds a bin.
func NewBin(name string, value any) *Bin {
	return &Bin{Name: name, Value: value}
}

// Record is the stored state of a key.
type Record struct {
	Bins       map[string]any
	Generation uint32
	// Expiration is the remaining time to live in seconds; 0 means never.
	Expiration uint32
}

// KeyRecord pairs a key with its record; Record is nil when the key is missing.
type KeyRecord struct {
	Key    *Key
	Record *Record
}

// BatchRead requests selected bins of one key inside a batch.
type BatchRead struct {
	Key         *Key
	BinNames    []string
	ReadAllBins bool
	Record      *Record
	Err         error
}

// BatchRecord is the per-key outcome of a batch write.
type BatchRecord struct {
	Key        *Key
	Record     *Record
	ResultCode ResultCode
	InDoubt    bool
}

// SelectBins returns a copy of bins restricted to names, or all bins when names is empty.
func SelectBins(bins map[string]any, names []string) map[string]any {
	out := make(map[string]any, len(bins))
	if len(names) == 0 {
		for k, v := range bins {
			out[k] = v
		}
		return out
	}
	for _, name := range names {
		if v, ok := bins[name]; ok {
			out[name] = v
		}
	}
	return out
}
