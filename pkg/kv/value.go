package kv

import (
	"fmt"
	"math"
)

// NormalizeValue maps Go numeric types onto int64 or float64 so every backend
// stores and compares bin values the same way.
func NormalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint:
		if uint64(n) > math.MaxInt64 {
			return float64(n)
		}
		return int64(n)
	case uint64:
		if n > math.MaxInt64 {
			return float64(n)
		}
		return int64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// NormalizeBins normalizes every value of bins in place and returns it.
func NormalizeBins(bins map[string]any) map[string]any {
	for k, v := range bins {
		bins[k] = NormalizeValue(v)
	}
	return bins
}

func addValues(current, delta any) (any, error) {
	if current == nil {
		return delta, nil
	}
	switch c := current.(type) {
	case int64:
		switch d := delta.(type) {
		case int64:
			return c + d, nil
		case float64:
			return float64(c) + d, nil
		}
	case float64:
		switch d := delta.(type) {
		case int64:
			return c + float64(d), nil
		case float64:
			return c + d, nil
		}
	}
	return nil, NewError(BinTypeError, fmt.Sprintf("cannot add %T to %T", delta, current))
}

func concatValues(current, part any, prepend bool) (any, error) {
	p, ok := part.(string)
	if !ok {
		return nil, NewError(BinTypeError, fmt.Sprintf("append/prepend requires a string, got %T", part))
	}
	if current == nil {
		return p, nil
	}
	c, ok := current.(string)
	if !ok {
		return nil, NewError(BinTypeError, fmt.Sprintf("cannot append to %T", current))
	}
	if prepend {
		return p + c, nil
	}
	return c + p, nil
}

// CompareValues orders two normalized values. ok is false when they are not comparable.
func CompareValues(a, b any) (cmp int, ok bool) {
	a, b = NormalizeValue(a), NormalizeValue(b)
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return compareOrdered(x, y), true
		case float64:
			return compareOrdered(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return compareOrdered(x, float64(y)), true
		case float64:
			return compareOrdered(x, y), true
		}
	case string:
		if y, isString := b.(string); isString {
			return compareOrdered(x, y), true
		}
	}
	return 0, false
}

func compareOrdered[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
