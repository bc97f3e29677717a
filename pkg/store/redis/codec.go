package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/store/native"
)

// Reserved hash fields. Bin fields carry binPrefix so they never collide.
const (
	binPrefix       = "b:"
	fieldGeneration = "_gen"
	fieldExpiresAt  = "_exp"
	fieldNamespace  = "_ns"
	fieldSet        = "_set"
	fieldKeyKind    = "_kt"
	fieldUserKey    = "_uk"
)

// encodeState renders the hash fields stored for a record.
func encodeState(key *kv.Key, s *native.State) (map[string]any, error) {
	fields := make(map[string]any, len(s.Bins)+6)
	for name, v := range s.Bins {
		enc, err := native.EncodeValue(v)
		if err != nil {
			return nil, err
		}
		fields[binPrefix+name] = enc
	}
	fields[fieldGeneration] = strconv.FormatUint(uint64(s.Generation), 10)
	if !s.ExpiresAt.IsZero() {
		fields[fieldExpiresAt] = strconv.FormatInt(s.ExpiresAt.UnixMilli(), 10)
	}
	kind, userKey := native.EncodeUserKey(key)
	fields[fieldNamespace] = key.Namespace
	fields[fieldSet] = key.SetName
	fields[fieldKeyKind] = kind
	fields[fieldUserKey] = userKey
	return fields, nil
}

// decodeState parses a hash into a record. An empty hash is a missing record.
func decodeState(fields map[string]string) (*kv.Key, *native.State, error) {
	if len(fields) == 0 {
		return nil, nil, nil
	}
	s := &native.State{Bins: make(map[string]any, len(fields))}
	for name, raw := range fields {
		if bin, ok := strings.CutPrefix(name, binPrefix); ok {
			v, err := native.DecodeValue(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("bin %s: %w", bin, err)
			}
			s.Bins[bin] = v
		}
	}
	if raw, ok := fields[fieldGeneration]; ok {
		gen, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("generation: %w", err)
		}
		s.Generation = uint32(gen)
	}
	if raw, ok := fields[fieldExpiresAt]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("expiration: %w", err)
		}
		s.ExpiresAt = time.UnixMilli(ms)
	}
	key, err := decodeUserKey(fields)
	if err != nil {
		return nil, nil, err
	}
	return key, s, nil
}

func decodeUserKey(fields map[string]string) (*kv.Key, error) {
	return native.DecodeUserKey(fields[fieldNamespace], fields[fieldSet], fields[fieldKeyKind], fields[fieldUserKey])
}

// globEscape quotes the pattern characters understood by SCAN MATCH.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
