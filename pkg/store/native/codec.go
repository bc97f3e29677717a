package native

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nimburion/kvbridge/pkg/kv"
)

// User key kinds written next to the rendered user key.
const (
	UserKeyString = "s"
	UserKeyBytes  = "b"
	UserKeyInt    = "i"
)

// EncodeUserKey returns the kind tag and the text form of key.UserKey.
func EncodeUserKey(key *kv.Key) (kind, value string) {
	switch key.UserKey.(type) {
	case string:
		return UserKeyString, key.UserKeyString()
	case []byte:
		return UserKeyBytes, key.UserKeyString()
	default:
		return UserKeyInt, key.UserKeyString()
	}
}

// DecodeUserKey rebuilds a key from the parts written by EncodeUserKey.
func DecodeUserKey(namespace, setName, kind, raw string) (*kv.Key, error) {
	key := &kv.Key{Namespace: namespace, SetName: setName}
	switch kind {
	case UserKeyString:
		key.UserKey = raw
	case UserKeyBytes:
		b, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("user key: %w", err)
		}
		key.UserKey = b
	case UserKeyInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("user key: %w", err)
		}
		key.UserKey = n
	default:
		return nil, fmt.Errorf("unknown user key kind %q", kind)
	}
	return key, nil
}

// EncodeValue renders a bin value as a type-tagged string so that integers,
// floats, strings and blobs survive stores that only keep text.
func EncodeValue(v any) (string, error) {
	switch x := kv.NormalizeValue(v).(type) {
	case int64:
		return "i:" + strconv.FormatInt(x, 10), nil
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64), nil
	case string:
		return "s:" + x, nil
	case bool:
		return "t:" + strconv.FormatBool(x), nil
	case []byte:
		return "b:" + base64.StdEncoding.EncodeToString(x), nil
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return "", kv.NewError(kv.BinTypeError, fmt.Sprintf("unsupported bin value %T: %v", v, err))
		}
		return "j:" + string(raw), nil
	}
}

// DecodeValue parses a string written by EncodeValue. JSON collections come
// back with integral numbers as int64.
func DecodeValue(s string) (any, error) {
	tag, body, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("malformed bin value %q", s)
	}
	switch tag {
	case "i":
		return strconv.ParseInt(body, 10, 64)
	case "f":
		return strconv.ParseFloat(body, 64)
	case "s":
		return body, nil
	case "t":
		return strconv.ParseBool(body)
	case "b":
		return base64.StdEncoding.DecodeString(body)
	case "j":
		dec := json.NewDecoder(bytes.NewReader([]byte(body)))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		return fromJSON(v), nil
	default:
		return nil, fmt.Errorf("unknown bin value tag %q", tag)
	}
}

// EncodeBins renders every bin with EncodeValue.
func EncodeBins(bins map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(bins))
	for name, v := range bins {
		enc, err := EncodeValue(v)
		if err != nil {
			return nil, err
		}
		out[name] = enc
	}
	return out, nil
}

// DecodeBins parses bins written by EncodeBins.
func DecodeBins(raw map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for name, enc := range raw {
		v, err := DecodeValue(enc)
		if err != nil {
			return nil, fmt.Errorf("bin %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func fromJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = fromJSON(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = fromJSON(x[k])
		}
		return x
	default:
		return v
	}
}
