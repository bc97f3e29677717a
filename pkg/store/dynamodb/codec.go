package dynamodb

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/store/native"
)

// Item attributes.
const (
	attrPK         = "pk"
	attrSet        = "set"
	attrKeyKind    = "kt"
	attrUserKey    = "uk"
	attrBins       = "bins"
	attrGeneration = "gen"
	attrExpiresAt  = "exp"
	attrTTL        = "ttl"
	attrIndexSpec  = "spec"
)

const (
	recordPrefix = "r/"
	indexPrefix  = "i/"
)

func recordPK(key *kv.Key) string {
	kind, uk := native.EncodeUserKey(key)
	return recordPrefix + key.SetName + "/" + kind + ":" + uk
}

func indexPK(name string) string {
	return indexPrefix + name
}

func pkAttr(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: pk}}
}

// toAttribute converts a bin value. Integers are stored as plain numbers and
// floats always carry a fraction or exponent so they decode to the same type.
func toAttribute(v any) (types.AttributeValue, error) {
	switch x := kv.NormalizeValue(v).(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(x, 10)}, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, kv.NewError(kv.BinTypeError, fmt.Sprintf("unsupported float %v", x))
		}
		n := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(n, ".eE") {
			n += ".0"
		}
		return &types.AttributeValueMemberN{Value: n}, nil
	case string:
		return &types.AttributeValueMemberS{Value: x}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: x}, nil
	case []byte:
		return &types.AttributeValueMemberB{Value: x}, nil
	case []any:
		l := make([]types.AttributeValue, len(x))
		for i, e := range x {
			av, err := toAttribute(e)
			if err != nil {
				return nil, err
			}
			l[i] = av
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	case map[string]any:
		m, err := toAttributeMap(x)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return nil, kv.NewError(kv.BinTypeError, fmt.Sprintf("unsupported bin value %T", v))
	}
}

func toAttributeMap(values map[string]any) (map[string]types.AttributeValue, error) {
	m := make(map[string]types.AttributeValue, len(values))
	for k, v := range values {
		av, err := toAttribute(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		m[k] = av
	}
	return m, nil
}

func fromAttribute(av types.AttributeValue) (any, error) {
	switch x := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberN:
		if strings.ContainsAny(x.Value, ".eE") {
			return strconv.ParseFloat(x.Value, 64)
		}
		return strconv.ParseInt(x.Value, 10, 64)
	case *types.AttributeValueMemberS:
		return x.Value, nil
	case *types.AttributeValueMemberBOOL:
		return x.Value, nil
	case *types.AttributeValueMemberB:
		return x.Value, nil
	case *types.AttributeValueMemberL:
		l := make([]any, len(x.Value))
		for i, e := range x.Value {
			v, err := fromAttribute(e)
			if err != nil {
				return nil, err
			}
			l[i] = v
		}
		return l, nil
	case *types.AttributeValueMemberM:
		return fromAttributeMap(x.Value)
	default:
		return nil, fmt.Errorf("unsupported attribute %T", av)
	}
}

func fromAttributeMap(m map[string]types.AttributeValue) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, av := range m {
		v, err := fromAttribute(av)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// encodeItem renders the item stored for a record.
func encodeItem(key *kv.Key, s *native.State) (map[string]types.AttributeValue, error) {
	bins, err := toAttributeMap(s.Bins)
	if err != nil {
		return nil, kv.WrapError(kv.BinTypeError, err)
	}
	kind, uk := native.EncodeUserKey(key)
	item := map[string]types.AttributeValue{
		attrPK:         &types.AttributeValueMemberS{Value: recordPK(key)},
		attrSet:        &types.AttributeValueMemberS{Value: key.SetName},
		attrKeyKind:    &types.AttributeValueMemberS{Value: kind},
		attrUserKey:    &types.AttributeValueMemberS{Value: uk},
		attrBins:       &types.AttributeValueMemberM{Value: bins},
		attrGeneration: &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(s.Generation), 10)},
	}
	if !s.ExpiresAt.IsZero() {
		item[attrExpiresAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.ExpiresAt.UnixMilli(), 10)}
		// DynamoDB TTL works in epoch seconds and sweeps lazily; exp stays authoritative.
		item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.ExpiresAt.Unix()+1, 10)}
	}
	return item, nil
}

// decodeItem parses a stored record. A nil item is a missing record.
func decodeItem(namespace string, item map[string]types.AttributeValue) (*kv.Key, *native.State, error) {
	if item == nil {
		return nil, nil, nil
	}
	s := &native.State{Bins: map[string]any{}}
	if av, ok := item[attrBins].(*types.AttributeValueMemberM); ok {
		bins, err := fromAttributeMap(av.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("bins: %w", err)
		}
		s.Bins = bins
	}
	gen, err := numberAttr(item, attrGeneration)
	if err != nil {
		return nil, nil, err
	}
	s.Generation = uint32(gen)
	if _, ok := item[attrExpiresAt]; ok {
		ms, err := numberAttr(item, attrExpiresAt)
		if err != nil {
			return nil, nil, err
		}
		s.ExpiresAt = time.UnixMilli(ms)
	}

	key, err := native.DecodeUserKey(namespace, stringAttr(item, attrSet), stringAttr(item, attrKeyKind), stringAttr(item, attrUserKey))
	if err != nil {
		return nil, nil, err
	}
	return key, s, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if av, ok := item[name].(*types.AttributeValueMemberS); ok {
		return av.Value
	}
	return ""
}

func numberAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	av, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(av.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func sortedNames(names []string) []string {
	sort.Strings(names)
	return names
}
