package kv

// IndexType is the value type a secondary index covers.
type IndexType int

const (
	IndexNumeric IndexType = iota
	IndexString
)

func (t IndexType) String() string {
	if t == IndexString {
		return "string"
	}
	return "numeric"
}

// Filter restricts a query to records whose bin matches.
type Filter struct {
	BinName string
	Begin   any
	End     any
}

// Equal matches records whose bin equals value.
func Equal(binName string, value any) *Filter {
	v := NormalizeValue(value)
	return &Filter{BinName: binName, Begin: v, End: v}
}

// Range matches records whose numeric bin lies in [begin, end].
func Range(binName string, begin, end int64) *Filter {
	return &Filter{BinName: binName, Begin: begin, End: end}
}

// Matches reports whether bins satisfy f. A nil filter matches everything.
func (f *Filter) Matches(bins map[string]any) bool {
	if f == nil {
		return true
	}
	v, ok := bins[f.BinName]
	if !ok {
		return false
	}
	lo, ok := CompareValues(v, f.Begin)
	if !ok || lo < 0 {
		return false
	}
	hi, ok := CompareValues(v, f.End)
	return ok && hi <= 0
}

// Statement describes a query.
type Statement struct {
	Namespace string
	SetName   string
	IndexName string
	BinNames  []string
	Filter    *Filter
}

// Validate checks the statement shape.
func (s *Statement) Validate() error {
	if s == nil {
		return NewError(ParameterError, "statement is required")
	}
	if s.Namespace == "" {
		return NewError(ParameterError, "statement namespace is required")
	}
	return nil
}

// IndexSpec describes a secondary index.
type IndexSpec struct {
	Namespace string
	SetName   string
	Name      string
	BinName   string
	Type      IndexType
}
