package kv

// DeleteResult is the outcome of a single-key delete.
type DeleteResult struct {
	Key     *Key
	Existed bool
}

// ExistsArray is the outcome of a batch existence check, index-aligned with Keys.
type ExistsArray struct {
	Keys   []*Key
	Exists []bool
}

// RecordArray is the outcome of a batch read, index-aligned with Keys.
// Missing records are nil.
type RecordArray struct {
	Keys    []*Key
	Records []*Record
}

// ExecuteResult is the outcome of a record UDF.
type ExecuteResult struct {
	Key   *Key
	Value any
}
