package kv

import "fmt"

// OpType identifies a single-record operation inside Operate.
type OpType int

const (
	OpRead OpType = iota
	OpReadHeader
	OpWrite
	OpAdd
	OpAppend
	OpPrepend
	OpTouch
	OpDelete
)

// Operation is one step of an Operate command.
type Operation struct {
	Type    OpType
	BinName string
	Value   any
}

// GetOp reads every bin.
func GetOp() *Operation { return &Operation{Type: OpRead} }

// GetBinOp reads one bin.
func GetBinOp(name string) *Operation { return &Operation{Type: OpRead, BinName: name} }

// GetHeaderOp reads generation and expiration only.
func GetHeaderOp() *Operation { return &Operation{Type: OpReadHeader} }

// PutOp writes a bin.
func PutOp(bin *Bin) *Operation {
	return &Operation{Type: OpWrite, BinName: bin.Name, Value: bin.Value}
}

// AddOp increments a numeric bin.
func AddOp(bin *Bin) *Operation {
	return &Operation{Type: OpAdd, BinName: bin.Name, Value: bin.Value}
}

// AppendOp appends to a string bin.
func AppendOp(bin *Bin) *Operation {
	return &Operation{Type: OpAppend, BinName: bin.Name, Value: bin.Value}
}

// PrependOp prepends to a string bin.
func PrependOp(bin *Bin) *Operation {
	return &Operation{Type: OpPrepend, BinName: bin.Name, Value: bin.Value}
}

// TouchOp resets the record expiration.
func TouchOp() *Operation { return &Operation{Type: OpTouch} }

// DeleteOp deletes the record.
func DeleteOp() *Operation { return &Operation{Type: OpDelete} }

// IsWrite reports whether op mutates the record.
func (op *Operation) IsWrite() bool {
	switch op.Type {
	case OpRead, OpReadHeader:
		return false
	default:
		return true
	}
}

// OperateResult is the outcome of applying operations to a record state.
type OperateResult struct {
	// Bins is the new record state.
	Bins map[string]any
	// Read holds the values requested by read operations; nil when nothing was read.
	Read map[string]any
	// Wrote reports whether any operation mutated the record.
	Wrote bool
	// Deleted reports a delete operation; Bins is then empty.
	Deleted bool
	// HeaderOnly reports that reads requested only metadata.
	HeaderOnly bool
}

// ApplyOperations evaluates ops in order against a copy of bins. It is the
// shared semantics used by every backend for Operate, Add, Append, and Prepend.
// exists reports whether the record is present before the first operation.
func ApplyOperations(bins map[string]any, exists bool, ops []*Operation) (*OperateResult, error) {
	if len(ops) == 0 {
		return nil, NewError(ParameterError, "at least one operation is required")
	}
	state := make(map[string]any, len(bins))
	for k, v := range bins {
		state[k] = v
	}
	res := &OperateResult{}
	readAll := false
	for i, op := range ops {
		if op == nil {
			return nil, NewError(ParameterError, fmt.Sprintf("operation %d is nil", i))
		}
		value := NormalizeValue(op.Value)
		switch op.Type {
		case OpRead:
			if res.Read == nil {
				res.Read = map[string]any{}
			}
			if op.BinName == "" {
				readAll = true
				continue
			}
			if v, ok := state[op.BinName]; ok {
				res.Read[op.BinName] = v
			}
		case OpReadHeader:
			res.HeaderOnly = true
		case OpWrite:
			if op.BinName == "" {
				return nil, NewError(ParameterError, "write operation requires a bin name")
			}
			if value == nil {
				delete(state, op.BinName)
			} else {
				state[op.BinName] = value
			}
			res.Wrote = true
		case OpAdd:
			next, err := addValues(state[op.BinName], value)
			if err != nil {
				return nil, err
			}
			state[op.BinName] = next
			res.Wrote = true
		case OpAppend, OpPrepend:
			next, err := concatValues(state[op.BinName], value, op.Type == OpPrepend)
			if err != nil {
				return nil, err
			}
			state[op.BinName] = next
			res.Wrote = true
		case OpTouch:
			if !exists && !res.Wrote {
				return nil, NewError(KeyNotFound, "cannot touch a missing record")
			}
			res.Wrote = true
		case OpDelete:
			state = map[string]any{}
			res.Deleted = true
			res.Wrote = true
		default:
			return nil, NewError(ParameterError, fmt.Sprintf("unknown operation type %d", op.Type))
		}
	}
	if readAll {
		for k, v := range state {
			res.Read[k] = v
		}
	}
	res.Bins = state
	return res, nil
}
