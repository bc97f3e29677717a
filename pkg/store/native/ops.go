package native

import (
	"context"
	"fmt"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/loop"
)

// Put writes bins. Bins with a nil value are removed; a record left without
// bins is deleted.
func (c *Client) Put(ctx context.Context, el *loop.EventLoop, policy *kv.WritePolicy, key *kv.Key, bins []*kv.Bin, listener kv.Listener[*kv.Key]) error {
	return c.write(ctx, el, policy, key, binOps(bins, kv.PutOp), listener)
}

// Append concatenates string bins onto the stored values.
func (c *Client) Append(ctx context.Context, el *loop.EventLoop, policy *kv.WritePolicy, key *kv.Key, bins []*kv.Bin, listener kv.Listener[*kv.Key]) error {
	return c.write(ctx, el, policy, key, binOps(bins, kv.AppendOp), listener)
}

// Prepend concatenates string bins in front of the stored values.
func (c *Client) Prepend(ctx context.Context, el *loop.EventLoop, policy *kv.WritePolicy, key *kv.Key, bins []*kv.Bin, listener kv.Listener[*kv.Key]) error {
	return c.write(ctx, el, policy, key, binOps(bins, kv.PrependOp), listener)
}

// Add increments numeric bins.
func (c *Client) Add(ctx context.Context, el *loop.EventLoop, policy *kv.WritePolicy, key *kv.Key, bins []*kv.Bin, listener kv.Listener[*kv.Key]) error {
	return c.write(ctx, el, policy, key, binOps(bins, kv.AddOp), listener)
}

func (c *Client) write(ctx context.Context, el *loop.EventLoop, policy *kv.WritePolicy, key *kv.Key, ops []*kv.Operation, listener kv.Listener[*kv.Key]) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return kv.NewError(kv.ParameterError, "at least one bin is required")
	}
	return run(c, ctx, el, policy.Timeout(), func(ctx context.Context) (*kv.Key, error) {
		_, err := c.backend.Mutate(ctx, key, func(cur *State) (*State, bool, error) {
			bins, gen, exists := currentBins(cur)
			if err := policy.Check(exists, gen); err != nil {
				return nil, false, err
			}
			if policy.Replaces() {
				bins = nil
			}
			res, err := kv.ApplyOperations(bins, exists, ops)
			if err != nil {
				return nil, false, err
			}
			if len(res.Bins) == 0 {
				return nil, exists, nil
			}
			return c.written(cur, res.Bins, policy), true, nil
		})
		return key, err
	}, listener)
}

// Touch resets the expiration of an existing record and bumps its generation.
func (c *Client) Touch(ctx context.Context, el *loop.EventLoop, policy *kv.WritePolicy, key *kv.Key, listener kv.Listener[*kv.Key]) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return run(c, ctx, el, policy.Timeout(), func(ctx context.Context) (*kv.Key, error) {
		_, err := c.backend.Mutate(ctx, key, func(cur *State) (*State, bool, error) {
			if cur == nil {
				return nil, false, kv.NewError(kv.KeyNotFound, "cannot touch a missing record")
			}
			if err := policy.Check(true, cur.Generation); err != nil {
				return nil, false, err
			}
			return c.written(cur, cur.Clone().Bins, policy), true, nil
		})
		return key, err
	}, listener)
}

// Delete removes a record. A missing record is not an error.
func (c *Client) Delete(ctx context.Context, el *loop.EventLoop, policy *kv.WritePolicy, key *kv.Key, listener kv.Listener[kv.DeleteResult]) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return run(c, ctx, el, policy.Timeout(), func(ctx context.Context) (kv.DeleteResult, error) {
		existed, err := c.delete(ctx, generationOnly(policy), key)
		return kv.DeleteResult{Key: key, Existed: existed}, err
	}, listener)
}

func (c *Client) delete(ctx context.Context, policy *kv.WritePolicy, key *kv.Key) (bool, error) {
	var existed bool
	_, err := c.backend.Mutate(ctx, key, func(cur *State) (*State, bool, error) {
		existed = cur != nil
		if !existed {
			return nil, false, nil
		}
		if err := policy.Check(true, cur.Generation); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	})
	return existed, err
}

// DeleteBatch deletes several records and reports a result code per key.
func (c *Client) DeleteBatch(ctx context.Context, el *loop.EventLoop, policy *kv.BatchPolicy, keys []*kv.Key, listener kv.Listener[[]*kv.BatchRecord]) error {
	if err := kv.ValidateKeys(keys); err != nil {
		return err
	}
	return run(c, ctx, el, batchTimeout(policy), func(ctx context.Context) ([]*kv.BatchRecord, error) {
		out := make([]*kv.BatchRecord, len(keys))
		for i, key := range keys {
			existed, err := c.delete(ctx, nil, key)
			rec := &kv.BatchRecord{Key: key, ResultCode: kv.OK}
			switch {
			case err != nil && (policy == nil || !policy.AllowPartialResults):
				return nil, fmt.Errorf("delete %s: %w", key, err)
			case err != nil:
				rec.ResultCode = kv.CodeOf(err)
				rec.InDoubt = isInDoubt(err)
			case !existed:
				rec.ResultCode = kv.KeyNotFound
			}
			out[i] = rec
		}
		return out, nil
	}, listener)
}

// Exists reports whether a live record is stored at key.
func (c *Client) Exists(ctx context.Context, el *loop.EventLoop, policy *kv.BasePolicy, key *kv.Key, listener kv.Listener[bool]) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return run(c, ctx, el, policy.Timeout(), func(ctx context.Context) (bool, error) {
		s, err := c.backend.Load(ctx, key)
		return s != nil, err
	}, listener)
}

// ExistsBatch checks several keys.
func (c *Client) ExistsBatch(ctx context.Context, el *loop.EventLoop, policy *kv.BatchPolicy, keys []*kv.Key, listener kv.Listener[kv.ExistsArray]) error {
	if err := kv.ValidateKeys(keys); err != nil {
		return err
	}
	return run(c, ctx, el, batchTimeout(policy), func(ctx context.Context) (kv.ExistsArray, error) {
		states, err := c.loadBatch(ctx, keys)
		if err != nil {
			return kv.ExistsArray{}, err
		}
		exists := make([]bool, len(states))
		for i, s := range states {
			exists[i] = s != nil
		}
		return kv.ExistsArray{Keys: keys, Exists: exists}, nil
	}, listener)
}

// Get reads binNames, or every bin when none are named. A missing record
// succeeds with a nil Record.
func (c *Client) Get(ctx context.Context, el *loop.EventLoop, policy *kv.BasePolicy, key *kv.Key, binNames []string, listener kv.Listener[*kv.KeyRecord]) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return run(c, ctx, el, policy.Timeout(), func(ctx context.Context) (*kv.KeyRecord, error) {
		s, err := c.backend.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		return &kv.KeyRecord{Key: key, Record: c.record(s, binNames)}, nil
	}, listener)
}

// GetHeader reads generation and expiration only.
func (c *Client) GetHeader(ctx context.Context, el *loop.EventLoop, policy *kv.BasePolicy, key *kv.Key, listener kv.Listener[*kv.KeyRecord]) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return run(c, ctx, el, policy.Timeout(), func(ctx context.Context) (*kv.KeyRecord, error) {
		s, err := c.backend.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		return &kv.KeyRecord{Key: key, Record: c.header(s)}, nil
	}, listener)
}

// GetBatch reads several records; missing ones are nil in Records.
func (c *Client) GetBatch(ctx context.Context, el *loop.EventLoop, policy *kv.BatchPolicy, keys []*kv.Key, binNames []string, listener kv.Listener[kv.RecordArray]) error {
	if err := kv.ValidateKeys(keys); err != nil {
		return err
	}
	return run(c, ctx, el, batchTimeout(policy), func(ctx context.Context) (kv.RecordArray, error) {
		states, err := c.loadBatch(ctx, keys)
		if err != nil {
			return kv.RecordArray{}, err
		}
		records := make([]*kv.Record, len(states))
		for i, s := range states {
			records[i] = c.record(s, binNames)
		}
		return kv.RecordArray{Keys: keys, Records: records}, nil
	}, listener)
}

// BatchGet fills the Record of every read. Reads naming no bins and not
// asking for all bins return headers only.
func (c *Client) BatchGet(ctx context.Context, el *loop.EventLoop, policy *kv.BatchPolicy, reads []*kv.BatchRead, listener kv.Listener[[]*kv.BatchRead]) error {
	keys := make([]*kv.Key, len(reads))
	for i, r := range reads {
		if r == nil {
			return kv.NewError(kv.ParameterError, fmt.Sprintf("reads[%d] is nil", i))
		}
		keys[i] = r.Key
	}
	if err := kv.ValidateKeys(keys); err != nil {
		return err
	}
	return run(c, ctx, el, batchTimeout(policy), func(ctx context.Context) ([]*kv.BatchRead, error) {
		states, err := c.loadBatch(ctx, keys)
		if err != nil {
			return nil, err
		}
		for i, r := range reads {
			switch {
			case r.ReadAllBins:
				r.Record = c.record(states[i], nil)
			case len(r.BinNames) > 0:
				r.Record = c.record(states[i], r.BinNames)
			default:
				r.Record = c.header(states[i])
			}
		}
		return reads, nil
	}, listener)
}

// Operate applies ops to one record atomically. The returned record holds the
// values read by the read operations.
func (c *Client) Operate(ctx context.Context, el *loop.EventLoop, policy *kv.WritePolicy, key *kv.Key, ops []*kv.Operation, listener kv.Listener[*kv.KeyRecord]) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return kv.NewError(kv.ParameterError, "at least one operation is required")
	}
	writes := false
	for _, op := range ops {
		if op != nil && op.IsWrite() {
			writes = true
		}
	}
	return run(c, ctx, el, policy.Timeout(), func(ctx context.Context) (*kv.KeyRecord, error) {
		if !writes {
			s, err := c.backend.Load(ctx, key)
			if err != nil {
				return nil, err
			}
			if s == nil {
				return &kv.KeyRecord{Key: key}, nil
			}
			res, err := kv.ApplyOperations(s.Bins, true, ops)
			if err != nil {
				return nil, err
			}
			rec := c.header(s)
			rec.Bins = res.Read
			return &kv.KeyRecord{Key: key, Record: rec}, nil
		}

		var res *kv.OperateResult
		stored, err := c.backend.Mutate(ctx, key, func(cur *State) (*State, bool, error) {
			bins, gen, exists := currentBins(cur)
			if err := policy.Check(exists, gen); err != nil {
				return nil, false, err
			}
			var err error
			if res, err = kv.ApplyOperations(bins, exists, ops); err != nil {
				return nil, false, err
			}
			if len(res.Bins) == 0 {
				return nil, exists, nil
			}
			return c.written(cur, res.Bins, policy), true, nil
		})
		if err != nil {
			return nil, err
		}
		rec := &kv.Record{Bins: res.Read}
		if stored != nil {
			rec.Generation = stored.Generation
			rec.Expiration = c.ttl(stored)
		}
		return &kv.KeyRecord{Key: key, Record: rec}, nil
	}, listener)
}

// Execute runs a registered UDF against one record. When the function
// returns new bins they replace the record, subject to policy.
func (c *Client) Execute(ctx context.Context, el *loop.EventLoop, policy *kv.WritePolicy, key *kv.Key, packageName, functionName string, args []any, listener kv.Listener[kv.ExecuteResult]) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, err := c.udfs.Lookup(packageName, functionName); err != nil {
		return err
	}
	return run(c, ctx, el, policy.Timeout(), func(ctx context.Context) (kv.ExecuteResult, error) {
		var result any
		_, err := c.backend.Mutate(ctx, key, func(cur *State) (*State, bool, error) {
			var bins map[string]any
			if cur != nil {
				bins = cur.Clone().Bins
			}
			value, newBins, err := c.udfs.Run(packageName, functionName, bins, args)
			if err != nil {
				return nil, false, err
			}
			result = value
			if newBins == nil {
				return nil, false, nil
			}
			_, gen, exists := currentBins(cur)
			if err := policy.Check(exists, gen); err != nil {
				return nil, false, err
			}
			if len(newBins) == 0 {
				return nil, exists, nil
			}
			return c.written(cur, newBins, policy), true, nil
		})
		if err != nil {
			return kv.ExecuteResult{}, err
		}
		return kv.ExecuteResult{Key: key, Value: result}, nil
	}, listener)
}

// ScanAll streams every record of a namespace, restricted to setName unless empty.
func (c *Client) ScanAll(ctx context.Context, el *loop.EventLoop, policy *kv.ScanPolicy, namespace, setName string, binNames []string, seq kv.RecordSequence) error {
	if namespace == "" {
		return kv.NewError(kv.ParameterError, "namespace is required")
	}
	var max int64
	var base *kv.BasePolicy
	if policy != nil {
		max, base = policy.MaxRecords, &policy.BasePolicy
	}
	return runStream(c, ctx, el, base.Timeout(), func(ctx context.Context, emit func(*kv.KeyRecord) error) error {
		return c.scan(ctx, namespace, setName, nil, binNames, max, emit)
	}, seq)
}

// Query streams the records matching stmt. A named index must exist, and a
// filter used with it must address the indexed bin.
func (c *Client) Query(ctx context.Context, el *loop.EventLoop, policy *kv.QueryPolicy, stmt *kv.Statement, seq kv.RecordSequence) error {
	if err := stmt.Validate(); err != nil {
		return err
	}
	var max int64
	var base *kv.BasePolicy
	if policy != nil {
		max, base = policy.MaxRecords, &policy.BasePolicy
	}
	return runStream(c, ctx, el, base.Timeout(), func(ctx context.Context, emit func(*kv.KeyRecord) error) error {
		if stmt.IndexName != "" {
			if err := c.checkIndex(ctx, stmt); err != nil {
				return err
			}
		}
		return c.scan(ctx, stmt.Namespace, stmt.SetName, stmt.Filter, stmt.BinNames, max, emit)
	}, seq)
}

func (c *Client) checkIndex(ctx context.Context, stmt *kv.Statement) error {
	indexes, err := c.backend.Indexes(ctx, stmt.Namespace)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if idx.Name != stmt.IndexName {
			continue
		}
		if stmt.Filter != nil && stmt.Filter.BinName != idx.BinName {
			return kv.NewError(kv.ParameterError, fmt.Sprintf("index %s covers bin %s, not %s", idx.Name, idx.BinName, stmt.Filter.BinName))
		}
		return nil
	}
	return kv.NewError(kv.IndexNotFound, stmt.IndexName)
}

func (c *Client) scan(ctx context.Context, namespace, setName string, filter *kv.Filter, binNames []string, max int64, emit func(*kv.KeyRecord) error) error {
	var seen int64
	return c.backend.Scan(ctx, namespace, setName, func(key *kv.Key, s *State) error {
		if !filter.Matches(s.Bins) {
			return nil
		}
		if err := emit(&kv.KeyRecord{Key: key, Record: c.record(s, binNames)}); err != nil {
			return err
		}
		seen++
		if max > 0 && seen >= max {
			return errStop
		}
		return nil
	})
}

// CreateIndex registers a secondary index.
func (c *Client) CreateIndex(ctx context.Context, el *loop.EventLoop, policy *kv.BasePolicy, spec kv.IndexSpec, listener kv.Listener[struct{}]) error {
	if spec.Namespace == "" || spec.Name == "" || spec.BinName == "" {
		return kv.NewError(kv.ParameterError, "index namespace, name and bin are required")
	}
	return run(c, ctx, el, policy.Timeout(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.backend.CreateIndex(ctx, spec)
	}, listener)
}

// DropIndex removes a secondary index.
func (c *Client) DropIndex(ctx context.Context, el *loop.EventLoop, policy *kv.BasePolicy, namespace, setName, indexName string, listener kv.Listener[struct{}]) error {
	if namespace == "" || indexName == "" {
		return kv.NewError(kv.ParameterError, "index namespace and name are required")
	}
	return run(c, ctx, el, policy.Timeout(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.backend.DropIndex(ctx, namespace, setName, indexName)
	}, listener)
}

// Info answers info commands.
func (c *Client) Info(ctx context.Context, el *loop.EventLoop, policy *kv.InfoPolicy, commands []string, listener kv.Listener[map[string]string]) error {
	return run(c, ctx, el, infoTimeout(policy), func(ctx context.Context) (map[string]string, error) {
		return c.backend.Info(ctx, commands)
	}, listener)
}

func (c *Client) loadBatch(ctx context.Context, keys []*kv.Key) ([]*State, error) {
	if bl, ok := c.backend.(BatchLoader); ok {
		return bl.LoadBatch(ctx, keys)
	}
	out := make([]*State, len(keys))
	for i, key := range keys {
		s, err := c.backend.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
