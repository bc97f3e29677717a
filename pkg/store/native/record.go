package native

import (
	"errors"
	"math"
	"time"

	"github.com/nimburion/kvbridge/pkg/kv"
)

// expiry converts a write policy's relative expiration into a deadline.
func (c *Client) expiry(policy *kv.WritePolicy) time.Time {
	if policy == nil || policy.Expiration == 0 {
		return time.Time{}
	}
	return c.now().Add(time.Duration(policy.Expiration) * time.Second)
}

// ttl returns the seconds left before s expires, 0 for records that never do.
func (c *Client) ttl(s *State) uint32 {
	if s.ExpiresAt.IsZero() {
		return 0
	}
	left := s.ExpiresAt.Sub(c.now())
	if left <= 0 {
		return 0
	}
	secs := math.Ceil(left.Seconds())
	if secs > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(secs)
}

// record renders s for a read of binNames, all bins when empty.
func (c *Client) record(s *State, binNames []string) *kv.Record {
	if s == nil {
		return nil
	}
	return &kv.Record{
		Bins:       kv.SelectBins(s.Bins, binNames),
		Generation: s.Generation,
		Expiration: c.ttl(s),
	}
}

// header renders the metadata of s without bins.
func (c *Client) header(s *State) *kv.Record {
	if s == nil {
		return nil
	}
	return &kv.Record{Generation: s.Generation, Expiration: c.ttl(s)}
}

// written builds the state stored by a write that leaves bins on the record.
func (c *Client) written(current *State, bins map[string]any, policy *kv.WritePolicy) *State {
	var gen uint32
	if current != nil {
		gen = current.Generation
	}
	return &State{Bins: bins, Generation: gen + 1, ExpiresAt: c.expiry(policy)}
}

func currentBins(s *State) (map[string]any, uint32, bool) {
	if s == nil {
		return nil, 0, false
	}
	return s.Bins, s.Generation, true
}

// generationOnly keeps the generation check of policy and drops its
// record-exists action, for commands where existence is not a precondition.
func generationOnly(policy *kv.WritePolicy) *kv.WritePolicy {
	if policy == nil {
		return nil
	}
	p := *policy
	p.RecordExistsAction = kv.Update
	return &p
}

func binOps(bins []*kv.Bin, ctor func(*kv.Bin) *kv.Operation) []*kv.Operation {
	ops := make([]*kv.Operation, 0, len(bins))
	for _, b := range bins {
		if b == nil {
			continue
		}
		ops = append(ops, ctor(b))
	}
	return ops
}

func batchTimeout(policy *kv.BatchPolicy) time.Duration {
	if policy == nil {
		return 0
	}
	return policy.TotalTimeout
}

func infoTimeout(policy *kv.InfoPolicy) time.Duration {
	if policy == nil {
		return 0
	}
	return policy.Timeout
}

func isInDoubt(err error) bool {
	var e *kv.Error
	return errors.As(err, &e) && e.InDoubt
}
