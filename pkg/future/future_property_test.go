package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/kvbridge/pkg/loop"
)

// Property: whatever mix of concurrent completions hits a promise, exactly
// one outcome is published and every listener observes that same outcome once.
func TestProperty_ExactlyOnceResolution(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	l := loop.New()
	defer l.Close()

	properties.Property("only one completion wins and listeners see it once", prop.ForAll(
		func(attempts []bool, listeners int) bool {
			p := NewPromise[int](l, WithDefectHook(func(error) {}))

			var mu sync.Mutex
			observed := make([]int, 0, listeners)
			var wg sync.WaitGroup
			wg.Add(listeners)
			for i := 0; i < listeners; i++ {
				p.Future().OnComplete(func(v int, err error) {
					defer wg.Done()
					mu.Lock()
					if err != nil {
						observed = append(observed, -1)
					} else {
						observed = append(observed, v)
					}
					mu.Unlock()
				})
			}

			wins := make(chan int, len(attempts))
			var start sync.WaitGroup
			start.Add(len(attempts))
			for i, succeed := range attempts {
				go func(i int, succeed bool) {
					defer start.Done()
					var won bool
					if succeed {
						won = p.Complete(i)
					} else {
						won = p.Fail(errors.New("fail"))
						i = -1
					}
					if won {
						wins <- i
					}
				}(i, succeed)
			}
			start.Wait()
			close(wins)

			var winners []int
			for w := range wins {
				winners = append(winners, w)
			}
			if len(winners) != 1 {
				t.Logf("expected one winner, got %v", winners)
				return false
			}

			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			v, err := p.Future().Await(ctx)
			final := v
			if err != nil {
				final = -1
			}
			if final != winners[0] {
				return false
			}
			mu.Lock()
			defer mu.Unlock()
			if len(observed) != listeners {
				return false
			}
			for _, o := range observed {
				if o != winners[0] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.Bool()).SuchThat(func(v []bool) bool { return len(v) > 0 }),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
