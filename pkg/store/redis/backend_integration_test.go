package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/loop"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/store/native"
	"github.com/nimburion/kvbridge/pkg/testutil"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	return connStr
}

func await[T any](t *testing.T, issue func(kv.Listener[T]) error) (T, error) {
	t.Helper()
	type outcome struct {
		v   T
		err error
	}
	var zero T
	ch := make(chan outcome, 1)
	if err := issue(func(v T, err error) { ch <- outcome{v, err} }); err != nil {
		return zero, fmt.Errorf("command rejected: %w", err)
	}
	select {
	case o := <-ch:
		return o.v, o.err
	case <-time.After(10 * time.Second):
		return zero, errors.New("listener was not called")
	}
}

func TestBackend_Integration(t *testing.T) {
	testutil.RequireIntegration(t)

	url := startRedis(t)
	log, err := logger.NewZapLogger(logger.Config{Level: logger.InfoLevel, Format: logger.JSONFormat})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	backend, err := NewBackend(Config{URL: url, MaxConns: 10, OperationTimeout: 5 * time.Second}, log)
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	group, err := loop.NewGroup("redis", 2, log)
	if err != nil {
		t.Fatal(err)
	}
	defer group.Close()
	c, err := native.New(backend, group, native.WithLogger(log))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	key := &kv.Key{Namespace: "test", SetName: "users", UserKey: "alice"}

	t.Run("PutGet", func(t *testing.T) {
		_, err := await(t, func(l kv.Listener[*kv.Key]) error {
			return c.Put(ctx, nil, &kv.WritePolicy{Expiration: 300}, key,
				[]*kv.Bin{kv.NewBin("name", "Alice"), kv.NewBin("age", 30)}, l)
		})
		if err != nil {
			t.Fatal(err)
		}
		rec, err := await(t, func(l kv.Listener[*kv.KeyRecord]) error {
			return c.Get(ctx, nil, nil, key, nil, l)
		})
		if err != nil {
			t.Fatal(err)
		}
		if rec.Record.Bins["name"] != "Alice" || rec.Record.Bins["age"] != int64(30) || rec.Record.Generation != 1 {
			t.Fatalf("unexpected record %+v", rec.Record)
		}
		if rec.Record.Expiration == 0 || rec.Record.Expiration > 300 {
			t.Fatalf("unexpected expiration %d", rec.Record.Expiration)
		}
	})

	t.Run("ConcurrentAdd", func(t *testing.T) {
		counter := &kv.Key{Namespace: "test", SetName: "counters", UserKey: 1}
		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := await(t, func(l kv.Listener[*kv.Key]) error {
					return c.Add(ctx, nil, nil, counter, []*kv.Bin{kv.NewBin("n", 1)}, l)
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}
		rec, err := await(t, func(l kv.Listener[*kv.KeyRecord]) error {
			return c.Get(ctx, nil, nil, counter, nil, l)
		})
		if err != nil || rec.Record.Bins["n"] != int64(n) {
			t.Fatalf("expected %d increments, got %+v, %v", n, rec, err)
		}
	})

	t.Run("GenerationCheck", func(t *testing.T) {
		_, err := await(t, func(l kv.Listener[*kv.Key]) error {
			return c.Put(ctx, nil, &kv.WritePolicy{GenerationPolicy: kv.ExpectGenEqual, Generation: 99}, key,
				[]*kv.Bin{kv.NewBin("name", "Bob")}, l)
		})
		if !errors.Is(err, kv.ErrGeneration) {
			t.Fatalf("expected generation error, got %v", err)
		}
	})

	t.Run("ScanAndQuery", func(t *testing.T) {
		_, err := await(t, func(l kv.Listener[struct{}]) error {
			return c.CreateIndex(ctx, nil, nil, kv.IndexSpec{Namespace: "test", SetName: "users", Name: "age_idx", BinName: "age"}, l)
		})
		if err != nil {
			t.Fatal(err)
		}

		var (
			mu   sync.Mutex
			seen []*kv.KeyRecord
		)
		done := make(chan error, 1)
		stmt := &kv.Statement{Namespace: "test", SetName: "users", IndexName: "age_idx", Filter: kv.Range("age", 18, 40)}
		err = c.Query(ctx, nil, nil, stmt, kv.RecordSequence{
			Record: func(rec *kv.KeyRecord) {
				mu.Lock()
				seen = append(seen, rec)
				mu.Unlock()
			},
			Done: func(err error) { done <- err },
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := <-done; err != nil {
			t.Fatal(err)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(seen) != 1 || seen[0].Key.UserKey != "alice" {
			t.Fatalf("unexpected query result %+v", seen)
		}
	})

	t.Run("DeleteAndInfo", func(t *testing.T) {
		res, err := await(t, func(l kv.Listener[kv.DeleteResult]) error {
			return c.Delete(ctx, nil, nil, key, l)
		})
		if err != nil || !res.Existed {
			t.Fatalf("unexpected delete %+v, %v", res, err)
		}
		info, err := await(t, func(l kv.Listener[map[string]string]) error {
			return c.Info(ctx, nil, nil, nil, l)
		})
		if err != nil || info["redis_version"] == "" {
			t.Fatalf("unexpected info %v, %v", info, err)
		}
	})

	if err := c.HealthCheck(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}
}
