package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/store/native"
	"github.com/nimburion/kvbridge/pkg/testutil"
)

func startDynamoDBLocal(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "amazon/dynamodb-local:2.5.2",
			ExposedPorts: []string{"8000/tcp"},
			WaitingFor:   wait.ForListeningPort("8000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start DynamoDB Local container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "8000/tcp")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func TestBackend_Integration(t *testing.T) {
	testutil.RequireIntegration(t)

	b, err := NewBackend(Config{
		Region:          "us-east-1",
		Endpoint:        startDynamoDBLocal(t),
		AccessKeyID:     "local",
		SecretAccessKey: "local",
		TablePrefix:     "kvbridge_",
		Namespaces:      []string{"test"},
		CreateTables:    true,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	key := &kv.Key{Namespace: "test", SetName: "users", UserKey: "alice"}

	s, err := b.Mutate(ctx, key, insert(map[string]any{"name": "Alice", "score": 1.5, "age": 30}))
	if err != nil {
		t.Fatal(err)
	}
	if s.Generation != 1 {
		t.Fatalf("unexpected generation %d", s.Generation)
	}

	got, err := b.Load(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Bins["name"] != "Alice" || got.Bins["score"] != 1.5 || got.Bins["age"] != int64(30) {
		t.Fatalf("unexpected bins %v", got.Bins)
	}

	if _, err := b.Mutate(ctx, key, insert(map[string]any{"name": "Alice", "age": 31})); err != nil {
		t.Fatal(err)
	}
	batch, err := b.LoadBatch(ctx, []*kv.Key{key, {Namespace: "test", SetName: "users", UserKey: "bob"}})
	if err != nil {
		t.Fatal(err)
	}
	if batch[0] == nil || batch[0].Generation != 2 || batch[1] != nil {
		t.Fatalf("unexpected batch %+v", batch)
	}

	if err := b.CreateIndex(ctx, kv.IndexSpec{Namespace: "test", Name: "age_idx", BinName: "age"}); err != nil {
		t.Fatal(err)
	}
	if err := b.CreateIndex(ctx, kv.IndexSpec{Namespace: "test", Name: "age_idx", BinName: "age"}); !errors.Is(err, kv.ErrIndexFound) {
		t.Fatalf("expected index found, got %v", err)
	}

	seen := 0
	if err := b.Scan(ctx, "test", "users", func(*kv.Key, *native.State) error { seen++; return nil }); err != nil {
		t.Fatal(err)
	}
	if seen != 1 {
		t.Fatalf("expected one record, got %d", seen)
	}

	info, err := b.Info(ctx, []string{"namespaces"})
	if err != nil || info["namespaces"] != "test" {
		t.Fatalf("unexpected info %v, %v", info, err)
	}
}
