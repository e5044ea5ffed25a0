package db

import (
	"context"
	"fmt"
	"time"
)

// Backend pairs an entity store with its telemetry store.
type Backend struct {
	Store     Store
	Telemetry TelemetryStore
	close     func(ctx context.Context) error
}

// Retention is the TTL of each telemetry collection.
type Retention struct {
	Location   time.Duration
	StationLog time.Duration
	Raw        time.Duration
}

// OpenMemory returns an in-process backend. cleanupInterval drives the
// telemetry janitor.
func OpenMemory(retention Retention, cleanupInterval time.Duration) *Backend {
	return &Backend{
		Store:     NewMemoryStore(),
		Telemetry: NewMemoryTelemetry(retention, cleanupInterval),
		close:     func(context.Context) error { return nil },
	}
}

// OpenMongo connects to uri, ensures the indexes of database name and binds
// both stores to it.
func OpenMongo(ctx context.Context, uri, name string, retention Retention) (*Backend, error) {
	client, err := ConnectMongo(ctx, uri)
	if err != nil {
		return nil, err
	}
	if err := EnsureIndexes(ctx, client.Database(name), retention); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &Backend{
		Store:     NewMongoStore(client, name),
		Telemetry: NewMongoTelemetry(client, name),
		close:     client.Disconnect,
	}, nil
}

// Open selects a backend by kind: "mongo" or "memory".
func Open(ctx context.Context, kind, uri, name string, retention Retention) (*Backend, error) {
	switch kind {
	case "memory":
		return OpenMemory(retention, time.Minute), nil
	case "mongo":
		return OpenMongo(ctx, uri, name, retention)
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

// Close releases the backend connection.
func (b *Backend) Close(ctx context.Context) error {
	return b.close(ctx)
}
