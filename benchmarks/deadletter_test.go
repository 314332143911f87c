package benchmarks

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/deadletter"
	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

func createRecord() deadletter.Record {
	msg := transport.Message{
		Payload: []byte(`{"id":"test-id","values":[1,2,3,4,5,6,7,8,9,10]}`),
		Metadata: transport.Metadata{
			ReplyTo:       "bench_response",
			CorrelationID: "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
			Headers:       map[string]string{"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"},
		},
	}
	return deadletter.NewRecord("bench", msg, mqerrors.Deserialization("decode", "bench", errors.New("bad input")))
}

// BenchmarkMemoryStore_Put measures in-memory dead-letter writes.
func BenchmarkMemoryStore_Put(b *testing.B) {
	ctx := context.Background()
	store := deadletter.NewMemoryStore(1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Put(ctx, createRecord())
	}
}

// BenchmarkSQLiteStore_Put measures SQLite dead-letter writes.
func BenchmarkSQLiteStore_Put(b *testing.B) {
	ctx := context.Background()
	store, cleanup := createSQLiteStore(b)
	defer cleanup()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Put(ctx, createRecord())
	}
}

// BenchmarkSQLiteStore_List measures reading a page of records.
func BenchmarkSQLiteStore_List(b *testing.B) {
	ctx := context.Background()
	store, cleanup := createSQLiteStore(b)
	defer cleanup()
	for i := 0; i < 100; i++ {
		_ = store.Put(ctx, createRecord())
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.List(ctx, "bench", 50)
	}
}

func createSQLiteStore(b *testing.B) (*deadletter.SQLiteStore, func()) {
	b.Helper()
	tmpFile, err := os.CreateTemp("", "bench-*.db")
	if err != nil {
		b.Fatal(err)
	}
	tmpFile.Close()

	store, err := deadletter.NewSQLiteStore(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		b.Fatal(err)
	}

	return store, func() {
		store.Close()
		os.Remove(tmpFile.Name())
	}
}
