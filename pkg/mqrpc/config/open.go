package config

import (
	"context"
	"fmt"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/deadletter"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport/amqp"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport/jetstream"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport/memory"
)

// OpenTransport connects the configured transport.
func OpenTransport(s TransportSettings) (transport.Transport, error) {
	switch s.Kind {
	case TransportMemory, "":
		return memory.New(memory.Config{
			BufferSize: s.BufferSize,
			Heartbeat:  s.Heartbeat,
		}), nil
	case TransportAMQP:
		t, err := amqp.Dial(amqp.Config{
			URL:             s.URL,
			Prefetch:        s.Prefetch,
			Heartbeat:       s.Heartbeat,
			TransientQueues: !s.Durable,
			ConsumerTag:     s.Name,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case TransportJetStream:
		t, err := jetstream.Dial(jetstream.Config{
			URL:           s.URL,
			Name:          s.Name,
			Heartbeat:     s.Heartbeat,
			AckWait:       s.AckWait,
			MaxDeliver:    s.MaxDeliver,
			MemoryStorage: !s.Durable,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", s.Kind)
	}
}

// OpenDeadLetter opens the configured store. It returns (nil, nil) when
// dead-lettering is disabled.
func OpenDeadLetter(ctx context.Context, s DeadLetterSettings) (deadletter.Store, error) {
	switch s.Kind {
	case DeadLetterNone, "":
		return nil, nil
	case DeadLetterMemory:
		return deadletter.NewMemoryStore(s.MaxSize), nil
	case DeadLetterSQLite:
		store, err := deadletter.NewSQLiteStore(s.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DeadLetterPostgres:
		store, err := deadletter.NewPostgresStore(ctx, s.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown dead letter kind %q", s.Kind)
	}
}
