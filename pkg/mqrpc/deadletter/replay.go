package deadletter

import (
	"context"
	"fmt"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// Replay republishes up to limit records of destination onto destination
// (through exchange) and deletes each one after the broker confirmed it.
// It stops at the first publish failure and returns how many were replayed.
func Replay(ctx context.Context, t transport.Transport, store Store, exchange, destination string, limit int) (int, error) {
	records, err := store.List(ctx, destination, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := t.Publish(ctx, exchange, rec.Destination, rec.Message()); err != nil {
			return replayed, fmt.Errorf("replay %s: %w", rec.ID, err)
		}
		if err := store.Delete(ctx, rec.ID); err != nil {
			return replayed, fmt.Errorf("replay %s: %w", rec.ID, err)
		}
		replayed++
	}
	return replayed, nil
}
