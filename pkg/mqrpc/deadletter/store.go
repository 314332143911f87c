// Package deadletter keeps messages that a consumer could not process.
//
// Servers and dispatchers write a Record for every request they give up on
// (undecodable payload, missing reply address, failed handler). Records can be
// inspected and replayed onto their original destination once the cause is
// fixed.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// Store persists dead-lettered messages.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores a record. A record with an existing ID is overwritten.
	Put(ctx context.Context, rec Record) error

	// Get retrieves one record.
	// Returns ErrNotFound if the record doesn't exist.
	Get(ctx context.Context, id uuid.UUID) (Record, error)

	// List returns up to limit records for destination, oldest first.
	// An empty destination lists every destination. limit <= 0 means no limit.
	List(ctx context.Context, destination string, limit int) ([]Record, error)

	// Delete removes a record.
	// Returns nil if the record doesn't exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Record is one dead-lettered message.
type Record struct {
	ID            uuid.UUID
	Destination   string
	CorrelationID string
	ReplyTo       string
	Payload       []byte
	Headers       map[string]string

	// Reason is the failure kind, e.g. "deserialization error".
	Reason string
	// Error is the full error message.
	Error string

	FailedAt time.Time
}

// Message rebuilds the transport message the record was created from.
func (r Record) Message() transport.Message {
	return transport.Message{
		Payload: r.Payload,
		Metadata: transport.Metadata{
			ReplyTo:       r.ReplyTo,
			CorrelationID: r.CorrelationID,
			Durable:       true,
			Headers:       r.Headers,
		},
	}
}

// NewRecord captures msg received on destination together with the error
// that made it undeliverable.
func NewRecord(destination string, msg transport.Message, err error) Record {
	rec := Record{
		ID:            uuid.New(),
		Destination:   destination,
		CorrelationID: msg.Metadata.CorrelationID,
		ReplyTo:       msg.Metadata.ReplyTo,
		Payload:       msg.Payload,
		Headers:       msg.Metadata.Headers,
		FailedAt:      time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
		if k := mqerrors.KindOf(err); k != nil {
			rec.Reason = k.Error()
		} else {
			rec.Reason = "unknown"
		}
	}
	return rec
}

// Sentinel errors for dead-letter operations.
var (
	// ErrNotFound indicates a record doesn't exist.
	ErrNotFound = errors.New("dead letter not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("dead letter store closed")
)
