package queue

import (
	"context"
	"time"
)

// Store defines the backing-store operations the queue manager relies on.
// Implementations must provide atomic semantics for PopEligible (no two
// concurrent calls may return the same id) and for ClaimDeadLetter.
//
// Key layout, per tenant:
//
//	messages:{tenant}                       id -> envelope JSON
//	queue:{channel}:{tenant}                sorted by eligible time (ms)
//	processing:{channel}:{tenant}           sorted by dequeue time (ms)
//	dead_letter:{tenant}                    newest-first list of envelope JSON
//	stats:{channel}:{tenant}                counter hash
type Store interface {
	// Connect establishes the connection to the backing store
	Connect(ctx context.Context) error

	// Close releases the connection
	Close() error

	// Ping verifies the store is reachable
	Ping(ctx context.Context) error

	// PutEnvelope writes or overwrites an envelope record
	PutEnvelope(ctx context.Context, env *Envelope) error

	// GetEnvelope retrieves one envelope; returns ErrEnvelopeNotFound if absent
	GetEnvelope(ctx context.Context, tenant, id string) (*Envelope, error)

	// DeleteEnvelope removes an envelope record
	DeleteEnvelope(ctx context.Context, tenant, id string) error

	// ListEnvelopes returns every envelope for a tenant. Used by the cleanup
	// and repair passes, not by the hot path.
	ListEnvelopes(ctx context.Context, tenant string) ([]*Envelope, error)

	// AddToQueue inserts an id into a channel's priority queue at the given
	// eligible time
	AddToQueue(ctx context.Context, tenant string, channel Channel, id string, eligibleAt time.Time) error

	// PopEligible atomically removes and returns the id with the lowest
	// eligible time <= now, moving it to the processing index. Returns ""
	// when nothing is eligible.
	PopEligible(ctx context.Context, tenant string, channel Channel, now time.Time) (string, error)

	// RemoveFromQueue deletes an id from a channel's priority queue
	RemoveFromQueue(ctx context.Context, tenant string, channel Channel, id string) error

	// InQueue reports whether an id is currently present in the queue
	InQueue(ctx context.Context, tenant string, channel Channel, id string) (bool, error)

	// QueueLength returns the number of ids in a channel's queue
	QueueLength(ctx context.Context, tenant string, channel Channel) (int64, error)

	// RemoveProcessing drops an id from the processing index
	RemoveProcessing(ctx context.Context, tenant string, channel Channel, id string) error

	// StuckProcessing returns ids that entered the processing index before
	// the cutoff and were never acked or failed
	StuckProcessing(ctx context.Context, tenant string, channel Channel, cutoff time.Time) ([]string, error)

	// PushDeadLetter prepends an envelope snapshot to the dead letter list
	PushDeadLetter(ctx context.Context, tenant string, env *Envelope) error

	// DeadLetters returns up to limit snapshots, newest first
	DeadLetters(ctx context.Context, tenant string, limit int64) ([]*Envelope, error)

	// ClaimDeadLetter atomically removes and returns the snapshot at the
	// given index; returns ErrEnvelopeNotFound when the index is out of range
	ClaimDeadLetter(ctx context.Context, tenant string, index int64) (*Envelope, error)

	// DeadLetterLength returns the dead letter backlog size
	DeadLetterLength(ctx context.Context, tenant string) (int64, error)

	// IncrCounter increments a per-channel stats counter
	IncrCounter(ctx context.Context, tenant string, channel Channel, name string) error

	// Counters returns all stats counters for a channel
	Counters(ctx context.Context, tenant string, channel Channel) (map[string]int64, error)
}
