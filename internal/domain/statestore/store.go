// Package statestore defines the shared runtime-state capability used by the
// engines for hot working state: last candles, indicator sets, open positions,
// queue mirrors, and daily rollups.
package statestore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
)

// Store is the contract every runtime-state backend satisfies. Keys are flat
// strings namespaced by colon-separated prefixes (see the Key helpers). All
// operations honor context cancellation and report failures through errs
// envelopes; missing keys classify as errs.CodeNotFound.
type Store interface {
	// Get returns the scalar value stored at key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a scalar value. A positive ttl bounds the entry's lifetime;
	// zero keeps it until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists keys starting with prefix. An empty prefix lists everything.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Expire re-arms the ttl on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HashSet writes one field of a hash entry.
	HashSet(ctx context.Context, key, field, value string) error
	// HashSetAll writes every given field of a hash entry in one shot.
	HashSetAll(ctx context.Context, key string, fields map[string]string) error
	// HashGet returns one field of a hash entry.
	HashGet(ctx context.Context, key, field string) (string, error)
	// HashGetAll returns every field of a hash entry.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	// HashDelete removes fields from a hash entry.
	HashDelete(ctx context.Context, key string, fields ...string) error
	// HashIncr adds delta to a numeric hash field, creating it at zero when
	// absent, and returns the new value.
	HashIncr(ctx context.Context, key, field string, delta decimal.Decimal) (decimal.Decimal, error)

	// ListPush appends values to the tail of a list.
	ListPush(ctx context.Context, key string, values ...[]byte) error
	// ListRange returns elements between start and stop inclusive. Negative
	// indices count back from the tail, -1 being the last element.
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	// ListTrim keeps only the elements between start and stop inclusive.
	ListTrim(ctx context.Context, key string, start, stop int64) error
	// ListLen returns the number of elements in a list.
	ListLen(ctx context.Context, key string) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// IsNotFound reports whether err classifies as a missing key.
func IsNotFound(err error) bool {
	return errs.Classify(err) == errs.CodeNotFound
}
