// Package store defines the document store contract shared by the SQLite and
// Elasticsearch backends.
//
// Upsert replaces documents by document number and is all-or-nothing per call.
// Query filters on an inclusive publication date range, an optional
// case-insensitive substring over title or abstract, and an optional exact type.
// Result order is not defined. Every backend failure is returned as *StorageError.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DeafMist/register-radar/internal/models"
)

// Filters narrow a store query. Start and End are inclusive YYYY-MM-DD dates.
type Filters struct {
	Start string
	End   string
	Text  string
	Type  string
}

// Store is implemented by every document backend.
type Store interface {
	Upsert(ctx context.Context, docs []models.Document) (int, error)
	Query(ctx context.Context, f Filters) ([]models.Document, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// ErrLocked is returned by Locker.Lock while another holder owns the lock.
var ErrLocked = errors.New("store lock held")

// Locker is implemented by backends whose writers can run in several processes
// without a shared transaction. Lock takes the named lock for at most ttl and
// returns the function that releases it. A holder that dies keeps the lock
// until ttl passes.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (unlock func(context.Context) error, err error)
}

// StorageError wraps a backend failure with the operation that produced it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, otherwise a *StorageError for op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
