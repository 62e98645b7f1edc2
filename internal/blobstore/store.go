package blobstore

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
)

// Store persists index segments.
type Store interface {
	// Put writes data under key, replacing anything already there. Put may have taken effect even when it
	// returns an error, so callers retry.
	Put(ctx context.Context, key string, data []byte) error
	// Get fails with a NotFound error if key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// PutWithRetry calls Put until it succeeds, the attempts are used up or ctx is done. Validation failures are
// not retried.
func PutWithRetry(ctx context.Context, store Store, key string, data []byte, attempts uint, delay time.Duration) error {
	return retry.Do(
		func() error {
			return store.Put(ctx, key, data)
		},
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && !schederrors.Is(err, schederrors.ValidationError)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithField("key", key).WithError(err).Warnf("put attempt %d failed", n+1)
		}),
	)
}

// DeletePrefix removes every key starting with prefix and returns how many were removed.
func DeletePrefix(ctx context.Context, store Store, prefix string) (int, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

func validateKey(key string) error {
	if key == "" {
		return schederrors.New(schederrors.ValidationError, "blob key must not be empty")
	}
	return nil
}
