package blobstore

import (
	"context"
	"sort"
	"strings"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
)

const blobPrefix = "Blob:"

// RedisStore keeps blobs as redis strings under "Blob:<key>".
type RedisStore struct {
	db redis.UniversalClient
}

func NewRedisStore(db redis.UniversalClient) *RedisStore {
	return &RedisStore{db: db}
}

func (s *RedisStore) Put(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return errors.WithStack(s.db.Set(blobPrefix+key, data, 0).Err())
}

func (s *RedisStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := s.db.Get(blobPrefix + key).Bytes()
	if err == redis.Nil {
		return nil, schederrors.ErrNotFound("blob", key)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	match := blobPrefix + escapeGlob(prefix) + "*"
	keys := make([]string, 0)
	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
		batch, next, err := s.db.Scan(cursor, match, 100).Result()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, blobPrefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return dedup(keys), nil
}

func (s *RedisStore) Delete(_ context.Context, key string) error {
	return errors.WithStack(s.db.Del(blobPrefix + key).Err())
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SCAN may return a key more than once.
func dedup(sorted []string) []string {
	out := sorted[:0]
	for i, k := range sorted {
		if i == 0 || k != sorted[i-1] {
			out = append(out, k)
		}
	}
	return out
}
