package localstore

import (
	"context"
	"fmt"
	"io"

	"github.com/quicksoap/quicksoap/internal/domain/dictation"
)

const (
	KindSQLite = "sqlite"
	KindRedis  = "redis"
)

// Store is a LocalStore that owns a connection.
type Store interface {
	dictation.LocalStore
	io.Closer
}

type Options struct {
	Kind        string
	Path        string
	RedisURL    string
	RedisPrefix string
}

// Open returns the backend named by opts.Kind.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Kind {
	case KindSQLite, "":
		return OpenSQLite(ctx, opts.Path)
	case KindRedis:
		return NewRedisStore(ctx, opts.RedisURL, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown local store %q", opts.Kind)
	}
}
