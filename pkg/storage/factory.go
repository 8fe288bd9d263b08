package storage

import (
	"context"
	"fmt"
	"path/filepath"
)

// Options selects and parameterises a backend. Backend choice is process-wide
// and resolved once at startup.
type Options struct {
	// Backend is one of BackendFS, BackendRedis, BackendPostgres.
	Backend string
	// BasePath is the project directory for the fs backend; state lives
	// under <BasePath>/.masc.
	BasePath string
	// RedisURL is the connection URL for the redis backend.
	RedisURL string
	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string
	// ClusterName namespaces shared backends so multiple rooms can coexist.
	ClusterName string
	// Codec optionally encrypts values at rest (fs backend only).
	Codec ValueCodec
}

// Open resolves the configured backend. Unknown backends are fatal.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendFS, "":
		dir := filepath.Join(opts.BasePath, ".masc")
		if opts.Codec != nil {
			return NewFSStoreWithCodec(dir, opts.Codec)
		}
		return NewFSStore(dir)
	case BackendRedis:
		return NewRedisStore(opts.RedisURL, opts.ClusterName)
	case BackendPostgres:
		return NewPostgresStore(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
