// Package backend opens a store from a connection URL.
package backend

import (
	"context"
	"fmt"
	"strings"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/store"
	"github.com/fds-service/contracts/internal/store/memory"
	"github.com/fds-service/contracts/internal/store/postgres"
	"github.com/fds-service/contracts/internal/store/redis"
	"github.com/fds-service/contracts/internal/store/sqlite"
)

// Open selects a backend by URL scheme:
//
//	memory://                      in-process, lost on exit
//	sqlite://path, file:path, *.db local SQLite file
//	libsql://host?authToken=...    remote libsql / Turso
//	postgres://, postgresql://     PostgreSQL
//	redis://, rediss://            Redis
func Open(ctx context.Context, url string) (store.Store, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return nil, fmt.Errorf("%w: store url is empty", contracts.ErrConfiguration)
	case strings.HasPrefix(url, "memory://"):
		return memory.New(), nil
	case postgres.IsURL(url):
		return postgres.Open(ctx, url)
	case redis.IsURL(url):
		return redis.Open(ctx, url)
	case sqlite.IsURL(url):
		return sqlite.Open(ctx, url)
	}
	return nil, fmt.Errorf("%w: unsupported store url %q", contracts.ErrConfiguration, url)
}
