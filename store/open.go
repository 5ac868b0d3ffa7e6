package store

import (
	"context"
	"fmt"
	"strings"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Open builds the repository named by driver. The returned close func is
// never nil.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Repository, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemory(opts...), noop, nil
	case DriverSQLite:
		s, err := OpenSQLite(ctx, dsn, opts...)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, dsn, opts...)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case DriverRedis:
		client, err := DialRedis(ctx, dsn)
		if err != nil {
			return nil, noop, err
		}
		return NewRedis(client, opts...), client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store driver %q", driver)
	}
}
