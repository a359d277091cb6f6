// Package store selects the shared session store backend.
package store

import (
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"kitebridge/internal/model"
	"kitebridge/internal/resilience"
	redisstore "kitebridge/internal/store/redis"
	"kitebridge/internal/store/tokenfile"
)

// Backends accepted by OpenTokenStore.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// TokenStoreConfig picks and configures a token store.
type TokenStoreConfig struct {
	Backend string
	File    string
	Redis   redisstore.Config
}

// OpenTokenStore returns the configured store. The Redis client is returned
// for health checks and is nil for the file backend.
func OpenTokenStore(cfg TokenStoreConfig) (model.TokenStore, *goredis.Client, error) {
	switch cfg.Backend {
	case BackendFile, "":
		return tokenfile.New(cfg.File), nil, nil
	case BackendRedis:
		s, err := redisstore.NewTokenStore(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Client(), nil
	default:
		return nil, nil, fmt.Errorf("unknown session store %q (want %s or %s)", cfg.Backend, BackendFile, BackendRedis)
	}
}

// Breaker returns the circuit breaker guarding ts, if its backend has one.
func Breaker(ts model.TokenStore) (*resilience.CircuitBreaker, bool) {
	b, ok := ts.(interface {
		Breaker() *resilience.CircuitBreaker
	})
	if !ok || b.Breaker() == nil {
		return nil, false
	}
	return b.Breaker(), true
}
