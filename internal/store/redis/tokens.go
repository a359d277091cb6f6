package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"kitebridge/internal/model"
	"kitebridge/internal/resilience"
)

const defaultSessionKey = "kitebridge:session"

// Config configures the Redis session store.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Key      string // default: kitebridge:session
}

// TokenStore is a model.TokenStore shared across hosts through Redis. A single
// SET replaces the record, so readers never observe a partial session.
type TokenStore struct {
	client  *goredis.Client
	key     string
	breaker *resilience.CircuitBreaker
}

// Client returns the underlying Redis client for health checks.
func (s *TokenStore) Client() *goredis.Client { return s.client }

// NewTokenStore connects and pings the server.
func NewTokenStore(cfg Config) (*TokenStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = defaultSessionKey
	}
	cb := resilience.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to resilience.State) {
		log.Printf("[redis] circuit breaker %s -> %s", from, to)
	}

	log.Printf("[redis] connected to %s, session key %s", cfg.Addr, key)
	return &TokenStore{client: client, key: key, breaker: cb}, nil
}

// Breaker exposes the store's circuit breaker for metrics.
func (s *TokenStore) Breaker() *resilience.CircuitBreaker { return s.breaker }

// Load reads the session; a missing key is model.ErrNoSession.
func (s *TokenStore) Load(ctx context.Context) (model.Session, error) {
	var raw []byte
	err := s.breaker.Execute(func() error {
		var err error
		raw, err = s.client.Get(ctx, s.key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return err
	})
	if err != nil {
		return model.Session{}, fmt.Errorf("redis: get %s: %w", s.key, err)
	}
	if raw == nil {
		return model.Session{}, model.ErrNoSession
	}
	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return model.Session{}, fmt.Errorf("redis: decode session: %w", err)
	}
	if sess.Empty() {
		return model.Session{}, model.ErrNoSession
	}
	return sess, nil
}

// Save replaces the session record.
func (s *TokenStore) Save(ctx context.Context, sess model.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("redis: encode session: %w", err)
	}
	return s.breaker.Execute(func() error {
		if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
			return fmt.Errorf("redis: set %s: %w", s.key, err)
		}
		return nil
	})
}

// Clear deletes the session record.
func (s *TokenStore) Clear(ctx context.Context) error {
	return s.breaker.Execute(func() error {
		if err := s.client.Del(ctx, s.key).Err(); err != nil {
			return fmt.Errorf("redis: del %s: %w", s.key, err)
		}
		log.Printf("[redis] session key %s cleared", s.key)
		return nil
	})
}

// Close releases the client.
func (s *TokenStore) Close() error {
	return s.client.Close()
}
