package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kwatch/internal/config"
	"github.com/goodtune/kwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "kwatch"

var (
	_ storage.RemoteStore   = (*Store)(nil)
	_ storage.ScheduleAdmin = (*Store)(nil)
)

// Store implements storage.RemoteStore using Redis.
type Store struct {
	client *redis.Client
	upsert *redis.Script
}

// Open creates a new Redis-backed storage instance and checks the
// connection.
func Open(cfg config.RedisConfig) (*Store, error) {
	store, err := Dial(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return store, nil
}

// Dial creates a Redis-backed storage instance without contacting the
// server. Connections are established on first use.
func Dial(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry the port
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	return New(client), nil
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{
		client: client,
		upsert: redis.NewScript(upsertSessionScript),
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", keyPrefix, id)
}

func openSessionsKey(userID, groupID string) string {
	return fmt.Sprintf("%s:sessions:open:%s:%s", keyPrefix, userID, groupID)
}

func windowsKey(groupID string) string {
	return fmt.Sprintf("%s:schedule:windows:%s", keyPrefix, groupID)
}

func holidaysKey(groupID string) string {
	return fmt.Sprintf("%s:schedule:holidays:%s", keyPrefix, groupID)
}

func changesChannel(table, groupID string) string {
	return fmt.Sprintf("%s:changes:%s:%s", keyPrefix, table, groupID)
}
