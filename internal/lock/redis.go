package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultKeyPrefix = "wellybot:inflight:"

// releaseScript deletes the key only while it still holds our token, so an
// expired slot re-acquired by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a crashed replica can hold a user's slot.
	TTL time.Duration
}

// Redis is a Set shared by every replica that points at the same Redis database.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger

	mu     sync.Mutex
	tokens map[int64]string
}

func NewRedis(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Dur("ttl", cfg.TTL).Msg("connected to Redis lock store")
	return NewRedisWithClient(client, cfg.TTL, logger), nil
}

func NewRedisWithClient(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		prefix: defaultKeyPrefix,
		logger: logger.With().Str("component", "lock").Logger(),
		tokens: make(map[int64]string),
	}
}

func (r *Redis) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

func (r *Redis) Acquire(ctx context.Context, userID int64) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(userID), token, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire in-flight slot: %w", err)
	}
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	r.tokens[userID] = token
	r.mu.Unlock()
	return true, nil
}

func (r *Redis) Release(ctx context.Context, userID int64) error {
	r.mu.Lock()
	token, ok := r.tokens[userID]
	delete(r.tokens, userID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	deleted, err := releaseScript.Run(ctx, r.client, []string{r.key(userID)}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release in-flight slot: %w", err)
	}
	if deleted == 0 {
		r.logger.Warn().Int64("user_id", userID).Msg("in-flight slot expired before release")
	}
	return nil
}

func (r *Redis) Contains(ctx context.Context, userID int64) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check in-flight slot: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
