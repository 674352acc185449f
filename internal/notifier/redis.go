package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"MarketPulse/internal/model"

	"github.com/redis/go-redis/v9"
)

// Redis key layout.
const (
	StatsKeyPrefix = "marketpulse:stats:"
	PriceKeyPrefix = "marketpulse:price:"
	ChangedChannel = "marketpulse:changed"
)

// Update is the derived state published for one symbol.
type Update struct {
	Symbol    string       `json:"symbol"`
	Stats     *model.Stats `json:"stats,omitempty"`
	Price     *model.Tick  `json:"price,omitempty"`
	State     string       `json:"state"`
	Stale     bool         `json:"stale"`
	LastError string       `json:"last_error,omitempty"`
}

// RedisPublisher mirrors derived values into Redis so other processes can read
// them without talking to the upstream API.
type RedisPublisher struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisPublisher connects and pings Redis.
func NewRedisPublisher(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisPublisher{rdb: rdb, ttl: ttl}, nil
}

// Publish writes the stats and price keys with the configured TTL and
// announces the symbol on the changed channel.
func (p *RedisPublisher) Publish(ctx context.Context, u Update) error {
	statsData, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, StatsKeyPrefix+u.Symbol, statsData, p.ttl)
	if u.Price != nil {
		priceData, err := json.Marshal(u.Price)
		if err != nil {
			return fmt.Errorf("marshal price: %w", err)
		}
		pipe.Set(ctx, PriceKeyPrefix+u.Symbol, priceData, p.ttl)
	}
	pipe.Publish(ctx, ChangedChannel, u.Symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", u.Symbol, err)
	}
	return nil
}

// Remove deletes the keys of an unsubscribed symbol.
func (p *RedisPublisher) Remove(ctx context.Context, symbol string) error {
	if err := p.rdb.Del(ctx, StatsKeyPrefix+symbol, PriceKeyPrefix+symbol).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", symbol, err)
	}
	return p.rdb.Publish(ctx, ChangedChannel, symbol).Err()
}

// Close releases the connection pool.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
