// Package cache provides a Redis-backed persistence cache for transient
// marketplace state (bids, matches, negotiations). It is best-effort,
// fire-and-forget durable caching — never the source of truth.
//
// Graceful fallback: if Redis is unavailable, operations return zero
// values instead of blocking the business logic.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for snapshotted marketplace state.
const (
	KeyBid         = "bid:"
	KeyMatch       = "match:"
	KeyNegotiation = "neg:"
)

// opTimeout bounds every cache round-trip so persistence never stalls a
// caller's in-memory operation for long.
const opTimeout = 3 * time.Second

// Config holds Redis connection settings.
type Config struct {
	URL      string `json:"url"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// Cache wraps a Redis client. The zero-value (or a Cache built from an
// empty URL) is a disabled cache whose operations are no-ops.
type Cache struct {
	client *redis.Client
}

// New connects to Redis. An empty URL yields a disabled cache; a failed
// connection is logged and also yields a disabled cache rather than an
// error, since persistence is best-effort.
func New(cfg Config) *Cache {
	if cfg.URL == "" {
		log.Println("[Cache] URL not configured, persistence disabled")
		return &Cache{}
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Printf("[Cache] ❌ Invalid URL: %v", err)
		return &Cache{}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout
	opts.MaxRetries = 3

	c := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		log.Printf("[Cache] ❌ Connection failed: %v", err)
		return &Cache{}
	}

	log.Println("[Cache] ✅ Connected")
	return &Cache{client: c}
}

// Available reports whether a live Redis connection backs this cache.
func (c *Cache) Available() bool {
	return c != nil && c.client != nil
}

// Close closes the underlying connection.
func (c *Cache) Close() {
	if c.Available() {
		c.client.Close()
		log.Println("[Cache] Connection closed")
	}
}

// SetJSON writes a JSON-serialized value with a TTL. Returns false on any
// failure; failures are logged and non-fatal.
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if !c.Available() {
		return false
	}
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("[Cache] set_json marshal failed (%s): %v", key, err)
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		log.Printf("[Cache] set_json failed (%s): %v", key, err)
		return false
	}
	return true
}

// GetJSON reads a JSON value into out. Returns false if absent,
// unavailable, or undecodable.
func (c *Cache) GetJSON(ctx context.Context, key string, out any) bool {
	if !c.Available() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[Cache] get_json failed (%s): %v", key, err)
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		log.Printf("[Cache] get_json parse failed (%s): %v", key, err)
		return false
	}
	return true
}

// Del deletes a key. Returns false on failure.
func (c *Cache) Del(ctx context.Context, key string) bool {
	if !c.Available() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Del(ctx, key).Err(); err != nil {
		log.Printf("[Cache] del failed (%s): %v", key, err)
		return false
	}
	return true
}

// BidKey returns the cache key for a bid snapshot.
func BidKey(bidID string) string { return fmt.Sprintf("%s%s", KeyBid, bidID) }

// MatchKey returns the cache key for a match snapshot.
func MatchKey(matchID string) string { return fmt.Sprintf("%s%s", KeyMatch, matchID) }

// NegotiationKey returns the cache key for a negotiation snapshot.
func NegotiationKey(negID string) string { return fmt.Sprintf("%s%s", KeyNegotiation, negID) }
