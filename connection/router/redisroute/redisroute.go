/*
Package redisroute keeps router answers in Redis so every process serving the same
applications reuses one lookup per TTL instead of asking the router on its own.
*/
package redisroute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NotEvenANeko/objc-sdk/connection/router"
)

const defaultPrefix = "rtm:route:"

// Client is the part of a redis client the cache needs. *redis.Client and
// *redis.ClusterClient both satisfy it.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Cache struct {
	client Client
	prefix string
	now    func() time.Time
}

func New(client Client, prefix string) *Cache {
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Cache{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (c *Cache) key(appId string) string {
	return c.prefix + appId
}

func (c *Cache) Get(ctx context.Context, appId string) (router.Route, bool, error) {
	var route router.Route

	raw, err := c.client.Get(ctx, c.key(appId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return route, false, nil
	} else if err != nil {
		return route, false, err
	}

	if err := json.Unmarshal(raw, &route); err != nil {
		return route, false, fmt.Errorf("malformed cached route for %s: %w", appId, err)
	}
	return route, true, nil
}

// Put stores the route until it expires. Routes that are already stale are not written.
func (c *Cache) Put(ctx context.Context, appId string, route router.Route) error {
	ttl := route.Expires.Sub(c.now())
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(route)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(appId), raw, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, appId string) error {
	return c.client.Del(ctx, c.key(appId)).Err()
}
