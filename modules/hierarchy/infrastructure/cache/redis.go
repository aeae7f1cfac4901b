package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/path"
	"github.com/iota-uz/hierarchy/modules/hierarchy/services"
)

// RedisCache is the shared BranchCache backend. Entries live under plain
// keys with TTL. The tag index is one sorted set of branch tags per tenant
// (ZRANGEBYLEX resolves descendant tags) plus one set of derived keys per
// tag.
type RedisCache struct {
	client *redis.Client
}

var _ services.BranchCache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func NewRedisCacheFromURL(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisCache(redis.NewClient(opts)), nil
}

func entryKey(tenantID uuid.UUID, key string) string {
	return "hier:" + tenantID.String() + ":entry:" + key
}

func tagKey(tenantID uuid.UUID, tag string) string {
	return "hier:" + tenantID.String() + ":tag:" + tag
}

func tagIndexKey(tenantID uuid.UUID) string {
	return "hier:" + tenantID.String() + ":tags"
}

func (c *RedisCache) Get(ctx context.Context, tenantID uuid.UUID, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, entryKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (c *RedisCache) Set(ctx context.Context, tenantID uuid.UUID, key string, value []byte, branches []string, ttl time.Duration) error {
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, entryKey(tenantID, key), value, ttl)
	for _, tag := range branches {
		pipe.SAdd(ctx, tagKey(tenantID, tag), key)
		pipe.ZAdd(ctx, tagIndexKey(tenantID), redis.Z{Score: 0, Member: tag})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) InvalidateKey(ctx context.Context, tenantID uuid.UUID, key string) error {
	// Tag set members for the dropped key go stale; deleting an already
	// missing entry later is a no-op, so they are left to expire with the
	// next branch invalidation.
	return c.client.Del(ctx, entryKey(tenantID, key)).Err()
}

func (c *RedisCache) InvalidateBranch(ctx context.Context, tenantID uuid.UUID, prefix string) (int, error) {
	// Descendant tags are the lexicographic range ["prefix.", "prefix/"),
	// since "/" is the byte after the separator. Ancestor tags are a handful
	// of exact candidates.
	lo := "[" + prefix + path.Separator
	hi := "(" + prefix + string(path.Separator[0]+1)
	descendants, err := c.client.ZRangeByLex(ctx, tagIndexKey(tenantID), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return 0, err
	}
	tags := append(descendants, prefix)
	tags = append(tags, path.Ancestors(prefix)...)

	stale := make(map[string]struct{})
	for _, tag := range tags {
		keys, err := c.client.SMembers(ctx, tagKey(tenantID, tag)).Result()
		if err != nil {
			return 0, err
		}
		for _, k := range keys {
			stale[k] = struct{}{}
		}
	}

	pipe := c.client.TxPipeline()
	for k := range stale {
		pipe.Del(ctx, entryKey(tenantID, k))
	}
	for _, tag := range tags {
		pipe.Del(ctx, tagKey(tenantID, tag))
		pipe.ZRem(ctx, tagIndexKey(tenantID), tag)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(stale), nil
}
