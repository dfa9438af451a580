package sequence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// incrExisting increments the counter only when the key is present and
// replies nil otherwise.
var incrExisting = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('INCR', KEYS[1])
end
return false
`)

// seedAndIncr sets a missing counter to ARGV[1] and increments it. A counter
// seeded concurrently by another client is kept.
var seedAndIncr = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'NX')
return redis.call('INCR', KEYS[1])
`)

// RedisAllocator keeps one counter key per tenant and relies on INCR being
// atomic across all clients of the same server. A counter that disappears
// (eviction, restart without persistence) is seeded from the floor before it
// is used again.
type RedisAllocator struct {
	client    *redis.Client
	prefix    string
	floor     FloorFunc
	telemetry instruments
}

// NewRedisAllocator connects to redisURL and checks the connection.
func NewRedisAllocator(redisURL string, opts ...Option) (*RedisAllocator, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisAllocatorWithClient(client, opts...), nil
}

// NewRedisAllocatorWithClient wraps an existing client. Closing the
// allocator closes the client.
func NewRedisAllocatorWithClient(client *redis.Client, opts ...Option) *RedisAllocator {
	o := buildOptions(opts)
	return &RedisAllocator{
		client:    client,
		prefix:    "seq:",
		floor:     o.floor,
		telemetry: o.instruments(),
	}
}

func (a *RedisAllocator) key(tenant TenantKey) string {
	return a.prefix + tenant.Namespace + ":" + tenant.MunicipalityID
}

func (a *RedisAllocator) Next(ctx context.Context, tenant TenantKey) (int64, error) {
	attrs := tenantAttributes(tenant, "redis")
	ctx, span := a.telemetry.tracer.Start(ctx, "sequence.Next", trace.WithAttributes(attrs...))
	defer span.End()

	key := a.key(tenant)
	value, err := incrExisting.Run(ctx, a.client, []string{key}).Int64()
	if errors.Is(err, redis.Nil) {
		value, err = a.seed(ctx, tenant, key)
	}
	if err == nil && value <= 0 {
		err = fmt.Errorf("non-positive sequence value %d", value)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocation failed")
		return 0, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	a.telemetry.allocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	return value, nil
}

func (a *RedisAllocator) seed(ctx context.Context, tenant TenantKey, key string) (int64, error) {
	var floor int64
	if a.floor != nil {
		var err error
		if floor, err = a.floor(ctx, tenant); err != nil {
			return 0, fmt.Errorf("read sequence floor: %w", err)
		}
	}
	if floor > 0 {
		log.Printf("sequence: seeding missing counter for %s at %d", tenant, floor)
	}
	return seedAndIncr.Run(ctx, a.client, []string{key}, floor).Int64()
}

func (a *RedisAllocator) Close() error {
	return a.client.Close()
}

func (a *RedisAllocator) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}
