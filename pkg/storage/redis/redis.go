/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package redis

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
)

var (
	ErrUnreachable = errors.New("redis: server unreachable")
)

type storageDriver struct {
	client redis.UniversalClient
}

// OpenStorage connects to a Redis server and verifies it answers.
func OpenStorage(ctx context.Context, options *redis.Options) (storage.Storage, error) {
	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, ErrUnreachable.Wrap(err)
	}

	logger.Infow("connected to redis", "address", options.Addr, "db", options.DB)

	return NewStorage(client), nil
}

func NewStorage(client redis.UniversalClient) storage.Storage {
	return &storageDriver{
		client: client,
	}
}

func (driver *storageDriver) Close() error {
	return driver.client.Close()
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for index, value := range values {
		args[index] = value
	}

	return args
}

func notFound(err error) error {
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}

	return err
}

func (driver *storageDriver) SAdd(ctx context.Context, key string, members ...string) error {
	return driver.client.SAdd(ctx, key, toArgs(members)...).Err()
}

func (driver *storageDriver) SRem(ctx context.Context, key string, members ...string) error {
	return driver.client.SRem(ctx, key, toArgs(members)...).Err()
}

func (driver *storageDriver) SMembers(ctx context.Context, key string) ([]string, error) {
	return driver.client.SMembers(ctx, key).Result()
}

func (driver *storageDriver) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	return driver.client.SIsMember(ctx, key, member).Result()
}

func (driver *storageDriver) SCard(ctx context.Context, key string) (int64, error) {
	return driver.client.SCard(ctx, key).Result()
}

func (driver *storageDriver) HGet(ctx context.Context, key string, field string) (string, error) {
	value, err := driver.client.HGet(ctx, key, field).Result()
	return value, notFound(err)
}

func (driver *storageDriver) HSet(ctx context.Context, key string, field string, value string) error {
	return driver.client.HSet(ctx, key, field, value).Err()
}

func (driver *storageDriver) HSetNX(ctx context.Context, key string, field string, value string) (bool, error) {
	return driver.client.HSetNX(ctx, key, field, value).Result()
}

func (driver *storageDriver) HDel(ctx context.Context, key string, fields ...string) error {
	return driver.client.HDel(ctx, key, fields...).Err()
}

func (driver *storageDriver) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return driver.client.HGetAll(ctx, key).Result()
}

func (driver *storageDriver) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	return driver.client.RPush(ctx, key, toArgs(values)...).Result()
}

func (driver *storageDriver) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	return driver.client.LPush(ctx, key, toArgs(values)...).Result()
}

func (driver *storageDriver) LPop(ctx context.Context, key string) (string, error) {
	value, err := driver.client.LPop(ctx, key).Result()
	return value, notFound(err)
}

func (driver *storageDriver) LLen(ctx context.Context, key string) (int64, error) {
	return driver.client.LLen(ctx, key).Result()
}

func (driver *storageDriver) LRange(ctx context.Context, key string, start int64, stop int64) ([]string, error) {
	return driver.client.LRange(ctx, key, start, stop).Result()
}

func (driver *storageDriver) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	return driver.client.LRem(ctx, key, count, value).Result()
}

func (driver *storageDriver) LTrim(ctx context.Context, key string, start int64, stop int64) error {
	return driver.client.LTrim(ctx, key, start, stop).Err()
}

func (driver *storageDriver) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return driver.client.Expire(ctx, key, ttl).Err()
}

func (driver *storageDriver) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return driver.client.Del(ctx, keys...).Err()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (driver *storageDriver) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	seen := map[string]struct{}{}

	iterator := driver.client.Scan(ctx, 0, globEscaper.Replace(prefix)+"*", 100).Iterator()
	for iterator.Next(ctx) {
		key := iterator.Val()
		if _, found := seen[key]; !found {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, iterator.Err()
}

func (driver *storageDriver) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return driver.client.Publish(ctx, channel, payload).Result()
}

func (driver *storageDriver) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := driver.client.Subscribe(ctx, channel)

	// Wait for the confirmation so nothing published after return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan []byte)

	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return

			case msg, ok := <-messages:
				if !ok {
					return
				}

				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
