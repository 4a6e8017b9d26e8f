/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package storage

import (
	"context"
	"time"

	"github.com/Juice-Labs/gpu-relay/pkg/errors"
)

var (
	ErrNotFound = errors.New("storage: object not found")
	ErrClosed   = errors.New("storage: closed")
)

// Storage is the shared state every relay process works against. Operations
// are single key and atomic; there are no multi key transactions.
type Storage interface {
	Close() error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key string, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// HGet returns ErrNotFound when the field is absent.
	HGet(ctx context.Context, key string, field string) (string, error)
	HSet(ctx context.Context, key string, field string, value string) error
	HSetNX(ctx context.Context, key string, field string, value string) (bool, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	// LPop returns ErrNotFound when the list is empty.
	LPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start int64, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)
	LTrim(ctx context.Context, key string, start int64, stop int64) error

	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Keys lists every live key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Publish returns the number of subscribers that received the payload.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	// Subscribe delivers payloads until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Bounds converts inclusive list indices, which may count from the end when
// negative, into a half open range over a list of the given length.
func Bounds(start int64, stop int64, length int64) (int64, int64) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop {
		return 0, 0
	}

	return start, stop + 1
}
