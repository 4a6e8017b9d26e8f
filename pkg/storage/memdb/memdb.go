/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package memdb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-memdb"

	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
	"github.com/Juice-Labs/gpu-relay/pkg/utilities"
)

// Lists are ordered by a zero padded sequence so the radix tree orders them
// lexically. Front pushes count down from the origin, back pushes count up.
const seqOrigin = uint64(1) << 62

var dataTables = []string{"sets", "hashes", "lists"}

type SetMember struct {
	Key    string
	Member string
}

type HashField struct {
	Key   string
	Field string
	Value string
}

type ListItem struct {
	Key   string
	Seq   string
	Value string
}

type Expiry struct {
	Key string
	At  int64
}

type subscriber struct {
	in   chan []byte
	done chan struct{}
}

type storageDriver struct {
	db    *memdb.MemDB
	clock clock.Clock

	closed atomic.Bool

	subscribers *utilities.ConcurrentSets[string, *subscriber]
}

type Option func(*storageDriver)

// WithClock overrides the clock used for key expiry.
func WithClock(clock clock.Clock) Option {
	return func(driver *storageDriver) {
		driver.clock = clock
	}
}

func keyIndex() *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:    "key",
		Unique:  false,
		Indexer: &memdb.StringFieldIndex{Field: "Key"},
	}
}

func compoundId(fields ...string) *memdb.IndexSchema {
	indexes := make([]memdb.Indexer, 0, len(fields))
	for _, field := range fields {
		indexes = append(indexes, &memdb.StringFieldIndex{Field: field})
	}

	return &memdb.IndexSchema{
		Name:    "id",
		Unique:  true,
		Indexer: &memdb.CompoundIndex{Indexes: indexes},
	}
}

func OpenStorage(ctx context.Context, options ...Option) (storage.Storage, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"sets": {
				Name: "sets",
				Indexes: map[string]*memdb.IndexSchema{
					"id":  compoundId("Key", "Member"),
					"key": keyIndex(),
				},
			},
			"hashes": {
				Name: "hashes",
				Indexes: map[string]*memdb.IndexSchema{
					"id":  compoundId("Key", "Field"),
					"key": keyIndex(),
				},
			},
			"lists": {
				Name: "lists",
				Indexes: map[string]*memdb.IndexSchema{
					"id":  compoundId("Key", "Seq"),
					"key": keyIndex(),
				},
			},
			"expiry": {
				Name: "expiry",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}

	driver := &storageDriver{
		db:          db,
		clock:       clock.New(),
		subscribers: utilities.NewConcurrentSets[string, *subscriber](),
	}

	for _, option := range options {
		option(driver)
	}

	return driver, nil
}

func (driver *storageDriver) Close() error {
	driver.closed.Store(true)
	return nil
}

// Every operation runs in a write transaction so expired keys can be purged
// lazily on access.
func (driver *storageDriver) update(fn func(txn *memdb.Txn) error) error {
	if driver.closed.Load() {
		return storage.ErrClosed
	}

	txn := driver.db.Txn(true)
	err := fn(txn)
	if err != nil {
		txn.Abort()
		return err
	}

	txn.Commit()
	return nil
}

func (driver *storageDriver) purge(txn *memdb.Txn, key string) error {
	for _, table := range dataTables {
		if _, err := txn.DeleteAll(table, "key", key); err != nil {
			return err
		}
	}

	_, err := txn.DeleteAll("expiry", "id", key)
	return err
}

// live purges key when its expiry has passed.
func (driver *storageDriver) live(txn *memdb.Txn, key string) error {
	obj, err := txn.First("expiry", "id", key)
	if err != nil {
		return err
	}

	if obj != nil && utilities.Require[*Expiry](obj).At <= driver.clock.Now().UnixNano() {
		return driver.purge(txn, key)
	}

	return nil
}

func (driver *storageDriver) exists(txn *memdb.Txn, key string) (bool, error) {
	for _, table := range dataTables {
		obj, err := txn.First(table, "key", key)
		if err != nil {
			return false, err
		}

		if obj != nil {
			return true, nil
		}
	}

	return false, nil
}

// settle drops a dangling expiry once the last element of key is removed.
func (driver *storageDriver) settle(txn *memdb.Txn, key string) error {
	found, err := driver.exists(txn, key)
	if err != nil || found {
		return err
	}

	_, err = txn.DeleteAll("expiry", "id", key)
	return err
}

func deleteIgnoringMissing(txn *memdb.Txn, table string, obj any) error {
	err := txn.Delete(table, obj)
	if err != nil && !errors.Is(err, memdb.ErrNotFound) {
		return err
	}

	return nil
}

func (driver *storageDriver) SAdd(ctx context.Context, key string, members ...string) error {
	return driver.update(func(txn *memdb.Txn) error {
		if err := driver.live(txn, key); err != nil {
			return err
		}

		for _, member := range members {
			if err := txn.Insert("sets", &SetMember{Key: key, Member: member}); err != nil {
				return err
			}
		}

		return nil
	})
}

func (driver *storageDriver) SRem(ctx context.Context, key string, members ...string) error {
	return driver.update(func(txn *memdb.Txn) error {
		if err := driver.live(txn, key); err != nil {
			return err
		}

		for _, member := range members {
			if err := deleteIgnoringMissing(txn, "sets", &SetMember{Key: key, Member: member}); err != nil {
				return err
			}
		}

		return driver.settle(txn, key)
	})
}

func (driver *storageDriver) SMembers(ctx context.Context, key string) ([]string, error) {
	members := []string{}

	err := driver.update(func(txn *memdb.Txn) error {
		if err := driver.live(txn, key); err != nil {
			return err
		}

		iterator, err := txn.Get("sets", "key", key)
		if err != nil {
			return err
		}

		for obj := iterator.Next(); obj != nil; obj = iterator.Next() {
			members = append(members, utilities.Require[*SetMember](obj).Member)
		}

		return nil
	})

	return members, err
}

func (driver *storageDriver) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	var found bool

	err := driver.update(func(txn *memdb.Txn) error {
		if err := driver.live(txn, key); err != nil {
			return err
		}

		obj, err := txn.First("sets", "id", key, member)
		found = obj != nil
		return err
	})

	return found, err
}

func (driver *storageDriver) SCard(ctx context.Context, key string) (int64, error) {
	members, err := driver.SMembers(ctx, key)
	return int64(len(members)), err
}

func (driver *storageDriver) HGet(ctx context.Context, key string, field string) (string, error) {
	var value string

	err := driver.update(func(txn *memdb.Txn) error {
		if err := driver.live(txn, key); err != nil {
			return err
		}

		obj, err := txn.First("hashes", "id", key, field)
		if err != nil {
			return err
		}

		if obj == nil {
			return storage.ErrNotFound
		}

		value = utilities.Require[*HashField](obj).Value
		return nil
	})

	return value, err
}

func (driver *storageDriver) HSet(ctx context.Context, key string, field string, value string) error {
	return driver.update(func(txn *memdb.Txn) error {
		if err := driver.live(txn, key); err != nil {
			return err
		}

		return txn.Insert("hashes", &HashField{Key: key, Field: field, Value: value})
	})
}

func (driver *storageDriver) HSetNX(ctx context.Context, key string, field string, value string) (bool, error) {
	var set bool

	err := driver.update(func(txn *memdb.Txn) error {
		if err := driver.live(txn, key); err != nil {
			return err
		}

		obj, err := txn.First("hashes", "id", key, field)
		if err != nil || obj != nil {
			return err
		}

		set = true
		return txn.Insert("hashes", &HashField{Key: key, Field: field, Value: value})
	})

	return set, err
}

func (driver *storageDriver) HDel(ctx context.Context, key string, fields ...string) error {
	return driver.update(func(txn *memdb.Txn) error {
		if err := driver.live(txn, key); err != nil {
			return err
		}

		for _, field := range fields {
			if err := deleteIgnoringMissing(txn, "hashes", &HashField{Key: key, Field: field}); err != nil {
				return err
			}
		}

		return driver.settle(txn, key)
	})
}

func (driver *storageDriver) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	values := map[string]string{}

	err := driver.update(func(txn *memdb.Txn) error {
		if err := driver.live(txn, key); err != nil {
			return err
		}

		iterator, err := txn.Get("hashes", "key", key)
		if err != nil {
			return err
		}

		for obj := iterator.Next(); obj != nil; obj = iterator.Next() {
			field := utilities.Require[*HashField](obj)
			values[field.Field] = field.Value
		}

		return nil
	})

	return values, err
}

func seqString(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func parseSeq(seq string) uint64 {
	value, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return seqOrigin
	}

	return value
}

func (driver *storageDriver) items(txn *memdb.Txn, key string) ([]*ListItem, error) {
	if err := driver.live(txn, key); err != nil {
		return nil, err
	}

	iterator, err := txn.Get("lists", "key", key)
	if err != nil {
		return nil, err
	}

	items := []*ListItem{}
	for obj := iterator.Next(); obj != nil; obj = iterator.Next() {
		items = append(items, utilities.Require[*ListItem](obj))
	}

	return items, nil
}

func (driver *storageDriver) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	var length int64

	err := driver.update(func(txn *memdb.Txn) error {
		items, err := driver.items(txn, key)
		if err != nil {
			return err
		}

		next := seqOrigin
		if len(items) > 0 {
			next = parseSeq(items[len(items)-1].Seq) + 1
		}

		for _, value := range values {
			if err := txn.Insert("lists", &ListItem{Key: key, Seq: seqString(next), Value: value}); err != nil {
				return err
			}
			next++
		}

		length = int64(len(items) + len(values))
		return nil
	})

	return length, err
}

func (driver *storageDriver) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	var length int64

	err := driver.update(func(txn *memdb.Txn) error {
		items, err := driver.items(txn, key)
		if err != nil {
			return err
		}

		next := seqOrigin
		if len(items) > 0 {
			next = parseSeq(items[0].Seq)
		}

		for _, value := range values {
			next--
			if err := txn.Insert("lists", &ListItem{Key: key, Seq: seqString(next), Value: value}); err != nil {
				return err
			}
		}

		length = int64(len(items) + len(values))
		return nil
	})

	return length, err
}

func (driver *storageDriver) LPop(ctx context.Context, key string) (string, error) {
	var value string

	err := driver.update(func(txn *memdb.Txn) error {
		items, err := driver.items(txn, key)
		if err != nil {
			return err
		}

		if len(items) == 0 {
			return storage.ErrNotFound
		}

		value = items[0].Value
		if err := txn.Delete("lists", items[0]); err != nil {
			return err
		}

		return driver.settle(txn, key)
	})

	return value, err
}

func (driver *storageDriver) LLen(ctx context.Context, key string) (int64, error) {
	var length int64

	err := driver.update(func(txn *memdb.Txn) error {
		items, err := driver.items(txn, key)
		length = int64(len(items))
		return err
	})

	return length, err
}

func (driver *storageDriver) LRange(ctx context.Context, key string, start int64, stop int64) ([]string, error) {
	values := []string{}

	err := driver.update(func(txn *memdb.Txn) error {
		items, err := driver.items(txn, key)
		if err != nil {
			return err
		}

		from, to := storage.Bounds(start, stop, int64(len(items)))
		for _, item := range items[from:to] {
			values = append(values, item.Value)
		}

		return nil
	})

	return values, err
}

func (driver *storageDriver) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	var removed int64

	err := driver.update(func(txn *memdb.Txn) error {
		items, err := driver.items(txn, key)
		if err != nil {
			return err
		}

		limit := count
		if count < 0 {
			limit = -count
			for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
				items[i], items[j] = items[j], items[i]
			}
		}

		for _, item := range items {
			if limit != 0 && removed >= limit {
				break
			}

			if item.Value == value {
				if err := txn.Delete("lists", item); err != nil {
					return err
				}
				removed++
			}
		}

		return driver.settle(txn, key)
	})

	return removed, err
}

func (driver *storageDriver) LTrim(ctx context.Context, key string, start int64, stop int64) error {
	return driver.update(func(txn *memdb.Txn) error {
		items, err := driver.items(txn, key)
		if err != nil {
			return err
		}

		from, to := storage.Bounds(start, stop, int64(len(items)))
		for index, item := range items {
			if int64(index) < from || int64(index) >= to {
				if err := txn.Delete("lists", item); err != nil {
					return err
				}
			}
		}

		return driver.settle(txn, key)
	})
}

func (driver *storageDriver) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return driver.update(func(txn *memdb.Txn) error {
		if err := driver.live(txn, key); err != nil {
			return err
		}

		found, err := driver.exists(txn, key)
		if err != nil || !found {
			return err
		}

		if ttl <= 0 {
			return driver.purge(txn, key)
		}

		return txn.Insert("expiry", &Expiry{Key: key, At: driver.clock.Now().Add(ttl).UnixNano()})
	})
}

func (driver *storageDriver) Del(ctx context.Context, keys ...string) error {
	return driver.update(func(txn *memdb.Txn) error {
		for _, key := range keys {
			if err := driver.purge(txn, key); err != nil {
				return err
			}
		}

		return nil
	})
}

func (driver *storageDriver) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}

	err := driver.update(func(txn *memdb.Txn) error {
		candidates := map[string]struct{}{}

		for _, table := range dataTables {
			iterator, err := txn.Get(table, "key_prefix", prefix)
			if err != nil {
				return err
			}

			for obj := iterator.Next(); obj != nil; obj = iterator.Next() {
				switch value := obj.(type) {
				case *SetMember:
					candidates[value.Key] = struct{}{}
				case *HashField:
					candidates[value.Key] = struct{}{}
				case *ListItem:
					candidates[value.Key] = struct{}{}
				}
			}
		}

		for key := range candidates {
			if err := driver.live(txn, key); err != nil {
				return err
			}

			found, err := driver.exists(txn, key)
			if err != nil {
				return err
			}

			if found {
				keys = append(keys, key)
			}
		}

		return nil
	})

	sort.Strings(keys)
	return keys, err
}

func (driver *storageDriver) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if driver.closed.Load() {
		return 0, storage.ErrClosed
	}

	targets := driver.subscribers.Members(channel)

	msg := append([]byte(nil), payload...)

	var received int64
	for _, sub := range targets {
		select {
		case sub.in <- msg:
			received++
		case <-sub.done:
		case <-ctx.Done():
			return received, ctx.Err()
		}
	}

	return received, nil
}

func (driver *storageDriver) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if driver.closed.Load() {
		return nil, storage.ErrClosed
	}

	sub := &subscriber{
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}

	driver.subscribers.Add(channel, sub)

	out := make(chan []byte)

	go func() {
		defer close(out)
		defer driver.unsubscribe(channel, sub)

		for {
			select {
			case <-ctx.Done():
				return

			case msg := <-sub.in:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (driver *storageDriver) unsubscribe(channel string, sub *subscriber) {
	if driver.subscribers.Remove(channel, sub) {
		close(sub.done)
	}
}
