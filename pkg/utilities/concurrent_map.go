/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package utilities

import "sync"

// ConcurrentSets maps each key to a set of values. Empty sets are removed.
type ConcurrentSets[K comparable, V comparable] struct {
	sync.Mutex

	sets map[K]map[V]struct{}
}

func NewConcurrentSets[K comparable, V comparable]() *ConcurrentSets[K, V] {
	return &ConcurrentSets[K, V]{
		sets: map[K]map[V]struct{}{},
	}
}

func (csets *ConcurrentSets[K, V]) Add(key K, value V) {
	csets.Lock()
	defer csets.Unlock()

	set, found := csets.sets[key]
	if !found {
		set = map[V]struct{}{}
		csets.sets[key] = set
	}

	set[value] = struct{}{}
}

// Remove reports whether value was in the set for key.
func (csets *ConcurrentSets[K, V]) Remove(key K, value V) bool {
	csets.Lock()
	defer csets.Unlock()

	set := csets.sets[key]
	if _, found := set[value]; !found {
		return false
	}

	delete(set, value)
	if len(set) == 0 {
		delete(csets.sets, key)
	}

	return true
}

// Members returns a snapshot of the set for key.
func (csets *ConcurrentSets[K, V]) Members(key K) []V {
	csets.Lock()
	defer csets.Unlock()

	members := make([]V, 0, len(csets.sets[key]))
	for value := range csets.sets[key] {
		members = append(members, value)
	}

	return members
}

func (csets *ConcurrentSets[K, V]) Len() int {
	csets.Lock()
	defer csets.Unlock()

	return len(csets.sets)
}
