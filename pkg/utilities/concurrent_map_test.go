/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package utilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConcurrentSets(t *testing.T) {
	sets := NewConcurrentSets[string, int]()

	sets.Add("a", 1)
	sets.Add("a", 2)
	sets.Add("a", 2)
	sets.Add("b", 3)

	assert.ElementsMatch(t, []int{1, 2}, sets.Members("a"))
	assert.Empty(t, sets.Members("c"))
	assert.Equal(t, 2, sets.Len())

	assert.True(t, sets.Remove("b", 3))
	assert.False(t, sets.Remove("b", 3))
	assert.Equal(t, 1, sets.Len())
}

func TestCastAndRequire(t *testing.T) {
	var value any = 7

	n, err := Cast[int](value)
	assert.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = Cast[string](value)
	assert.ErrorIs(t, err, ErrInvalidCast)

	assert.Panics(t, func() {
		Require[string](value)
	})
}
