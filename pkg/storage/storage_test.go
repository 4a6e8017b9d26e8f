/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package storage

import "testing"

func TestBounds(t *testing.T) {
	cases := []struct {
		start, stop, length int64
		from, to            int64
	}{
		{0, -1, 5, 0, 5},
		{-2, -1, 5, 3, 5},
		{-100, -1, 5, 0, 5},
		{1, 2, 5, 1, 3},
		{3, 1, 5, 0, 0},
		{0, -1, 0, 0, 0},
		{0, 10, 3, 0, 3},
	}

	for _, c := range cases {
		from, to := Bounds(c.start, c.stop, c.length)
		if from != c.from || to != c.to {
			t.Errorf("Bounds(%d, %d, %d) = [%d, %d), expected [%d, %d)", c.start, c.stop, c.length, from, to, c.from, c.to)
		}
	}
}
