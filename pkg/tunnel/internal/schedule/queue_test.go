// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package schedule

import (
	"math/rand"
	"reflect"
	"testing"
	"time"
)

func TestQueueOrder(t *testing.T) {
	base := time.Unix(1700000000, 0)
	q := NewQueue[string]()

	q.Set("c", base.Add(3*time.Second))
	q.Set("a", base.Add(1*time.Second))
	q.Set("b", base.Add(2*time.Second))

	if key, deadline, ok := q.Peek(); !ok || key != "a" || !deadline.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected peek: %v %v %t", key, deadline, ok)
	}

	if keys := q.PopDue(base); len(keys) != 0 {
		t.Fatalf("nothing is due yet, got %v", keys)
	}

	if keys := q.PopDue(base.Add(2 * time.Second)); !reflect.DeepEqual(keys, []string{"a", "b"}) {
		t.Fatalf("expected [a b], got %v", keys)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one remaining deadline, got %d", q.Len())
	}
}

func TestQueueUpdateRemove(t *testing.T) {
	base := time.Unix(1700000000, 0)
	q := NewQueue[int]()

	q.Set(1, base.Add(time.Second))
	q.Set(2, base.Add(2*time.Second))

	// Postpone 1 behind 2.
	q.Set(1, base.Add(3*time.Second))
	if key, _, _ := q.Peek(); key != 2 {
		t.Fatalf("expected 2 first, got %d", key)
	}
	if q.Len() != 2 {
		t.Fatalf("update added a second deadline: %d", q.Len())
	}

	q.Remove(2)
	q.Remove(23)
	if key, _, _ := q.Peek(); key != 1 {
		t.Fatalf("expected 1 after removal, got %d", key)
	}

	q.Set(1, time.Time{})
	if _, _, ok := q.Peek(); ok || q.Len() != 0 {
		t.Fatalf("zero deadline did not remove the key")
	}
}

func TestQueueRandom(t *testing.T) {
	base := time.Unix(1700000000, 0)
	q := NewQueue[int]()
	rng := rand.New(rand.NewSource(23))

	deadlines := make(map[int]time.Time)
	for i := 0; i < 1000; i++ {
		key := rng.Intn(100)
		deadline := base.Add(time.Duration(rng.Intn(10000)) * time.Millisecond)
		q.Set(key, deadline)
		deadlines[key] = deadline
	}

	keys := q.PopDue(base.Add(time.Hour))
	if len(keys) != len(deadlines) {
		t.Fatalf("expected %d keys, got %d", len(deadlines), len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if deadlines[keys[i]].Before(deadlines[keys[i-1]]) {
			t.Fatalf("keys %d and %d are out of order", keys[i-1], keys[i])
		}
	}
}
