// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package schedule provides a deadline queue, a min-heap of keyed timers.
package schedule

import (
	"container/heap"
	"time"
)

type item[K comparable] struct {
	key      K
	deadline time.Time
	index    int
}

type itemHeap[K comparable] []*item[K]

func (h itemHeap[K]) Len() int { return len(h) }

func (h itemHeap[K]) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h itemHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[K]) Push(x any) {
	it := x.(*item[K])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap[K]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue of deadlines, at most one per key. A Queue is not safe for concurrent use.
type Queue[K comparable] struct {
	items itemHeap[K]
	keys  map[K]*item[K]
}

// NewQueue creates an empty Queue.
func NewQueue[K comparable]() *Queue[K] {
	return &Queue[K]{keys: make(map[K]*item[K])}
}

// Set the deadline of a key, replacing a previous one. A zero deadline removes the key.
func (q *Queue[K]) Set(key K, deadline time.Time) {
	if deadline.IsZero() {
		q.Remove(key)
		return
	}

	if it, ok := q.keys[key]; ok {
		it.deadline = deadline
		heap.Fix(&q.items, it.index)
		return
	}

	it := &item[K]{key: key, deadline: deadline}
	heap.Push(&q.items, it)
	q.keys[key] = it
}

// Remove a key's deadline, if present.
func (q *Queue[K]) Remove(key K) {
	it, ok := q.keys[key]
	if !ok {
		return
	}

	heap.Remove(&q.items, it.index)
	delete(q.keys, key)
}

// Peek at the earliest deadline.
func (q *Queue[K]) Peek() (key K, deadline time.Time, ok bool) {
	if len(q.items) == 0 {
		return
	}
	return q.items[0].key, q.items[0].deadline, true
}

// PopDue removes and returns all keys whose deadline is not after now, earliest first.
func (q *Queue[K]) PopDue(now time.Time) (keys []K) {
	for len(q.items) > 0 && !q.items[0].deadline.After(now) {
		it := heap.Pop(&q.items).(*item[K])
		delete(q.keys, it.key)
		keys = append(keys, it.key)
	}
	return
}

// Len is the number of pending deadlines.
func (q *Queue[K]) Len() int {
	return len(q.items)
}
