package core

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
)

// ErrQueueEmpty is returned when Pop() or Top() is called on an empty queue.
var ErrQueueEmpty = errors.New("priority queue is empty")

// PriorityQueue is a thread-safe min-heap, popping the lowest priority value first.
// Elements with the same priority are served in FIFO order.
type PriorityQueue[T any] interface {
	Push(v T, priority int64)
	Pop() (T, error)
	Top() (T, error)
	Len() int
	// Remove deletes the first element, in pop order, that match accepts.
	Remove(match func(T) bool) (T, bool)
	// Items returns the elements in pop order without removing them.
	Items() []T
}

type heapPriorityQueue[T any] struct {
	pq       priorityQueue[T]
	mu       sync.RWMutex
	sequence uint64
}

func NewPriorityQueue[T any]() PriorityQueue[T] {
	pq := make(priorityQueue[T], 0)
	heap.Init(&pq)
	return &heapPriorityQueue[T]{pq: pq}
}

func (q *heapPriorityQueue[T]) Push(v T, priority int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.pq, &item[T]{
		value:    v,
		priority: priority,
		sequence: q.sequence,
	})
	q.sequence++
}

func (q *heapPriorityQueue[T]) Pop() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pq.Len() == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}
	it := heap.Pop(&q.pq).(*item[T])
	return it.value, nil
}

func (q *heapPriorityQueue[T]) Top() (T, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.pq.Len() == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}
	return q.pq[0].value, nil
}

func (q *heapPriorityQueue[T]) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pq.Len()
}

func (q *heapPriorityQueue[T]) Remove(match func(T) bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.sorted() {
		if match(it.value) {
			heap.Remove(&q.pq, it.index)
			return it.value, true
		}
	}
	var zero T
	return zero, false
}

func (q *heapPriorityQueue[T]) Items() []T {
	q.mu.RLock()
	defer q.mu.RUnlock()

	sorted := q.sorted()
	out := make([]T, len(sorted))
	for i, it := range sorted {
		out[i] = it.value
	}
	return out
}

// sorted returns the heap items in pop order. Caller holds the lock.
func (q *heapPriorityQueue[T]) sorted() []*item[T] {
	items := make([]*item[T], len(q.pq))
	copy(items, q.pq)
	sort.Slice(items, func(i, j int) bool {
		return less(items[i], items[j])
	})
	return items
}

// item wraps a value with its priority, sequence number, and index in the heap.
type item[T any] struct {
	value    T
	priority int64
	sequence uint64 // Insertion order for FIFO within same priority
	index    int    // Required by heap.Interface
}

func less[T any](a, b *item[T]) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.sequence < b.sequence
}

// priorityQueue satisfies heap.Interface.
type priorityQueue[T any] []*item[T]

func (pq priorityQueue[T]) Len() int {
	return len(pq)
}

func (pq priorityQueue[T]) Less(i, j int) bool {
	return less(pq[i], pq[j])
}

func (pq priorityQueue[T]) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue[T]) Push(x any) {
	n := len(*pq)
	it := x.(*item[T])
	it.index = n
	*pq = append(*pq, it)
}

func (pq *priorityQueue[T]) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[0 : n-1]
	return it
}
