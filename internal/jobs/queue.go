package jobs

import (
	"container/heap"
	"sync"
)

// Queue is the pluggable job queue surface: push, pop, len, peek. FIFO is
// required; a priority ordering is a permitted specialization.
type Queue interface {
	Push(job Job)
	Pop() (Job, bool)
	Len() int
	Peek() (Job, bool)
}

// FIFOQueue is the reference in-memory backend: strict first-in-first-out.
type FIFOQueue struct {
	mu    sync.Mutex
	items []Job
}

// NewFIFOQueue creates an empty FIFO queue.
func NewFIFOQueue() *FIFOQueue {
	return &FIFOQueue{}
}

// Push appends job to the tail of the queue.
func (q *FIFOQueue) Push(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, job)
}

// Pop removes and returns the head job, if any.
func (q *FIFOQueue) Pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Job{}, false
	}
	job := q.items[0]
	q.items = q.items[1:]
	return job, true
}

// Len returns the number of queued jobs.
func (q *FIFOQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Peek returns the head job without removing it.
func (q *FIFOQueue) Peek() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Job{}, false
	}
	return q.items[0], true
}

// priorityHeap backs PriorityQueue: higher Priority pops first, FIFO among
// equal priorities (broken by insertion sequence).
type priorityHeapItem struct {
	job Job
	seq uint64
}

type priorityHeap []priorityHeapItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x interface{}) {
	*h = append(*h, x.(priorityHeapItem))
}
func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue pops the highest-Priority job first; jobs of equal
// priority are served FIFO.
type PriorityQueue struct {
	mu   sync.Mutex
	heap priorityHeap
	next uint64
}

// NewPriorityQueue creates an empty priority queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Push adds job to the queue at its declared priority.
func (q *PriorityQueue) Push(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, priorityHeapItem{job: job, seq: q.next})
	q.next++
}

// Pop removes and returns the highest-priority job.
func (q *PriorityQueue) Pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return Job{}, false
	}
	item := heap.Pop(&q.heap).(priorityHeapItem)
	return item.job, true
}

// Len returns the number of queued jobs.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Peek returns the highest-priority job without removing it.
func (q *PriorityQueue) Peek() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return Job{}, false
	}
	return q.heap[0].job, true
}
