package ratelimit

import (
	"container/heap"
	"context"
)

// Priority orders queued work. Lower values are served first.
type Priority int

const (
	// PrioritySession is used for session creation, which every other
	// call on the credential waits for.
	PrioritySession Priority = 0
	// PriorityQuote is used for quotes that gate order validation.
	PriorityQuote Priority = 1
	// PriorityNormal is used for order submissions and ordinary reads.
	PriorityNormal Priority = 5
	// PriorityHistory is used for historical data and reporting queries.
	PriorityHistory Priority = 10
)

type result struct {
	value interface{}
	err   error
}

type job struct {
	ctx      context.Context
	priority Priority
	seq      uint64
	session  bool
	route    string
	attempts int
	op       func(context.Context) (interface{}, error)
	done     chan result
}

// jobQueue is a min-heap on (priority, seq) giving FIFO within a priority.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x interface{}) { *q = append(*q, x.(*job)) }

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

var _ heap.Interface = (*jobQueue)(nil)
