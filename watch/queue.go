// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package watch

import "sync"

// queue is a bounded FIFO of records for a single root.
type queue struct {
	mutex      sync.Mutex
	records    []Record
	head       int
	size       int
	overflowed bool
}

func newQueue(capacity int) *queue {
	return &queue{
		records: make([]Record, capacity),
	}
}

// push appends a record. When the queue is full every pending record is
// replaced with a single overflow record, and pushes are ignored until that
// record is popped. Returns false when the record was not queued.
func (q *queue) push(r Record) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.overflowed {
		metricRecordsDropped.Inc()
		return false
	}
	if q.size == len(q.records) {
		metricRecordsDropped.Inc()
		q.overflowLocked(r.Root)
		return false
	}

	q.records[(q.head+q.size)%len(q.records)] = r
	q.size++
	metricRecordsQueued.Inc()
	return true
}

// overflow discards pending records and queues an overflow record for root.
func (q *queue) overflow(root string) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if !q.overflowed {
		q.overflowLocked(root)
	}
}

func (q *queue) overflowLocked(root string) {
	metricOverflows.Inc()
	metricRecordsDropped.Add(float64(q.size))
	for idx := range q.records {
		q.records[idx] = Record{}
	}
	q.head = 0
	q.size = 1
	q.records[0] = Record{
		Path:     root,
		Root:     root,
		Overflow: true,
	}
	q.overflowed = true
}

func (q *queue) pop() (Record, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.size == 0 {
		return Record{}, false
	}

	r := q.records[q.head]
	q.records[q.head] = Record{}
	q.head = (q.head + 1) % len(q.records)
	q.size--
	if r.Overflow {
		q.overflowed = false
	}
	return r, true
}

func (q *queue) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.size
}
