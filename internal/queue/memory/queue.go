// Package memory provides the in-process job queue.
package memory

import (
	"sync"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// Queue is a mutex-protected FIFO. Requeued jobs go to the tail, so a job that
// keeps failing cannot starve the ones behind it.
type Queue struct {
	mu   sync.Mutex
	jobs []*pipeline.FetchJob
	head int
}

// NewQueue constructs an empty queue with room for capacity jobs.
func NewQueue(capacity int) *Queue {
	return &Queue{jobs: make([]*pipeline.FetchJob, 0, max(capacity, 0))}
}

// Push appends jobs in order.
func (q *Queue) Push(jobs ...*pipeline.FetchJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobs...)
}

// Requeue appends job at the tail and bumps its requeue counter.
func (q *Queue) Requeue(job *pipeline.FetchJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Requeues++
	q.jobs = append(q.jobs, job)
}

// Pop removes the head job.
func (q *Queue) Pop() (*pipeline.FetchJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.jobs) {
		return nil, false
	}
	job := q.jobs[q.head]
	q.jobs[q.head] = nil
	q.head++
	if q.head == len(q.jobs) {
		q.jobs = q.jobs[:0]
		q.head = 0
	}
	return job, true
}

// Drain removes and returns all queued jobs.
func (q *Queue) Drain() []*pipeline.FetchJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]*pipeline.FetchJob(nil), q.jobs[q.head:]...)
	q.jobs = q.jobs[:0]
	q.head = 0
	return out
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) - q.head
}
