// Package queue defines the job queue shared by pool workers. Implementations
// must make each operation a single critical section.
package queue

import "github.com/JakeFAU/geotile-pipeline/internal/pipeline"

// Queue holds fetch jobs waiting for a worker.
type Queue interface {
	// Push appends a new job.
	Push(jobs ...*pipeline.FetchJob)
	// Requeue puts a job that failed retryably back at the tail.
	Requeue(job *pipeline.FetchJob)
	// Pop removes the head job; ok is false when the queue is empty.
	Pop() (job *pipeline.FetchJob, ok bool)
	// Drain removes and returns every queued job.
	Drain() []*pipeline.FetchJob
	Len() int
}
