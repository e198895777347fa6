// Package progress owns the per-run state of a pipeline invocation and turns
// job outcomes into coarse progress events. Events pass through a non-blocking
// Hub that batches them on a background goroutine and fans them out to sinks
// such as the UI channel, console logs, Prometheus or the run store.
package progress
