// Package sinks implements concrete progress consumers: a bounded channel for
// UI subscribers, console-style logging, Prometheus gauges and the run store.
// Each sink satisfies progress.Sink.
package sinks
