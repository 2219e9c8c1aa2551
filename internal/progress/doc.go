// Package progress provides the non-blocking hub that observes every event a
// publisher accepts. Events are buffered per stage on a background goroutine.
// A stage is delivered to the sinks as soon as it finishes, and unfinished
// stages are delivered on a fixed interval. Sinks include Prometheus metrics,
// structured logs and the stage status store.
package progress
