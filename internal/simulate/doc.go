// Package simulate runs demo stage executors that stream progress through a
// publisher, standing in for the real generation backends. Text stages
// stream word tokens; batch stages report per-item progress.
package simulate
