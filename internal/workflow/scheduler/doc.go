// Package scheduler tracks the lifecycle of every job instance in a pipeline
// run. It promotes instances once their `needs` succeeded, cascades skips
// from failed or skipped work to everything downstream, applies fail-fast and
// cancellation, and hands the engine batches that respect global and per-job
// concurrency limits.
package scheduler
