// Package graph builds the job dependency graph for a pipeline. It resolves
// every `needs` reference, rejects unknown and cyclic dependencies, and
// exposes a deterministic topological order plus reachability queries that
// the scheduler uses to cascade failures.
package graph
