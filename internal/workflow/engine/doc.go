// Package engine ties the job graph, matrix expansion, scheduler and step
// runner together. Plan validates a pipeline without running anything; Run
// drives the scheduler board from a single coordinator goroutine, dispatches
// instances to worker goroutines and persists a State snapshot after every
// transition.
package engine
