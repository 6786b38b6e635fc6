// Package governance holds the pacing and protection primitives that keep the
// monitoring pipeline stable under load.
//
// The Throttler decides when downstream update callbacks may run (fixed,
// adaptive and burst modes), Batcher amortizes callbacks into combined
// invocations, and CircuitBreaker lets components such as the log rotator
// disable themselves after repeated I/O failures instead of failing the process.
package governance
