// Package batch implements the generic bounded worker pool that drives every
// pipeline stage over its item set.
//
// The central contract: exactly one result per input item, delivered in
// completion order, with every work-function error or panic caught at the
// per-item boundary and downgraded to a failure outcome. A batch of 10,000
// items with 50 individually-failing items still completes with 9,950
// successes and 50 recorded failures.
//
// Two pool flavors exist. Run shares one closure (and whatever warmed state
// it captures) across all workers; it fits I/O-bound stages reading from a
// read-only session. RunIsolated gives every worker its own state built by a
// factory, nothing shared; it fits CPU-heavy stages and stages that shell out
// to a subprocess per item.
package batch
