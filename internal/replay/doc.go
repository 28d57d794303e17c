// Package replay defines the narrow contracts the pipeline core uses to talk
// to the replay/simulation subsystem, and an RPC-backed implementation of
// them.
//
// Classification is a tagged result, not an exception: Compare returns a
// Comparison whose Kind the orchestration switches on. Ordinary Go errors are
// reserved for transport and setup failures.
package replay
