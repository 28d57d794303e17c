// Package ethrpc is a thin Ethereum JSON-RPC client covering the handful of
// methods the pipeline needs: transaction/block lookups, per-block state
// change traces (prestate tracer in diff mode) and simulated calls with
// state overrides.
package ethrpc
