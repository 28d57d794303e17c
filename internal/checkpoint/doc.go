// Package checkpoint reads and writes the durable artifacts that mark stage
// boundaries: candidate lists, verdict tables, detail logs, property reports
// and stats summaries.
//
// Every format is self-describing (explicit CSV headers, explicit ids per
// JSONL line) so any stage can be re-invoked standalone from the previous
// stage's files. Writes land in a temp file next to the destination and are
// renamed into place, so a downstream stage never observes a partial file.
package checkpoint
