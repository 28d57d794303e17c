// Package model holds the format-agnostic data types shared by every
// pipeline stage: block ranges, candidate pairs, verdicts, state diffs and
// property reports. The types are plain records with no behavior beyond
// parsing and identity.
package model
