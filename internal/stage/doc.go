// Package stage implements the pipeline stages as pure functions over
// explicit dependencies: a session, the collaborator interfaces, a timing
// tracker and checkpoint paths. The CLI and the chained run mode are two
// thin callers of the same functions; no stage keeps state between
// invocations, so every stage can be re-run standalone from the checkpoint
// the previous stage wrote.
//
// Error handling follows two disjoint classes. Per-item outcomes are data:
// they become checkpoint rows and detail lines, never errors. Setup failures
// (missing input checkpoint, unreachable provider or database) are returned
// and abort the stage.
package stage
