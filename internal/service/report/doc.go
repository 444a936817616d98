// Package report implements the report job lifecycle: validation and
// creation of pending jobs, the claim/complete/fail/reap transitions,
// listing, downloads and custom metric registration.
//
// Transitions are monotonic:
//
//	pending -> processing -> completed | failed
//
// The pending -> processing claim is a single compare-and-set in the
// repository, which is what guarantees that at most one worker executes a
// job. Every other transition is a conditional write on the processing
// state, so no transition ever leaves a terminal state.
package report
