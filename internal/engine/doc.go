// Package engine implements a self-expanding, bounded-concurrency job scheduler.
//
// Overview
// An Engine accepts an initial batch of Jobs and runs them on a fixed size Pool.
// Each Job returns an Outcome when it finishes. The Outcome may carry follow-up
// Jobs, which the Engine admits in turn, so the amount of work grows until no
// job produces anything new.
//
//	caller            Engine (control goroutine)            Pool (N workers)
//	  |                     |                                    |
//	  | Start(jobs) ------->| admit -> Submit(invoke) ---------->| Execute
//	  |                     | wait for any completion <----------| Future done
//	  |                     | harvest Outcome, admit follow-ups  |
//	  |                     | ...                                |
//	  |                     | teardown: Cancel active, Stop ---->| drain
//	  |<------------------- |                                    |
//
// Invariants:
//   - Only the control goroutine admits jobs, waits for completions and
//     touches the pending set. Workers never admit.
//   - The active set is shared with the workers and guarded by a mutex.
//   - Every admitted job is invoked exactly once. Execute is called at most
//     once; an invocation observing shutdown skips Execute.
//   - A job error or panic is logged once and treated as NoFollowUp.
//   - The shutdown flag only ever goes from false to true.
//   - Start always tears down: when it returns no worker is running a job
//     and the active set is empty.
//
// Cancellation is cooperative. Cancel is a request and the Engine never
// interrupts a running Execute; a job that never returns blocks teardown.
//
// An Engine serves exactly one Start. Create a new one for every episode.
package engine
