// Package agent binds one task to a browser session and an LLM client
// and executes it step by step.
//
// Invariants:
// - An agent runs at most once at a time; pause/resume only affect a run
//   in progress.
// - Completion flags on the recorded history are cleared whenever a new
//   task is appended, so a follow-up run executes real steps instead of
//   short-circuiting.
// - The session and LLM references are swappable between runs; the
//   controller owns when that happens.
package agent
