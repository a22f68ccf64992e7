// Package bus provides the event bus used by browser sessions, together
// with the identifier machinery around it: a Registry that issues
// process-unique, syntactically valid bus names, and a sanitizing Factory
// that normalizes arbitrary caller-supplied names before the constructor's
// own validation runs.
//
// Invariants:
//   - No two live buses issued by one Registry share a name at any instant.
//   - Every issued name is a valid bare identifier with the Agent_ prefix
//     and contains no path- or shell-unsafe characters.
//   - Registry.Create never fails: construction errors escalate through
//     derived, forced-random and emergency names before falling back to an
//     anonymous bus.
package bus
