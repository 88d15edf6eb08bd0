// Package session implements the per-client Session Agent and its Manager.
//
// An Agent moves through four states:
//
//	uninitialized -> active -> cleaning_up -> closed
//
// Init runs on first dispatch. It computes the visible tool set from the
// principal's tier once; the set never changes afterwards. Cleanup runs on
// explicit shutdown (Manager.Shutdown) or from the Alarm hook fired by the
// Manager's sweeper after sessions.idle_timeout without activity. Cleanup is
// idempotent, recovers panics and only logs failures, so a closed agent is
// always reached.
//
// Closed sessions accept no further dispatches. Clients must open a new
// session, which repeats authentication. Open sessions are persisted and can
// be resumed by their owner after a gateway restart.
package session
