// Package session drives VISCA requests against one camera.
//
// Ownership boundary:
// - socket acquisition and release through slots.Tracker
// - reply correlation by socket number (matcher.go)
// - per-attempt timeouts, retries and backoff
// - the single-flight inquiry path and interface clear
//
// The engine never reads from the transport itself. Callers feed inbound
// bytes through Deliver, or hand a Receiver to Run.
package session
