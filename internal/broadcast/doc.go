// Package broadcast owns the per-category TCP fan-out channels.
//
// Ownership boundary:
// - one listener per channel and its accept loop
// - the connected client set
// - best-effort delivery of each payload to every writable client
//
// A client that fails or stalls is dropped or skipped without affecting the
// rest of the set or the caller.
package broadcast
