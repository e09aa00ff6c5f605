// Package bridge owns the serial-to-channel demultiplexing loop.
//
// Ownership boundary:
// - the frame buffer (single writer: the loop goroutine)
// - category routing to broadcast sinks
// - resync and read-error policy
// - process-level wiring of serial source, channels and metrics (Service)
package bridge
