// Package protocol owns the device debug stream wire contract.
//
// Ownership boundary:
// - category tags and framing rules (frame)
// - stream accumulation and frame extraction (frame.Buffer, frame.Decode)
//
// Routing and fan-out of decoded payloads live in bridge and broadcast.
package protocol
