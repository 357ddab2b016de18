// Package event owns the address-event record produced by the camera and the
// conversion of its 24-bit hardware timestamp into monotonic sensor time.
//
// Responsibilities: the fixed-size wire record and its codec, the Kind tagged
// variant (polarity events and sideband wrap markers), and per-channel
// timestamp unwrapping.
//
// Dependency rule: event has no dependencies on other internal packages.
package event
