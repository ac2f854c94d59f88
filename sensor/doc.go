// Package sensor defines the device and decoder contracts of the streaming
// pipeline and starts persistent streams.
//
// A [Device] names a sensor and resolves the [Decoder] for its data format.
// A [Streamer] additionally services stream submissions: [Stream] checks
// readiness, reserves a multishot submission on an rtio context and hands it
// to the device, which then posts one completion per FIFO batch.
//
// Decoded frames are [Sample] values holding [Q31] fixed-point fractions and
// a shift, so a value is Values[i] * 2^(Shift-31).
package sensor
