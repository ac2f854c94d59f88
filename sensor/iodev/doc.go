// Package iodev provides a streaming sensor device assembled from a HAL
// source and a data format.
//
// A [Device] services one persistent stream submission. For every FIFO
// batch the source delivers, the subscribed triggers are evaluated against
// the batch status:
//
//   - no subscribed trigger fired: the batch is discarded
//   - the winning policy is NOP: nothing is posted
//   - DROP: a header-only buffer is posted, so the consumer still sees the
//     trigger flags
//   - INCLUDE: the full batch is encoded into a pool buffer and posted
//
// When several subscribed triggers fire, INCLUDE wins over DROP and DROP
// wins over NOP. A device with no subscriptions includes every batch.
//
// A failed source read is posted as a failed completion and ends the
// stream, as does a pool that cannot supply a buffer. Cancelling the
// submission ends the stream without a final completion.
package iodev
