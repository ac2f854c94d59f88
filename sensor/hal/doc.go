// Package hal is the hardware abstraction for an IMU FIFO.
//
// A [Source] delivers one [Batch] per FIFO interrupt: the tagged words
// drained from the FIFO and the interrupt [Status] (watermark, full, tap).
// Implementations live in sub-packages:
//
//   - sim: deterministic simulated sensor
//   - fifo: batches written to a Unix named pipe by another process
//   - serial: batches sent over a UART by a bridge microcontroller
//
// Out-of-process sources share one framing, produced by [MarshalBatch] and
// reassembled from a byte stream by [Framer].
package hal
