// Package serial implements a hal.Source over a UART.
//
// A bridge microcontroller wired to the sensor drains its FIFO on each
// interrupt and forwards the batch as a sync-delimited, CRC-checked frame.
// The source reads with a bounded timeout so that context cancellation is
// observed between reads.
package serial
