package hal

import (
	"context"
	"encoding/binary"
)

// Source is the hardware side of an IMU FIFO. A source is initialized and
// started once, then drained one batch per FIFO interrupt.
type Source interface {
	// Init prepares the source (opens ports, creates pipes).
	Init(ctx context.Context) error

	// Start enables FIFO batching.
	Start() error

	// Stop disables the source and releases its resources.
	Stop() error

	// ReadBatch blocks until the next FIFO interrupt and fills out with the
	// drained words and interrupt status.
	ReadBatch(ctx context.Context, out *Batch) error
}

// Tag identifies the sensor that produced a FIFO word.
type Tag uint8

// FIFO word tags.
const (
	TagEmpty     Tag = 0x00
	TagGyro      Tag = 0x01
	TagAccel     Tag = 0x02
	TagTemp      Tag = 0x03
	TagTimestamp Tag = 0x04
	TagExternal  Tag = 0x0E // Sensor-hub slave (magnetometer)
)

// String returns a short tag name.
func (t Tag) String() string {
	switch t {
	case TagGyro:
		return "gyro"
	case TagAccel:
		return "accel"
	case TagTemp:
		return "temp"
	case TagTimestamp:
		return "timestamp"
	case TagExternal:
		return "external"
	case TagEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// WordSize is the encoded size of a FIFO word: tag byte plus six data bytes.
const WordSize = 7

// Word is one FIFO entry. Data holds three little-endian int16 values for
// vector tags, or one int16 in the first two bytes for temperature.
type Word struct {
	Tag  Tag
	Data [6]byte
}

// Vector returns the three int16 values of w.
func (w Word) Vector() [3]int16 {
	return [3]int16{
		int16(binary.LittleEndian.Uint16(w.Data[0:2])),
		int16(binary.LittleEndian.Uint16(w.Data[2:4])),
		int16(binary.LittleEndian.Uint16(w.Data[4:6])),
	}
}

// VectorWord builds a word from three int16 values.
func VectorWord(tag Tag, x, y, z int16) Word {
	w := Word{Tag: tag}
	binary.LittleEndian.PutUint16(w.Data[0:2], uint16(x))
	binary.LittleEndian.PutUint16(w.Data[2:4], uint16(y))
	binary.LittleEndian.PutUint16(w.Data[4:6], uint16(z))
	return w
}

// ScalarWord builds a word carrying one int16 value.
func ScalarWord(tag Tag, v int16) Word {
	w := Word{Tag: tag}
	binary.LittleEndian.PutUint16(w.Data[0:2], uint16(v))
	return w
}

// Status is the FIFO interrupt status latched with a batch.
type Status uint8

// Status flags.
const (
	StatusWatermark Status = 1 << iota // FIFO level reached the watermark
	StatusFull                         // FIFO filled completely
	StatusTap                          // Single tap detected
	StatusDataReady                    // New sample available
	StatusOverrun                      // Words were lost before the drain
)

// Has reports whether all flags in f are set.
func (s Status) Has(f Status) bool {
	return s&f == f
}

// MaxWords is the FIFO depth in words.
const MaxWords = 256

// Batch is the contents of one FIFO drain. The word array is fixed-size so
// a Batch can be reused without allocation.
type Batch struct {
	Timestamp uint64 // Nanoseconds, time of the first frame
	Period    uint32 // Nanoseconds between frames of one sensor
	Status    Status
	Count     int
	Words     [MaxWords]Word
}

// Reset clears the batch for reuse.
func (b *Batch) Reset() {
	b.Timestamp = 0
	b.Period = 0
	b.Status = 0
	b.Count = 0
}

// Append adds w to the batch. It reports false and sets StatusOverrun when
// the batch is full.
func (b *Batch) Append(w Word) bool {
	if b.Count >= MaxWords {
		b.Status |= StatusOverrun
		return false
	}
	b.Words[b.Count] = w
	b.Count++
	return true
}

// Slice returns the valid words.
func (b *Batch) Slice() []Word {
	return b.Words[:b.Count]
}

// CountTag returns the number of words carrying tag.
func (b *Batch) CountTag(tag Tag) int {
	n := 0
	for i := 0; i < b.Count; i++ {
		if b.Words[i].Tag == tag {
			n++
		}
	}
	return n
}
