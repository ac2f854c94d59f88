package sensor

import (
	"math"
)

// Q31 is a signed fixed-point fraction in [-1, 1). Paired with a shift it
// represents value * 2^shift.
type Q31 int32

// Float returns the real value of v scaled by 2^shift.
func (v Q31) Float(shift int8) float64 {
	return float64(v) * math.Ldexp(1, int(shift)-31)
}

// ToQ31 converts x to a Q31 fraction of 2^shift, saturating at the range
// limits.
func ToQ31(x float64, shift int8) Q31 {
	f := math.Round(math.Ldexp(x, 31-int(shift)))
	switch {
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return Q31(f)
}

// ShiftFor returns the smallest shift whose Q31 range covers +/-limit.
func ShiftFor(limit float64) int8 {
	if limit <= 0 {
		return 0
	}
	_, exp := math.Frexp(limit)
	return int8(exp)
}

// Sample is one decoded frame: a three-axis vector or a scalar in Values[0],
// with a nanosecond timestamp. All values share one shift.
type Sample struct {
	Timestamp uint64 // Nanoseconds
	Shift     int8
	Axes      uint8 // 3 for vectors, 1 for scalars
	Values    [3]Q31
}

// Float returns axis i as a real value.
func (s Sample) Float(i int) float64 {
	return s.Values[i].Float(s.Shift)
}

// Vector returns all three axes as real values.
func (s Sample) Vector() [3]float64 {
	return [3]float64{s.Float(0), s.Float(1), s.Float(2)}
}

// Scalar returns the first value as a real value.
func (s Sample) Scalar() float64 {
	return s.Float(0)
}

// FrameIterator is the per-channel cursor of one decode pass. Decoders keep
// their own position in Offset; Consumed counts frames decoded so far.
// The zero value starts at the beginning of the buffer.
type FrameIterator struct {
	consumed int
	offset   int
}

// Consumed returns the number of frames decoded through this iterator.
func (it *FrameIterator) Consumed() int {
	return it.consumed
}

// Offset returns the decoder-private position stored by the last Advance.
func (it *FrameIterator) Offset() int {
	return it.offset
}

// Advance records that frames more frames were decoded and that decoding
// resumes at offset.
func (it *FrameIterator) Advance(frames, offset int) {
	it.consumed += frames
	it.offset = offset
}

// Reset rewinds the iterator for a new buffer.
func (it *FrameIterator) Reset() {
	*it = FrameIterator{}
}
