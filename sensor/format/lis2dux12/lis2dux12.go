package lis2dux12

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/sensor"
	"github.com/ardnew/softimu/sensor/hal"
)

// Name identifies the format in configuration.
const Name = "lis2dux12"

// Buffer layout:
//
//	[0]     flags
//	[1]     accel full-scale code
//	[2:4]   accel frame count, little-endian
//	[4]     1 when a temperature frame follows the accel frames
//	[5:8]   reserved
//	[8:16]  timestamp of the first frame, ns
//	[16:20] frame period, ns
//	[20:]   accel frames, x/y/z int16 little-endian, then the temperature int16
const (
	HeaderSize = 20
	accelSize  = 6
	tempSize   = 2
)

// Header flags.
const (
	flagWatermark = 1 << 0
	flagFull      = 1 << 1
	flagTap       = 1 << 2
	flagDataReady = 1 << 3
	flagDropped   = 1 << 7
)

// Supported accelerometer full scales in g, indexed by code.
var accelRanges = [...]int{2, 4, 8, 16}

const (
	milliGPerLSB    = 0.061 // at +/-2 g
	tempLSBPerC     = 256
	tempOffsetC     = 25
	standardGravity = 9.80665
)

// Format packs the accelerometer words of a batch, plus its most recent
// temperature word, into a compact buffer. Other tags are discarded.
type Format struct {
	accelCode uint8
}

// New returns a format for the accelerometer range in g.
func New(accelRange int) (*Format, error) {
	for i, r := range accelRanges {
		if r == accelRange {
			return &Format{accelCode: uint8(i)}, nil
		}
	}
	return nil, fmt.Errorf("%w: accel range %d g", pkg.ErrInvalidParameter, accelRange)
}

// Name returns the format name.
func (f *Format) Name() string { return Name }

// Channels returns the channel kinds the format carries.
func (f *Format) Channels() []sensor.ChannelKind {
	return []sensor.ChannelKind{sensor.ChannelAccelXYZ, sensor.ChannelDieTemp}
}

// Decoder returns the stateless decoder for this format.
func (f *Format) Decoder() sensor.Decoder { return Decoder{} }

// EncodedSize returns the buffer size Encode needs for b.
func (f *Format) EncodedSize(b *hal.Batch, include bool) int {
	if !include {
		return HeaderSize
	}
	size := HeaderSize + b.CountTag(hal.TagAccel)*accelSize
	if b.CountTag(hal.TagTemp) > 0 {
		size += tempSize
	}
	return size
}

// Encode writes b into dst.
func (f *Format) Encode(dst []byte, b *hal.Batch, include bool) (int, error) {
	size := f.EncodedSize(b, include)
	if len(dst) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", pkg.ErrBufferTooSmall, size, len(dst))
	}

	clear(dst[:HeaderSize])
	dst[0] = flags(b.Status)
	dst[1] = f.accelCode
	binary.LittleEndian.PutUint64(dst[8:16], b.Timestamp)
	binary.LittleEndian.PutUint32(dst[16:20], b.Period)
	if !include {
		dst[0] |= flagDropped
		return size, nil
	}

	off := HeaderSize
	frames := 0
	var temp *hal.Word
	for i := range b.Slice() {
		w := &b.Words[i]
		switch w.Tag {
		case hal.TagAccel:
			copy(dst[off:off+accelSize], w.Data[:])
			off += accelSize
			frames++
		case hal.TagTemp:
			temp = w
		}
	}
	binary.LittleEndian.PutUint16(dst[2:4], uint16(frames))
	if temp != nil {
		dst[4] = 1
		copy(dst[off:off+tempSize], temp.Data[:tempSize])
	}
	return size, nil
}

func flags(s hal.Status) uint8 {
	var f uint8
	if s.Has(hal.StatusWatermark) {
		f |= flagWatermark
	}
	if s.Has(hal.StatusFull) {
		f |= flagFull
	}
	if s.Has(hal.StatusTap) {
		f |= flagTap
	}
	if s.Has(hal.StatusDataReady) {
		f |= flagDataReady
	}
	return f
}

type header struct {
	accelCode uint8
	frames    int
	temp      bool
	timestamp uint64
	period    uint32
}

func parseHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("%w: %d byte buffer", pkg.ErrMalformed, len(buf))
	}
	h := header{
		accelCode: buf[1],
		frames:    int(binary.LittleEndian.Uint16(buf[2:4])),
		temp:      buf[4] != 0,
		timestamp: binary.LittleEndian.Uint64(buf[8:16]),
		period:    binary.LittleEndian.Uint32(buf[16:20]),
	}
	if int(h.accelCode) >= len(accelRanges) {
		return header{}, fmt.Errorf("%w: full-scale code %d", pkg.ErrMalformed, h.accelCode)
	}
	size := HeaderSize + h.frames*accelSize
	if h.temp {
		size += tempSize
	}
	if size > len(buf) {
		return header{}, fmt.Errorf("%w: %d frames in %d bytes", pkg.ErrMalformed, h.frames, len(buf))
	}
	return h, nil
}

// Decoder decodes packed accelerometer buffers. The zero value is ready
// to use.
type Decoder struct{}

// FrameCount returns the accel frame count, or 0/1 for temperature.
func (Decoder) FrameCount(buf []byte, ch sensor.ChannelSpec) (int, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return 0, err
	}
	if err := supported(ch); err != nil {
		return 0, err
	}
	if ch.Kind == sensor.ChannelDieTemp {
		if h.temp {
			return 1, nil
		}
		return 0, nil
	}
	return h.frames, nil
}

func supported(ch sensor.ChannelSpec) error {
	if ch.Index != 0 || (ch.Kind != sensor.ChannelAccelXYZ && ch.Kind != sensor.ChannelDieTemp) {
		return fmt.Errorf("%w: %v", pkg.ErrNotSupported, ch)
	}
	return nil
}

// Decode converts frames starting at the iterator, whose offset is a frame
// index.
func (Decoder) Decode(buf []byte, ch sensor.ChannelSpec, it *sensor.FrameIterator, maxOut int, out []sensor.Sample) (int, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return 0, err
	}
	if err := supported(ch); err != nil {
		return 0, err
	}

	limit := min(maxOut, len(out))
	start := it.Offset()

	if ch.Kind == sensor.ChannelDieTemp {
		if !h.temp || start > 0 || limit < 1 {
			return 0, nil
		}
		off := HeaderSize + h.frames*accelSize
		raw := int16(binary.LittleEndian.Uint16(buf[off : off+tempSize]))
		const shift = 8 // covers -103..153 C
		out[0] = sensor.Sample{Timestamp: h.timestamp, Shift: shift, Axes: 1}
		out[0].Values[0] = sensor.ToQ31(float64(raw)/tempLSBPerC+tempOffsetC, shift)
		it.Advance(1, 1)
		return 1, nil
	}

	scale := milliGPerLSB * float64(accelRanges[h.accelCode]) / 2 / 1000 * standardGravity
	shift := sensor.ShiftFor(32768 * scale)
	n := 0
	for i := start; i < h.frames && n < limit; i++ {
		off := HeaderSize + i*accelSize
		s := sensor.Sample{
			Timestamp: h.timestamp + uint64(i)*uint64(h.period),
			Shift:     shift,
			Axes:      3,
		}
		for a := 0; a < 3; a++ {
			raw := int16(binary.LittleEndian.Uint16(buf[off+2*a : off+2*a+2]))
			s.Values[a] = sensor.ToQ31(float64(raw)*scale, shift)
		}
		out[n] = s
		n++
	}
	it.Advance(n, start+n)
	return n, nil
}

// HasTrigger reports the trigger flags latched in the header.
func (Decoder) HasTrigger(buf []byte, trigger sensor.TriggerKind) bool {
	if len(buf) < HeaderSize {
		return false
	}
	switch trigger {
	case sensor.TriggerTap:
		return buf[0]&flagTap != 0
	case sensor.TriggerFIFOWatermark:
		return buf[0]&flagWatermark != 0
	case sensor.TriggerFIFOFull:
		return buf[0]&flagFull != 0
	case sensor.TriggerDataReady:
		return buf[0]&flagDataReady != 0
	}
	return false
}

var _ sensor.Decoder = Decoder{}
