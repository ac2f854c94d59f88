package lsm6dsv16x

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/sensor"
	"github.com/ardnew/softimu/sensor/hal"
)

// Name identifies the format in configuration.
const Name = "lsm6dsv16x"

// Buffer layout:
//
//	[0]     flags
//	[1]     accel full-scale code
//	[2]     gyro full-scale code
//	[3]     reserved
//	[4:6]   word count, little-endian
//	[6:8]   reserved
//	[8:16]  timestamp of the first frame, ns
//	[16:20] frame period, ns
//	[20:]   words: tag byte (tag<<3) followed by six data bytes
const (
	HeaderSize = 20
	wordSize   = hal.WordSize
)

// Header flags.
const (
	flagWatermark = 1 << 0
	flagFull      = 1 << 1
	flagTap       = 1 << 2
	flagDataReady = 1 << 3
	flagOverrun   = 1 << 4
	flagDropped   = 1 << 7 // Header only; the FIFO was flushed
)

// Supported full scales in g and dps, indexed by code.
var (
	accelRanges = [...]int{2, 4, 8, 16}
	gyroRanges  = [...]int{125, 250, 500, 1000, 2000, 4000}
)

// Fixed sensitivities.
const (
	accelMilliGPerLSB    = 0.061 // at +/-2 g
	gyroMilliDPSPerLSB   = 4.375 // at +/-125 dps
	magnMilliGaussPerLSB = 1.5   // sensor-hub magnetometer
	tempLSBPerC          = 256
	tempOffsetC          = 25
	standardGravity      = 9.80665
)

// Config holds the full-scale settings recorded in each buffer.
type Config struct {
	AccelRange int // g: 2, 4, 8 or 16
	GyroRange  int // dps: 125, 250, 500, 1000, 2000 or 4000
}

// DefaultConfig returns +/-2 g and +/-125 dps.
func DefaultConfig() Config {
	return Config{AccelRange: 2, GyroRange: 125}
}

// Format encodes HAL batches into tagged FIFO buffers and decodes them.
type Format struct {
	accelCode uint8
	gyroCode  uint8
}

// New validates cfg and returns a format.
func New(cfg Config) (*Format, error) {
	a, ok := rangeCode(accelRanges[:], cfg.AccelRange)
	if !ok {
		return nil, fmt.Errorf("%w: accel range %d g", pkg.ErrInvalidParameter, cfg.AccelRange)
	}
	g, ok := rangeCode(gyroRanges[:], cfg.GyroRange)
	if !ok {
		return nil, fmt.Errorf("%w: gyro range %d dps", pkg.ErrInvalidParameter, cfg.GyroRange)
	}
	return &Format{accelCode: a, gyroCode: g}, nil
}

func rangeCode(ranges []int, v int) (uint8, bool) {
	for i, r := range ranges {
		if r == v {
			return uint8(i), true
		}
	}
	return 0, false
}

// Name returns the format name.
func (f *Format) Name() string {
	return Name
}

// Channels returns the channel kinds the format carries.
func (f *Format) Channels() []sensor.ChannelKind {
	return []sensor.ChannelKind{
		sensor.ChannelAccelXYZ,
		sensor.ChannelGyroXYZ,
		sensor.ChannelDieTemp,
		sensor.ChannelMagnXYZ,
	}
}

// Decoder returns the stateless decoder for this format.
func (f *Format) Decoder() sensor.Decoder {
	return Decoder{}
}

// EncodedSize returns the buffer size Encode needs for b.
func (f *Format) EncodedSize(b *hal.Batch, include bool) int {
	if !include {
		return HeaderSize
	}
	return HeaderSize + b.Count*wordSize
}

// Encode writes b into dst. Without include only the header is written,
// marked as dropped.
func (f *Format) Encode(dst []byte, b *hal.Batch, include bool) (int, error) {
	size := f.EncodedSize(b, include)
	if len(dst) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", pkg.ErrBufferTooSmall, size, len(dst))
	}

	flags := statusFlags(b.Status)
	count := b.Count
	if !include {
		flags |= flagDropped
		count = 0
	}

	clear(dst[:HeaderSize])
	dst[0] = flags
	dst[1] = f.accelCode
	dst[2] = f.gyroCode
	binary.LittleEndian.PutUint16(dst[4:6], uint16(count))
	binary.LittleEndian.PutUint64(dst[8:16], b.Timestamp)
	binary.LittleEndian.PutUint32(dst[16:20], b.Period)

	off := HeaderSize
	for i := 0; i < count; i++ {
		dst[off] = byte(b.Words[i].Tag) << 3
		copy(dst[off+1:off+wordSize], b.Words[i].Data[:])
		off += wordSize
	}
	return size, nil
}

func statusFlags(s hal.Status) uint8 {
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
	if s.Has(hal.StatusOverrun) {
		f |= flagOverrun
	}
	return f
}

// header is the parsed buffer header.
type header struct {
	flags     uint8
	accelCode uint8
	gyroCode  uint8
	count     int
	timestamp uint64
	period    uint32
}

func parseHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("%w: %d byte buffer", pkg.ErrMalformed, len(buf))
	}
	h := header{
		flags:     buf[0],
		accelCode: buf[1],
		gyroCode:  buf[2],
		count:     int(binary.LittleEndian.Uint16(buf[4:6])),
		timestamp: binary.LittleEndian.Uint64(buf[8:16]),
		period:    binary.LittleEndian.Uint32(buf[16:20]),
	}
	if int(h.accelCode) >= len(accelRanges) || int(h.gyroCode) >= len(gyroRanges) {
		return header{}, fmt.Errorf("%w: full-scale codes %d/%d", pkg.ErrMalformed, h.accelCode, h.gyroCode)
	}
	if HeaderSize+h.count*wordSize > len(buf) {
		return header{}, fmt.Errorf("%w: %d words in %d bytes", pkg.ErrMalformed, h.count, len(buf))
	}
	return h, nil
}

// Decoder decodes tagged FIFO buffers. The zero value is ready to use.
type Decoder struct{}

// channel maps ch to its FIFO tag and sample conversion.
func (Decoder) channel(h header, ch sensor.ChannelSpec) (hal.Tag, converter, error) {
	if ch.Index != 0 {
		return 0, converter{}, fmt.Errorf("%w: %v", pkg.ErrNotSupported, ch)
	}
	switch ch.Kind {
	case sensor.ChannelAccelXYZ:
		g := float64(accelRanges[h.accelCode]) / 2
		return hal.TagAccel, newConverter(accelMilliGPerLSB*g/1000*standardGravity, 0, 3), nil
	case sensor.ChannelGyroXYZ:
		g := float64(gyroRanges[h.gyroCode]) / 125
		return hal.TagGyro, newConverter(gyroMilliDPSPerLSB*g/1000*math.Pi/180, 0, 3), nil
	case sensor.ChannelDieTemp:
		return hal.TagTemp, newConverter(1.0/tempLSBPerC, tempOffsetC, 1), nil
	case sensor.ChannelMagnXYZ:
		return hal.TagExternal, newConverter(magnMilliGaussPerLSB/1000, 0, 3), nil
	}
	return 0, converter{}, fmt.Errorf("%w: %v", pkg.ErrNotSupported, ch)
}

// FrameCount returns the number of words tagged for ch.
func (d Decoder) FrameCount(buf []byte, ch sensor.ChannelSpec) (int, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return 0, err
	}
	tag, _, err := d.channel(h, ch)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := 0; i < h.count; i++ {
		if hal.Tag(buf[HeaderSize+i*wordSize]>>3) == tag {
			n++
		}
	}
	return n, nil
}

// Decode converts the next words tagged for ch. The iterator offset is the
// index of the first word not yet examined.
//
// Each word is stamped with its frame slot: a slot holds at most one word
// per tag, so a tag that repeats starts the next slot.
func (d Decoder) Decode(buf []byte, ch sensor.ChannelSpec, it *sensor.FrameIterator, maxOut int, out []sensor.Sample) (int, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return 0, err
	}
	tag, conv, err := d.channel(h, ch)
	if err != nil {
		return 0, err
	}

	limit := min(maxOut, len(out))
	start := it.Offset()
	next := start
	n := 0
	slot := uint64(0)
	var seen uint32
	for i := 0; i < h.count && n < limit; i++ {
		w := buf[HeaderSize+i*wordSize : HeaderSize+(i+1)*wordSize]
		t := hal.Tag(w[0] >> 3)
		if seen&(1<<t) != 0 {
			slot++
			seen = 0
		}
		seen |= 1 << t
		if i < start || t != tag {
			continue
		}
		out[n] = conv.sample(w[1:], h.timestamp+slot*uint64(h.period))
		n++
		next = i + 1
	}
	it.Advance(n, next)
	return n, nil
}

// HasTrigger reports the trigger flags latched in the header.
func (Decoder) HasTrigger(buf []byte, trigger sensor.TriggerKind) bool {
	if len(buf) < HeaderSize {
		return false
	}
	flags := buf[0]
	switch trigger {
	case sensor.TriggerTap:
		return flags&flagTap != 0
	case sensor.TriggerFIFOWatermark:
		return flags&flagWatermark != 0
	case sensor.TriggerFIFOFull:
		return flags&flagFull != 0
	case sensor.TriggerDataReady:
		return flags&flagDataReady != 0
	}
	return false
}

// converter turns raw int16 words into Q31 samples.
type converter struct {
	scale  float64 // Real units per LSB
	offset float64
	shift  int8
	axes   uint8
}

func newConverter(scale, offset float64, axes uint8) converter {
	limit := math.Abs(offset) + 32768*scale
	return converter{scale: scale, offset: offset, shift: sensor.ShiftFor(limit), axes: axes}
}

func (c converter) sample(data []byte, ts uint64) sensor.Sample {
	s := sensor.Sample{Timestamp: ts, Shift: c.shift, Axes: c.axes}
	for i := 0; i < int(c.axes); i++ {
		raw := int16(binary.LittleEndian.Uint16(data[2*i : 2*i+2]))
		s.Values[i] = sensor.ToQ31(float64(raw)*c.scale+c.offset, c.shift)
	}
	return s
}

var _ sensor.Decoder = Decoder{}
