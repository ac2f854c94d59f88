package hal

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softimu/pkg"
)

// Batches cross process and serial boundaries in sync-delimited frames:
//
//	[0x5A 0xA5][len u16][crc u16][payload...]
//
// The CRC-16 (poly 0x1021, init 0) covers the first four header bytes and
// the payload. The payload is:
//
//	[status u8][period u32][timestamp u64][words: count x (tag u8, data 6)]
const (
	Sync1      = 0x5A
	Sync2      = 0xA5
	HeaderSize = 6
	bodyHeader = 13

	// MaxFrameSize is the encoded size of a batch holding MaxWords words.
	MaxFrameSize = HeaderSize + bodyHeader + MaxWords*WordSize
)

// FrameSize returns the encoded size of a batch with n words.
func FrameSize(n int) int {
	return HeaderSize + bodyHeader + n*WordSize
}

// MarshalBatch encodes b into dst and returns the frame length.
func MarshalBatch(dst []byte, b *Batch) (int, error) {
	size := FrameSize(b.Count)
	if len(dst) < size {
		return 0, fmt.Errorf("%w: frame needs %d bytes, have %d",
			pkg.ErrBufferTooSmall, size, len(dst))
	}

	dst[0] = Sync1
	dst[1] = Sync2
	binary.LittleEndian.PutUint16(dst[2:4], uint16(size-HeaderSize))

	p := dst[HeaderSize:size]
	p[0] = byte(b.Status)
	binary.LittleEndian.PutUint32(p[1:5], b.Period)
	binary.LittleEndian.PutUint64(p[5:13], b.Timestamp)
	off := bodyHeader
	for i := 0; i < b.Count; i++ {
		p[off] = byte(b.Words[i].Tag)
		copy(p[off+1:off+WordSize], b.Words[i].Data[:])
		off += WordSize
	}

	var crc uint16
	crc16Update(&crc, dst[:4])
	crc16Update(&crc, p)
	binary.LittleEndian.PutUint16(dst[4:6], crc)
	return size, nil
}

// UnmarshalBatch decodes one complete frame into out.
func UnmarshalBatch(frame []byte, out *Batch) error {
	if len(frame) < HeaderSize+bodyHeader {
		return fmt.Errorf("%w: frame of %d bytes", pkg.ErrMalformed, len(frame))
	}
	if frame[0] != Sync1 || frame[1] != Sync2 {
		return fmt.Errorf("%w: bad sync 0x%02X%02X", pkg.ErrMalformed, frame[0], frame[1])
	}
	n := int(binary.LittleEndian.Uint16(frame[2:4]))
	if n < bodyHeader || HeaderSize+n > len(frame) || (n-bodyHeader)%WordSize != 0 {
		return fmt.Errorf("%w: payload length %d", pkg.ErrMalformed, n)
	}
	count := (n - bodyHeader) / WordSize
	if count > MaxWords {
		return fmt.Errorf("%w: %d words exceeds FIFO depth", pkg.ErrMalformed, count)
	}

	p := frame[HeaderSize : HeaderSize+n]
	var crc uint16
	crc16Update(&crc, frame[:4])
	crc16Update(&crc, p)
	if want := binary.LittleEndian.Uint16(frame[4:6]); crc != want {
		return fmt.Errorf("%w: frame 0x%04X, computed 0x%04X", pkg.ErrChecksum, want, crc)
	}

	out.Status = Status(p[0])
	out.Period = binary.LittleEndian.Uint32(p[1:5])
	out.Timestamp = binary.LittleEndian.Uint64(p[5:13])
	out.Count = count
	off := bodyHeader
	for i := 0; i < count; i++ {
		out.Words[i].Tag = Tag(p[off])
		copy(out.Words[i].Data[:], p[off+1:off+WordSize])
		off += WordSize
	}
	return nil
}

// Framer reassembles frames from a byte stream, resynchronizing on the sync
// bytes after noise or a corrupt frame. The zero value is ready to use.
type Framer struct {
	n   int
	len int
	buf [MaxFrameSize]byte
}

// Push feeds one byte. It reports true when b completed a frame, which is
// then decoded into out. A completed frame that fails validation returns
// the decode error and is discarded.
func (f *Framer) Push(b byte, out *Batch) (bool, error) {
	if f.n < 2 {
		f.buf[0] = f.buf[1]
		f.buf[1] = b
		if f.buf[0] == Sync1 && f.buf[1] == Sync2 {
			f.n = 2
		}
		return false, nil
	}

	f.buf[f.n] = b
	f.n++

	if f.n == 4 {
		f.len = int(binary.LittleEndian.Uint16(f.buf[2:4]))
		if f.len > MaxFrameSize-HeaderSize {
			f.Reset()
			return false, fmt.Errorf("%w: payload length %d", pkg.ErrMalformed, f.len)
		}
	}
	if f.n < HeaderSize || f.n < HeaderSize+f.len {
		return false, nil
	}

	err := UnmarshalBatch(f.buf[:f.n], out)
	f.Reset()
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reset discards any partial frame.
func (f *Framer) Reset() {
	f.n = 0
	f.len = 0
	f.buf[0], f.buf[1] = 0, 0
}

func crc16Update(crc *uint16, src []byte) {
	c := *crc
	for _, b := range src {
		c ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if c&0x8000 != 0 {
				c = c<<1 ^ 0x1021
			} else {
				c <<= 1
			}
		}
	}
	*crc = c
}
