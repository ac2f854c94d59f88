package hal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ardnew/softimu/pkg"
)

func TestWord(t *testing.T) {
	w := VectorWord(TagAccel, -1, 16393, -32768)
	assert.Equal(t, TagAccel, w.Tag)
	assert.Equal(t, [3]int16{-1, 16393, -32768}, w.Vector())

	s := ScalarWord(TagTemp, -256)
	assert.Equal(t, int16(-256), s.Vector()[0])
	assert.Equal(t, int16(0), s.Vector()[1])
}

func TestTag_String(t *testing.T) {
	tests := []struct {
		tag  Tag
		want string
	}{
		{TagGyro, "gyro"},
		{TagAccel, "accel"},
		{TagTemp, "temp"},
		{TagTimestamp, "timestamp"},
		{TagExternal, "external"},
		{TagEmpty, "empty"},
		{Tag(0x1F), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.tag.String(); got != tt.want {
			t.Errorf("Tag(0x%02X).String() = %q, want %q", uint8(tt.tag), got, tt.want)
		}
	}
}

func TestBatch_Append(t *testing.T) {
	var b Batch
	for i := 0; i < MaxWords; i++ {
		require.True(t, b.Append(ScalarWord(TagTemp, int16(i))))
	}
	assert.False(t, b.Append(ScalarWord(TagTemp, 0)))
	assert.True(t, b.Status.Has(StatusOverrun))
	assert.Len(t, b.Slice(), MaxWords)
	assert.Equal(t, MaxWords, b.CountTag(TagTemp))
	assert.Equal(t, 0, b.CountTag(TagAccel))

	b.Reset()
	assert.Equal(t, 0, b.Count)
	assert.Equal(t, Status(0), b.Status)
}

func TestStatus_Has(t *testing.T) {
	s := StatusWatermark | StatusTap
	assert.True(t, s.Has(StatusTap))
	assert.True(t, s.Has(StatusWatermark|StatusTap))
	assert.False(t, s.Has(StatusFull))
	assert.False(t, s.Has(StatusFull|StatusTap))
}

func TestCRC16(t *testing.T) {
	var crc uint16
	crc16Update(&crc, []byte("123456789"))
	assert.Equal(t, uint16(0x31C3), crc)
}

func sampleBatch() *Batch {
	b := &Batch{Timestamp: 1_000_000, Period: 8_333_333, Status: StatusWatermark | StatusTap}
	b.Append(ScalarWord(TagTimestamp, 0))
	b.Append(VectorWord(TagAccel, 1, 2, 3))
	b.Append(VectorWord(TagGyro, -4, -5, -6))
	b.Append(ScalarWord(TagTemp, 1024))
	return b
}

func TestMarshalBatch(t *testing.T) {
	in := sampleBatch()
	var buf [MaxFrameSize]byte

	n, err := MarshalBatch(buf[:], in)
	require.NoError(t, err)
	assert.Equal(t, FrameSize(4), n)
	assert.Equal(t, byte(Sync1), buf[0])
	assert.Equal(t, byte(Sync2), buf[1])

	var out Batch
	require.NoError(t, UnmarshalBatch(buf[:n], &out))
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, in.Period, out.Period)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Slice(), out.Slice())
}

func TestMarshalBatch_ShortBuffer(t *testing.T) {
	var buf [10]byte
	_, err := MarshalBatch(buf[:], sampleBatch())
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)
}

func TestUnmarshalBatch_Errors(t *testing.T) {
	var good [MaxFrameSize]byte
	n, err := MarshalBatch(good[:], sampleBatch())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"short", func(f []byte) []byte { return f[:8] }, pkg.ErrMalformed},
		{"bad sync", func(f []byte) []byte { f[1] = 0x00; return f }, pkg.ErrMalformed},
		{"truncated payload", func(f []byte) []byte { return f[:len(f)-1] }, pkg.ErrMalformed},
		{"partial word", func(f []byte) []byte { f[2]--; return f }, pkg.ErrMalformed},
		{"payload corrupted", func(f []byte) []byte { f[HeaderSize+bodyHeader+2] ^= 0xFF; return f }, pkg.ErrChecksum},
		{"crc corrupted", func(f []byte) []byte { f[4] ^= 0x01; return f }, pkg.ErrChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := append([]byte(nil), good[:n]...)
			var out Batch
			err := UnmarshalBatch(tt.mutate(frame), &out)
			if !errors.Is(err, tt.want) {
				t.Errorf("UnmarshalBatch() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFramer_Resync(t *testing.T) {
	var frame [MaxFrameSize]byte
	n, err := MarshalBatch(frame[:], sampleBatch())
	require.NoError(t, err)

	// Noise, a lone sync byte, a corrupt frame, then a good one.
	stream := []byte{0x00, 0x13, Sync1, 0x42, Sync2}
	bad := append([]byte(nil), frame[:n]...)
	bad[n-1] ^= 0xFF
	stream = append(stream, bad...)
	stream = append(stream, frame[:n]...)

	var f Framer
	var out Batch
	var got, checksum int
	for _, b := range stream {
		ok, err := f.Push(b, &out)
		if errors.Is(err, pkg.ErrChecksum) {
			checksum++
		} else if err != nil {
			t.Fatalf("Push() unexpected error %v", err)
		}
		if ok {
			got++
		}
	}
	assert.Equal(t, 1, checksum)
	assert.Equal(t, 1, got)
	assert.Equal(t, sampleBatch().Slice(), out.Slice())
}

func TestFramer_OversizedLength(t *testing.T) {
	var f Framer
	var out Batch
	for _, b := range []byte{Sync1, Sync2, 0xFF} {
		_, err := f.Push(b, &out)
		require.NoError(t, err)
	}
	_, err := f.Push(0xFF, &out)
	assert.ErrorIs(t, err, pkg.ErrMalformed)
}

func TestFramer_PropertyRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		in := &Batch{
			Timestamp: rapid.Uint64().Draw(rt, "timestamp"),
			Period:    rapid.Uint32().Draw(rt, "period"),
			Status:    Status(rapid.Uint8Range(0, 0x1F).Draw(rt, "status")),
		}
		tags := []Tag{TagGyro, TagAccel, TagTemp, TagTimestamp, TagExternal}
		count := rapid.IntRange(0, MaxWords).Draw(rt, "count")
		for i := 0; i < count; i++ {
			tag := rapid.SampledFrom(tags).Draw(rt, "tag")
			in.Append(VectorWord(tag,
				rapid.Int16().Draw(rt, "x"),
				rapid.Int16().Draw(rt, "y"),
				rapid.Int16().Draw(rt, "z")))
		}

		var frame [MaxFrameSize]byte
		n, err := MarshalBatch(frame[:], in)
		if err != nil {
			rt.Fatalf("MarshalBatch: %v", err)
		}

		// Leading noise that contains no sync pair.
		noise := rapid.SliceOfN(rapid.Byte().Filter(func(b byte) bool { return b != Sync1 }), 0, 32).Draw(rt, "noise")

		var f Framer
		var out Batch
		done := 0
		for _, b := range append(noise, frame[:n]...) {
			ok, err := f.Push(b, &out)
			if err != nil {
				rt.Fatalf("Push: %v", err)
			}
			if ok {
				done++
			}
		}
		if done != 1 {
			rt.Fatalf("decoded %d frames, want 1", done)
		}
		if out.Count != in.Count || out.Status != in.Status || out.Timestamp != in.Timestamp || out.Period != in.Period {
			rt.Fatalf("header mismatch: got %+v", out.Slice())
		}
		for i := 0; i < in.Count; i++ {
			if out.Words[i] != in.Words[i] {
				rt.Fatalf("word %d = %+v, want %+v", i, out.Words[i], in.Words[i])
			}
		}
	})
}
