// Package codec converts between sample.Sample and the wire payload carried
// inside a data frame (pkg/frame), per a statically configured Mode. It
// never panics: every decode failure is reported as an UndecodableError,
// and an encoder that would exceed MaxPayloadLen as an InvariantError.
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/chirpchirp/lora-link/pkg/sample"
)

// MaxPayloadLen and MinPayloadLen bound every payload this package may
// produce, matching the frame-layer invariant in spec.md §3.
const (
	MinPayloadLen = 1
	MaxPayloadLen = 56

	rawLen = 32

	scaleAccel = 1000
	scaleGyro  = 10
	scaleAngle = 10
	scaleAlt   = 10
)

// UndecodableError reports a payload that survived framing but could not be
// turned back into a Sample. It is never a panic, per spec.md §4.1/§7.
type UndecodableError struct {
	Reason string
}

func (e *UndecodableError) Error() string { return "codec: undecodable payload: " + e.Reason }

// InvariantError reports an encoder bug: a payload outside [1,56] bytes.
// spec.md §7 classifies this as a bug class, not a recoverable condition.
type InvariantError struct {
	Len int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("codec: encoder produced %d bytes, outside [%d,%d]", e.Len, MinPayloadLen, MaxPayloadLen)
}

// BamRecord is returned by Decode when Mode is Bam: the stub is not
// invertible to a full Sample, so decoding yields this reconstruction
// record instead (spec.md §4.1, §9).
type BamRecord struct {
	Decoded bool
	Code    byte
}

// Encode packs s into a payload under mode. It never returns more than
// MaxPayloadLen bytes; an encoder that would exceed the limit is an
// InvariantError, a configuration bug, not a runtime condition to recover
// from.
func Encode(s sample.Sample, mode Mode) ([]byte, error) {
	switch mode.kind {
	case kindDummy:
		payload := make([]byte, mode.dummySize)
		for i := range payload {
			payload[i] = 0xCC
		}
		return payload, nil
	case kindNone, kindRaw:
		return packRaw(s), nil
	case kindZlib:
		raw := packRaw(s)
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("codec: zlib writer: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("codec: zlib compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: zlib close: %w", err)
		}
		out := buf.Bytes()
		if len(out) > MaxPayloadLen {
			return nil, &InvariantError{Len: len(out)}
		}
		return out, nil
	case kindBam:
		return []byte{byte(uint32(s.TimestampUnix) & 0xFF)}, nil
	default:
		return nil, fmt.Errorf("codec: unknown mode %v", mode)
	}
}

// Decode inverts Encode. For Mode Bam the return value is a *BamRecord, not
// a sample.Sample, since the stub cannot reconstruct a full reading.
func Decode(payload []byte, mode Mode) (any, error) {
	if len(payload) < MinPayloadLen || len(payload) > MaxPayloadLen {
		return nil, &UndecodableError{Reason: fmt.Sprintf("payload length %d outside [%d,%d]", len(payload), MinPayloadLen, MaxPayloadLen)}
	}

	switch mode.kind {
	case kindDummy:
		return payload, nil
	case kindNone, kindRaw:
		if len(payload) != rawLen {
			return nil, &UndecodableError{Reason: fmt.Sprintf("raw payload length %d != %d", len(payload), rawLen)}
		}
		return unpackRaw(payload), nil
	case kindZlib:
		r, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, &UndecodableError{Reason: "zlib: " + err.Error()}
		}
		defer r.Close()
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, &UndecodableError{Reason: "zlib: " + err.Error()}
		}
		if len(raw) != rawLen {
			return nil, &UndecodableError{Reason: fmt.Sprintf("decompressed length %d != %d", len(raw), rawLen)}
		}
		return unpackRaw(raw), nil
	case kindBam:
		if len(payload) != 1 {
			return nil, &UndecodableError{Reason: fmt.Sprintf("bam payload length %d != 1", len(payload))}
		}
		return &BamRecord{Decoded: false, Code: payload[0]}, nil
	default:
		return nil, &UndecodableError{Reason: fmt.Sprintf("unknown mode %v", mode)}
	}
}

func packRaw(s sample.Sample) []byte {
	buf := make([]byte, rawLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int64(s.TimestampUnix)))

	putI16(buf[4:6], s.AccelX, scaleAccel)
	putI16(buf[6:8], s.AccelY, scaleAccel)
	putI16(buf[8:10], s.AccelZ, scaleAccel)

	putI16(buf[10:12], s.GyroX, scaleGyro)
	putI16(buf[12:14], s.GyroY, scaleGyro)
	putI16(buf[14:16], s.GyroZ, scaleGyro)

	putI16(buf[16:18], s.Roll, scaleAngle)
	putI16(buf[18:20], s.Pitch, scaleAngle)
	putI16(buf[20:22], s.Yaw, scaleAngle)

	binary.LittleEndian.PutUint32(buf[22:26], math.Float32bits(float32(s.Lat)))
	binary.LittleEndian.PutUint32(buf[26:30], math.Float32bits(float32(s.Lon)))

	putI16(buf[30:32], s.Alt, scaleAlt)

	return buf
}

func unpackRaw(buf []byte) sample.Sample {
	var s sample.Sample
	s.TimestampUnix = float64(binary.LittleEndian.Uint32(buf[0:4]))

	s.AccelX = getI16(buf[4:6], scaleAccel)
	s.AccelY = getI16(buf[6:8], scaleAccel)
	s.AccelZ = getI16(buf[8:10], scaleAccel)

	s.GyroX = getI16(buf[10:12], scaleGyro)
	s.GyroY = getI16(buf[12:14], scaleGyro)
	s.GyroZ = getI16(buf[14:16], scaleGyro)

	s.Roll = getI16(buf[16:18], scaleAngle)
	s.Pitch = getI16(buf[18:20], scaleAngle)
	s.Yaw = getI16(buf[20:22], scaleAngle)

	s.Lat = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[22:26])))
	s.Lon = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[26:30])))

	s.Alt = getI16(buf[30:32], scaleAlt)

	return s
}

// putI16 truncates v*scale toward zero and clamps to the int16 range before
// writing it little-endian. Clamping keeps Encode total, never panicking on
// an out-of-range sensor reading.
func putI16(dst []byte, v float64, scale float64) {
	scaled := v * scale
	if scaled > math.MaxInt16 {
		scaled = math.MaxInt16
	}
	if scaled < math.MinInt16 {
		scaled = math.MinInt16
	}
	binary.LittleEndian.PutUint16(dst, uint16(int16(scaled)))
}

func getI16(src []byte, scale float64) float64 {
	v := int16(binary.LittleEndian.Uint16(src))
	return float64(v) / scale
}
