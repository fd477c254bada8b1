package media

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/zaf/g711"
)

const (
	// SampleRate is the PCM rate used throughout the pipeline.
	SampleRate = 8000

	// FrameDuration is the packetization interval.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples in one frame.
	FrameSamples = 160

	// PayloadPCMU is the static RTP payload type for G.711 u-law.
	PayloadPCMU = 0

	// PayloadPCMA is the static RTP payload type for G.711 a-law.
	PayloadPCMA = 8
)

// Frame is one packetization interval of 8kHz, 16-bit mono PCM.
type Frame []int16

// Silence returns a zeroed frame.
func Silence() Frame {
	return make(Frame, FrameSamples)
}

// Mix sums frames sample by sample, saturating at the int16 range. Missing
// samples in shorter frames count as silence.
func Mix(frames ...Frame) Frame {
	out := make(Frame, FrameSamples)
	acc := make([]int32, FrameSamples)
	for _, f := range frames {
		for i := 0; i < len(f) && i < FrameSamples; i++ {
			acc[i] += int32(f[i])
		}
	}
	for i, v := range acc {
		out[i] = clamp16(v)
	}
	return out
}

func clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Decode converts a G.711 payload to a PCM frame.
func Decode(payloadType uint8, payload []byte) (Frame, bool) {
	f := make(Frame, len(payload))
	switch payloadType {
	case PayloadPCMU:
		for i, b := range payload {
			f[i] = g711.DecodeUlawFrame(b)
		}
	case PayloadPCMA:
		for i, b := range payload {
			f[i] = g711.DecodeAlawFrame(b)
		}
	default:
		return nil, false
	}
	return f, true
}

// EncodeUlaw converts a PCM frame to a G.711 u-law payload.
func EncodeUlaw(f Frame) []byte {
	return g711.EncodeUlaw(f.Bytes())
}

// Bytes returns the frame as little-endian 16-bit PCM.
func (f Frame) Bytes() []byte {
	b := make([]byte, len(f)*2)
	for i, s := range f {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// Ints widens the frame for go-audio buffers.
func (f Frame) Ints() []int {
	out := make([]int, len(f))
	for i, s := range f {
		out[i] = int(s)
	}
	return out
}

// Duration returns the play time of n samples at SampleRate.
func Duration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / SampleRate
}
