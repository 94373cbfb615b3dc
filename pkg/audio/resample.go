package audio

import (
	"encoding/binary"
	"math"
)

// Resampler performs streaming linear-interpolation resampling of mono int16
// PCM. Position is tracked exactly in integer units, and the last input sample
// of each chunk is carried into the next call, so feeding a signal in several
// chunks yields the same output samples as feeding it at once.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	src, dst int

	// pos is the position of the next output sample relative to the start of
	// the next input chunk, in units of 1/dst input samples. It lies in
	// [-dst, 0) when the next output sits between prev and the first sample
	// of the upcoming chunk.
	pos     int64
	prev    int16
	hasPrev bool
}

// NewResampler returns a resampler converting srcRate to dstRate. Rates that
// are not positive make it a pass-through.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: srcRate, dst: dstRate}
}

// SourceRate returns the input sample rate.
func (r *Resampler) SourceRate() int { return r.src }

// TargetRate returns the output sample rate.
func (r *Resampler) TargetRate() int { return r.dst }

// Reset clears the carried state. Call it only at utterance boundaries.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = 0
	r.hasPrev = false
}

// Process resamples one chunk of mono PCM and returns the output produced so
// far. Up to one output sample may be held back until the next chunk supplies
// its right-hand neighbour.
func (r *Resampler) Process(pcm []byte) []byte {
	if r.src <= 0 || r.dst <= 0 || r.src == r.dst {
		out := make([]byte, len(pcm)&^1)
		copy(out, pcm)
		return out
	}

	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	src, dst := int64(r.src), int64(r.dst)

	// Output count estimate; the loop below is authoritative.
	est := int((int64(n)*dst)/src) + 2
	out := make([]byte, 0, est*2)

	sample := func(i int64) int16 {
		if i < 0 {
			return r.prev
		}
		return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	for {
		idx := floorDiv(r.pos, dst)
		if idx+1 >= int64(n) {
			break
		}
		if idx < 0 && !r.hasPrev {
			// Nothing to the left of the very first sample; snap forward.
			r.pos = 0
			continue
		}
		frac := r.pos - idx*dst
		s0 := int64(sample(idx))
		s1 := int64(sample(idx + 1))
		v := s0 + (s1-s0)*frac/dst
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(v)))
		r.pos += src
	}

	r.pos -= int64(n) * dst
	r.prev = sample(int64(n - 1))
	r.hasPrev = true
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Downmix averages interleaved multi-channel PCM into mono. Mono input is
// returned unchanged; a trailing partial frame is ignored.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	if channels == 2 {
		return StereoToMono(pcm)
	}
	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		base := i * frameBytes
		for c := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[base+c*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// StreamConverter turns captured frames of any format into mono PCM at a fixed
// target rate, keeping resampler state across frames. Create one per
// utterance stream and call Reset between utterances.
type StreamConverter struct {
	target    int
	resampler *Resampler
}

// NewStreamConverter returns a converter producing mono PCM at targetRate.
func NewStreamConverter(targetRate int) *StreamConverter {
	return &StreamConverter{target: targetRate}
}

// Convert downmixes and resamples f, returning mono PCM at the target rate.
// A change of source rate mid-stream restarts the resampler.
func (c *StreamConverter) Convert(f Frame) []byte {
	mono := Downmix(f.Data, f.Channels)
	if c.resampler == nil || c.resampler.SourceRate() != f.SampleRate {
		c.resampler = NewResampler(f.SampleRate, c.target)
	}
	return c.resampler.Process(mono)
}

// Reset clears resampler history.
func (c *StreamConverter) Reset() {
	if c.resampler != nil {
		c.resampler.Reset()
	}
}

// PCMToFloat32 converts int16 PCM to float32 samples in [-1, 1].
func PCMToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// Float32ToPCM converts float32 samples to int16 PCM, clamping to [-1, 1].
func Float32ToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		v = max(-32768, min(32767, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
