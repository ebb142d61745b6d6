package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedAudio reports a payload that cannot be interpreted as a whole
// number of samples in its declared encoding. Callers should drop the chunk
// and keep the stream alive.
var ErrMalformedAudio = errors.New("audio: malformed audio payload")

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// Transcoder converts chunks between the telephony format (mu-law at
// TelephonyRate) and the engine format (PCM16 at EngineRate). A Transcoder
// is stateless and safe for concurrent use.
type Transcoder struct {
	// TelephonyRate is the sample rate of the mu-law leg, in Hz.
	TelephonyRate int

	// EngineRate is the sample rate of the PCM16 leg, in Hz.
	EngineRate int
}

// NewTranscoder returns a Transcoder between the two sample rates.
func NewTranscoder(telephonyRate, engineRate int) (Transcoder, error) {
	if telephonyRate <= 0 || engineRate <= 0 {
		return Transcoder{}, fmt.Errorf("audio: invalid sample rates %d/%d", telephonyRate, engineRate)
	}
	return Transcoder{TelephonyRate: telephonyRate, EngineRate: engineRate}, nil
}

// ToEngine converts a mu-law chunk from the telephony leg into PCM16 bytes
// at the engine rate. The duration of the output equals the duration of the
// input to within half an output sample.
func (t Transcoder) ToEngine(mulaw []byte) ([]byte, error) {
	if len(mulaw) == 0 {
		return nil, fmt.Errorf("%w: empty mu-law chunk", ErrMalformedAudio)
	}
	pcm := DecodeMuLaw(mulaw)
	pcm = Resample(pcm, t.TelephonyRate, t.EngineRate)
	return pcmBytes(pcm), nil
}

// ToTelephony converts a PCM16 chunk from the engine leg into mu-law bytes
// at the telephony rate.
func (t Transcoder) ToTelephony(pcm16 []byte) ([]byte, error) {
	samples, err := pcmSamples(pcm16)
	if err != nil {
		return nil, err
	}
	samples = Resample(samples, t.EngineRate, t.TelephonyRate)
	return EncodeMuLaw(samples), nil
}

// DecodeMuLaw expands G.711 mu-law bytes to linear PCM samples.
func DecodeMuLaw(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = decodeMuLawSample(b)
	}
	return out
}

// EncodeMuLaw compresses linear PCM samples to G.711 mu-law bytes.
func EncodeMuLaw(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = encodeMuLawSample(s)
	}
	return out
}

func decodeMuLawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mant := b & 0x0F
	v := (int(mant)<<3 + muLawBias) << exp
	v -= muLawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

func encodeMuLawSample(s int16) byte {
	v := int(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias
	exp := 7
	for mask := 0x4000; v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (v >> (exp + 3)) & 0x0F
	return ^(sign | byte(exp)<<4 | byte(mant))
}

// Resample converts samples from one rate to another by linear
// interpolation. The output length is rounded half-up so that repeated
// conversion does not accumulate drift. Rates equal or empty input return
// the input unchanged.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(in) == 0 {
		return in
	}
	outLen := (len(in)*toRate + fromRate/2) / fromRate
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		i0 := int(pos)
		if i0 >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(i0)
		a, b := float64(in[i0]), float64(in[i0+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func pcmSamples(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty PCM chunk", ErrMalformedAudio)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: PCM chunk of %d bytes is not a whole number of samples", ErrMalformedAudio, len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}
