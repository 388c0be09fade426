package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Frame is one fixed-duration block of mono samples normalized to [-1, 1].
// Frames are not modified after they are emitted.
type Frame []float32

// Duration reports how long the frame lasts at sampleRate.
func (f Frame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f)) * time.Second / time.Duration(sampleRate)
}

// PCM16ToFloat32 converts little-endian signed 16-bit PCM into float samples.
func PCM16ToFloat32(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, errors.New("pcm16 length must be even")
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(b[2*i:]))
		out[i] = float32(v) / 32768.0
	}
	return out, nil
}

// Float32ToPCM16 converts float samples into little-endian signed 16-bit PCM,
// clipping values outside [-1, 1].
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := math.Round(float64(s) * 32767)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// ResampleLinear resamples samples from inRate to outRate using linear interpolation.
func ResampleLinear(samples []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || outRate <= 0 || inRate == outRate || len(samples) == 0 {
		return append([]float32(nil), samples...)
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := max(int(float64(len(samples))*ratio), 1)
	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) / ratio
		i0 := int(pos)
		if i0 >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(i0))
		out[i] = samples[i0] + (samples[i0+1]-samples[i0])*frac
	}
	return out
}

// Framer cuts an arbitrary sample stream into fixed-size frames.
type Framer struct {
	size    int
	pending []float32
}

func NewFramer(size int) *Framer {
	if size < 1 {
		size = 1
	}
	return &Framer{size: size, pending: make([]float32, 0, size)}
}

// Push appends samples and calls emit for every completed frame.
func (f *Framer) Push(samples []float32, emit func(Frame)) {
	for len(samples) > 0 {
		n := min(f.size-len(f.pending), len(samples))
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]
		if len(f.pending) == f.size {
			frame := make(Frame, f.size)
			copy(frame, f.pending)
			f.pending = f.pending[:0]
			emit(frame)
		}
	}
}

// Flush emits the buffered remainder zero-padded to a full frame.
func (f *Framer) Flush(emit func(Frame)) {
	if len(f.pending) == 0 {
		return
	}
	frame := make(Frame, f.size)
	copy(frame, f.pending)
	f.pending = f.pending[:0]
	emit(frame)
}

// DecodeWAV reads a WAV stream into mono float samples, downmixing extra
// channels, and returns the file's sample rate.
func DecodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("read wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, 0, errors.New("empty wav buffer")
	}
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int(1) << (bitDepth - 1))
	channels := max(buf.Format.NumChannels, 1)
	out := make([]float32, len(buf.Data)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		out[i] = sum / float32(channels)
	}
	sr := int(dec.SampleRate)
	if sr == 0 {
		sr = buf.Format.SampleRate
	}
	return out, sr, nil
}

// EncodeWAV writes mono float samples as a 16-bit PCM WAV file.
func EncodeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(floatToInt16(s))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
