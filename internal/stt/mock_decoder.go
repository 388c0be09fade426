package stt

import (
	"context"
	"fmt"
)

type mockDecoder struct {
	sampleRate int
}

// NewMockDecoder returns a decoder that describes the audio it was given.
func NewMockDecoder(sampleRate int) Decoder {
	return &mockDecoder{sampleRate: sampleRate}
}

func (m *mockDecoder) Decode(_ context.Context, samples []float32, opts Options) (Result, error) {
	mode := "partial"
	if opts.ConditionOnPrevious {
		mode = "final"
	}
	seconds := float64(len(samples)) / float64(max(m.sampleRate, 1))
	return Result{
		Text:       fmt.Sprintf("[%s transcript %.2fs]", mode, seconds),
		AvgLogProb: -0.1,
	}, nil
}

func (m *mockDecoder) Close() error { return nil }
