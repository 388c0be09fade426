package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// ErrDecoderUnavailable is returned when a decoder mode is not compiled into
// this binary.
var ErrDecoderUnavailable = errors.New("decoder backend unavailable")

// Options are the per-call decoding parameters.
type Options struct {
	Language            string
	BeamSize            int
	Patience            float64
	Temperature         float64
	Prompt              string
	ConditionOnPrevious bool
	VADFilter           bool
}

// OptionsFrom copies the static parameters of a decoder profile.
func OptionsFrom(cfg config.DecoderConfig) Options {
	return Options{
		Language:    cfg.Language,
		BeamSize:    cfg.BeamSize,
		Patience:    cfg.Patience,
		Temperature: cfg.Temperature,
		VADFilter:   true,
	}
}

// Result is the decoder output together with the model's own confidence
// signals.
type Result struct {
	Text         string
	NoSpeechProb float64
	AvgLogProb   float64
}

// Decoder turns mono samples at the pipeline sample rate into text. Calls are
// synchronous.
type Decoder interface {
	Decode(ctx context.Context, samples []float32, opts Options) (Result, error)
	Close() error
}

// NewDecoder builds the decoder selected by cfg.Mode.
func NewDecoder(cfg config.DecoderConfig, sampleRate int, logger *slog.Logger) (Decoder, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockDecoder(sampleRate), nil
	case "exec":
		return NewExecDecoder(cfg, sampleRate)
	case "whisper":
		logger.Warn("whisper backend limits: patience, condition_on_previous and vad_filter are ignored; "+
			"no_speech_probability is not reported so filter.max_no_speech_prob has no effect; "+
			"avg_logprob is estimated from token probabilities",
			slog.String("model", cfg.ModelPath))
		return NewWhisperDecoder(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
