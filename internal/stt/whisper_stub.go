//go:build !whisper_cpp

package stt

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// NewWhisperDecoder reports ErrDecoderUnavailable; build with -tags whisper_cpp
// to link whisper.cpp.
func NewWhisperDecoder(cfg config.DecoderConfig, _ *slog.Logger) (Decoder, error) {
	return nil, fmt.Errorf("whisper model %s: %w", cfg.ModelPath, ErrDecoderUnavailable)
}
