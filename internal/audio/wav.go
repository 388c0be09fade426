package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// WAVSource replays a WAV file as capture frames, followed by a stretch of
// silence so the last utterance can close. In realtime mode frames are paced
// at their natural rate.
type WAVSource struct {
	cfg    config.AudioConfig
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	opened bool
	done   chan struct{}
}

func NewWAVSource(cfg config.AudioConfig, logger *slog.Logger) *WAVSource {
	return &WAVSource{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "audio_wav")),
		done:   make(chan struct{}),
	}
}

func (s *WAVSource) Open(ctx context.Context, emit func(Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return ErrSourceClosed
	}

	file, err := os.Open(s.cfg.WAVPath)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	samples, rate, err := DecodeWAV(file)
	file.Close()
	if err != nil {
		return fmt.Errorf("decode %s: %w", s.cfg.WAVPath, err)
	}
	if rate != s.cfg.SampleRate {
		samples = ResampleLinear(samples, rate, s.cfg.SampleRate)
	}
	if s.cfg.TrailingSilenceMS > 0 {
		samples = append(samples, make([]float32, s.cfg.SampleRate*s.cfg.TrailingSilenceMS/1000)...)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.opened = true
	s.logger.Info("replay started",
		slog.String("path", s.cfg.WAVPath),
		slog.Int("source_rate", rate),
		slog.Duration("duration", Frame(samples).Duration(s.cfg.SampleRate)))

	go s.play(ctx, samples, emit)
	return nil
}

func (s *WAVSource) play(ctx context.Context, samples []float32, emit func(Frame)) {
	defer close(s.done)
	size := s.cfg.FrameSamples()
	var ticker *time.Ticker
	if s.cfg.Realtime {
		ticker = time.NewTicker(time.Duration(s.cfg.FrameMS) * time.Millisecond)
		defer ticker.Stop()
	}
	framer := NewFramer(size)
	for off := 0; off < len(samples); off += size {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}
		framer.Push(samples[off:min(off+size, len(samples))], emit)
	}
	framer.Flush(emit)
	s.logger.Info("replay finished")
}

// Finite is always true; a file can wait for the pipeline to catch up.
func (s *WAVSource) Finite() bool { return true }

func (s *WAVSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		return nil
	}
	if !s.opened {
		s.opened = true
		close(s.done)
	}
	return nil
}

func (s *WAVSource) Done() <-chan struct{} {
	return s.done
}
