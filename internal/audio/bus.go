package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource consumes PCM frames published by remote capture devices on
// audio.frame.>. Payloads of any length are re-cut into local frames.
type BusSource struct {
	cfg    config.AudioConfig
	client *bus.Client
	logger *slog.Logger

	mu     sync.Mutex
	sub    *nats.Subscription
	opened bool
	closed bool
	done   chan struct{}
}

func NewBusSource(cfg config.AudioConfig, client *bus.Client, logger *slog.Logger) *BusSource {
	return &BusSource{
		cfg:    cfg,
		client: client,
		logger: logger.With(slog.String("component", "audio_bus")),
		done:   make(chan struct{}),
	}
}

func (s *BusSource) Open(ctx context.Context, emit func(Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened || s.closed {
		return ErrSourceClosed
	}

	framer := NewFramer(s.cfg.FrameSamples())
	handler := func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.logger.Warn("failed to decode audio frame", slogError(err))
			return
		}
		if frame.Channels > 1 {
			s.logger.Warn("dropping multi-channel frame", slog.Int("channels", frame.Channels))
			return
		}
		samples, err := PCM16ToFloat32(frame.PCM)
		if err != nil {
			s.logger.Warn("invalid audio frame", slogError(err))
			return
		}
		if frame.SampleRate > 0 && frame.SampleRate != s.cfg.SampleRate {
			samples = ResampleLinear(samples, frame.SampleRate, s.cfg.SampleRate)
		}
		framer.Push(samples, emit)
		if frame.Final {
			framer.Flush(emit)
		}
	}

	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.client.Conn().Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.opened = true
	s.logger.Info("listening for audio frames", slog.String("subject", subject))
	return nil
}

func (s *BusSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	defer close(s.done)
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			return fmt.Errorf("unsubscribe audio frames: %w", err)
		}
	}
	return nil
}

func (s *BusSource) Done() <-chan struct{} {
	return s.done
}
