// Package vad splits a frame stream into utterances using a per-frame speech
// probability.
package vad

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/queue"
)

type Kind int

const (
	KindStart Kind = iota + 1
	KindChunk
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindChunk:
		return "chunk"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one step of an utterance lifecycle. Start carries the pre-roll,
// Chunk carries one frame and End carries nothing.
type Event struct {
	Kind  Kind
	Audio []float32
	At    time.Time
}

// State is the segmenter's running state. Durations are in milliseconds.
type State struct {
	InSpeech  bool
	SpeechMS  int
	SilenceMS int
	UttMS     int
}

// Segmenter is the utterance state machine. It is driven by a single
// goroutine.
type Segmenter struct {
	cfg     config.VADConfig
	frameMS int
	scorer  Scorer
	logger  *slog.Logger
	now     func() time.Time

	state         State
	preRoll       []audio.Frame
	preRollFrames int
	tailKept      int
	tailFrames    int
}

func NewSegmenter(cfg config.VADConfig, frameMS int, scorer Scorer, logger *slog.Logger) *Segmenter {
	if frameMS <= 0 {
		frameMS = 32
	}
	return &Segmenter{
		cfg:           cfg,
		frameMS:       frameMS,
		scorer:        scorer,
		logger:        logger.With(slog.String("component", "vad")),
		now:           time.Now,
		preRollFrames: max(1, cfg.PaddingMS/frameMS),
		tailFrames:    max(1, cfg.EndTailMS/frameMS),
	}
}

// State returns a copy of the current state.
func (s *Segmenter) State() State {
	return s.state
}

// Process advances the state machine by one frame. A scoring failure or
// panic abandons the open utterance without an End event and is returned.
func (s *Segmenter) Process(frame audio.Frame, emit func(Event)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("segmenter panic: %v", r)
		}
		if err != nil {
			s.reset()
		}
	}()

	s.preRoll = append(s.preRoll, frame)
	if len(s.preRoll) > s.preRollFrames {
		s.preRoll = s.preRoll[len(s.preRoll)-s.preRollFrames:]
	}

	prob, err := s.scorer.Score(frame)
	if err != nil {
		return fmt.Errorf("score frame: %w", err)
	}
	isSpeech := prob >= s.cfg.Threshold

	if !s.state.InSpeech {
		if !isSpeech {
			s.state.SpeechMS = 0
			return nil
		}
		s.state.SpeechMS += s.frameMS
		if s.state.SpeechMS >= s.cfg.MinSpeechMS {
			s.state.InSpeech = true
			s.state.SilenceMS = 0
			s.state.UttMS = 0
			s.tailKept = 0
			emit(Event{Kind: KindStart, Audio: s.preRollAudio(), At: s.now()})
			s.logger.Info("speech start", slog.Int("speech_ms", s.state.SpeechMS))
		}
		return nil
	}

	s.state.UttMS += s.frameMS
	if isSpeech {
		s.state.SilenceMS = 0
		s.tailKept = 0
		emit(Event{Kind: KindChunk, Audio: frame, At: s.now()})
	} else {
		s.state.SilenceMS += s.frameMS
		if s.tailKept < s.tailFrames {
			s.tailKept++
			emit(Event{Kind: KindChunk, Audio: frame, At: s.now()})
		}
	}

	bySilence := s.state.SilenceMS >= s.cfg.MinSilenceMS
	tooLong := float64(s.state.UttMS) >= s.cfg.MaxUtteranceS*1000
	if bySilence || tooLong {
		reason := "silence"
		if !bySilence {
			reason = "max_duration"
		}
		s.logger.Info("speech end",
			slog.String("reason", reason),
			slog.Int("utt_ms", s.state.UttMS),
			slog.Int("silence_ms", s.state.SilenceMS))
		emit(Event{Kind: KindEnd, At: s.now()})
		s.reset()
	}
	return nil
}

func (s *Segmenter) preRollAudio() []float32 {
	n := 0
	for _, f := range s.preRoll {
		n += len(f)
	}
	out := make([]float32, 0, n)
	for _, f := range s.preRoll {
		out = append(out, f...)
	}
	return out
}

func (s *Segmenter) reset() {
	s.state = State{}
	s.preRoll = nil
	s.tailKept = 0
}

// Run pulls frames until ctx is cancelled. Poll bounds how long a stop can
// go unnoticed while no frames arrive.
func (s *Segmenter) Run(ctx context.Context, frames *queue.Queue[audio.Frame], emit func(Event), poll time.Duration) {
	for ctx.Err() == nil {
		frame, ok := frames.Poll(poll)
		if !ok {
			continue
		}
		if err := s.Process(frame, emit); err != nil {
			s.logger.Error("segmenter reset", slogError(err))
		}
	}
	s.reset()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
