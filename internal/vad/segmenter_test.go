package vad

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/queue"
)

const frameSamples = 512

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// levelScorer treats the first sample as the speech probability. A negative
// first sample makes scoring fail, and NaN panics.
type levelScorer struct{}

func (levelScorer) Open() error  { return nil }
func (levelScorer) Close() error { return nil }
func (levelScorer) Score(f audio.Frame) (float64, error) {
	v := float64(f[0])
	if v != v {
		panic("bad frame")
	}
	if v < 0 {
		return 0, errors.New("scorer unavailable")
	}
	return v, nil
}

func frame(level float32) audio.Frame {
	f := make(audio.Frame, frameSamples)
	for i := range f {
		f[i] = level
	}
	return f
}

func frames(ms int, level float32) []audio.Frame {
	out := make([]audio.Frame, ms/32)
	for i := range out {
		out[i] = frame(level)
	}
	return out
}

func newTestSegmenter() *Segmenter {
	return NewSegmenter(config.Default().VAD, 32, levelScorer{}, testLogger())
}

type recorder struct {
	events []Event
}

func (r *recorder) emit(e Event) { r.events = append(r.events, e) }

func (r *recorder) count(k Kind) int {
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func feed(t *testing.T, s *Segmenter, r *recorder, fs []audio.Frame) {
	t.Helper()
	for _, f := range fs {
		if err := s.Process(f, r.emit); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
}

func TestSegmenterLectureScenario(t *testing.T) {
	s := newTestSegmenter()
	r := &recorder{}

	feed(t, s, r, frames(300, 0.1))
	if len(r.events) != 0 {
		t.Fatalf("expected no events for silence, got %d", len(r.events))
	}

	feed(t, s, r, frames(300, 0.9))
	if r.count(KindStart) != 1 {
		t.Fatalf("expected exactly one start, got %d", r.count(KindStart))
	}
	if !s.State().InSpeech {
		t.Fatal("expected in speech")
	}
	// Start fires on the eighth speech frame; the pre-roll holds the six
	// most recent frames including it.
	if got := len(r.events[0].Audio); got != 6*frameSamples {
		t.Fatalf("expected 6 pre-roll frames, got %d samples", got)
	}

	feed(t, s, r, frames(1000, 0.9))
	feed(t, s, r, frames(900, 0.1))
	if r.count(KindEnd) != 1 {
		t.Fatalf("expected exactly one end, got %d", r.count(KindEnd))
	}
	if s.State() != (State{}) {
		t.Fatalf("expected zeroed state, got %+v", s.State())
	}

	// 1 trailing speech frame, 31 speech frames, 6 retained silence frames.
	if got := r.count(KindChunk); got != 38 {
		t.Fatalf("expected 38 chunks, got %d", got)
	}
	total := 0
	for _, e := range r.events {
		total += len(e.Audio)
	}
	if total != (6+38)*frameSamples {
		t.Fatalf("unexpected utterance length %d", total)
	}
	if r.events[len(r.events)-1].Kind != KindEnd {
		t.Fatal("expected end to be the last event")
	}
}

func TestSegmenterBlipsDoNotAccumulate(t *testing.T) {
	s := newTestSegmenter()
	r := &recorder{}
	for i := 0; i < 20; i++ {
		feed(t, s, r, []audio.Frame{frame(0.9), frame(0.9), frame(0.9), frame(0.1)})
	}
	if len(r.events) != 0 {
		t.Fatalf("isolated blips should not start an utterance, got %d events", len(r.events))
	}
}

func TestSegmenterMaxUtterance(t *testing.T) {
	cfg := config.Default().VAD
	cfg.MaxUtteranceS = 1
	s := NewSegmenter(cfg, 32, levelScorer{}, testLogger())
	r := &recorder{}
	feed(t, s, r, frames(3000, 0.9))
	if r.count(KindEnd) < 2 {
		t.Fatalf("expected utterances to be capped, got %d ends", r.count(KindEnd))
	}
	assertPaired(t, r.events)
}

func TestSegmenterScorerFailureAbandonsUtterance(t *testing.T) {
	s := newTestSegmenter()
	r := &recorder{}
	feed(t, s, r, frames(400, 0.9))
	if r.count(KindStart) != 1 {
		t.Fatal("expected start")
	}
	if err := s.Process(frame(-1), r.emit); err == nil {
		t.Fatal("expected scorer error")
	}
	if s.State() != (State{}) {
		t.Fatalf("expected reset state, got %+v", s.State())
	}
	if r.count(KindEnd) != 0 {
		t.Fatal("abandoned utterance must not emit end")
	}

	var nan float32
	nan = nan / nan
	if err := s.Process(frame(nan), r.emit); err == nil {
		t.Fatal("expected panic to surface as error")
	}

	before := len(r.events)
	feed(t, s, r, frames(300, 0.9))
	start := r.events[before]
	if start.Kind != KindStart {
		t.Fatalf("expected new start, got %v", start.Kind)
	}
	// The pre-roll was cleared, so it only holds frames since the failure.
	if len(start.Audio) != 6*frameSamples {
		t.Fatalf("unexpected pre-roll %d", len(start.Audio))
	}
}

func TestSegmenterPairingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 30; run++ {
		s := newTestSegmenter()
		r := &recorder{}
		level := float32(0.1)
		for i := 0; i < 2000; i++ {
			if rng.Intn(12) == 0 {
				level = 0.9 - level + 0.1
			}
			f := frame(level)
			if rng.Intn(500) == 0 {
				f = frame(-1)
			}
			_ = s.Process(f, r.emit)
		}
		assertPaired(t, r.events)
	}
}

// assertPaired checks that chunks and ends only follow an unmatched start.
// Abandoned utterances may be followed by a new start without an end.
func assertPaired(t *testing.T, events []Event) {
	t.Helper()
	open := false
	for i, e := range events {
		switch e.Kind {
		case KindStart:
			open = true
		case KindChunk:
			if !open {
				t.Fatalf("event %d: chunk without start", i)
			}
		case KindEnd:
			if !open {
				t.Fatalf("event %d: end without start", i)
			}
			open = false
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestSegmenter()
	q := queue.New[audio.Frame](16)
	out := queue.New[Event](64)
	for _, f := range frames(400, 0.9) {
		q.Put(f)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, q, func(e Event) { out.Put(e) }, 10*time.Millisecond)
		close(done)
	}()

	e, ok := out.Poll(2 * time.Second)
	if !ok || e.Kind != KindStart {
		t.Fatalf("expected start event, got %+v ok=%v", e, ok)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestEnergyScorer(t *testing.T) {
	sc := NewEnergyScorer(-50, -20)
	quiet, err := sc.Score(frame(0.0001))
	if err != nil {
		t.Fatal(err)
	}
	loud, _ := sc.Score(frame(0.5))
	if quiet != 0 || loud != 1 {
		t.Fatalf("unexpected scores quiet=%v loud=%v", quiet, loud)
	}
	mid, _ := sc.Score(frame(0.01)) // -40 dBFS
	if mid < 0.3 || mid > 0.37 {
		t.Fatalf("unexpected mid score %v", mid)
	}
	if _, err := sc.Score(nil); err == nil {
		t.Fatal("expected error for empty frame")
	}
}

func TestProcessScorer(t *testing.T) {
	sc, err := NewProcessScorer("yes 0.75", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := sc.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sc.Close()
	for i := 0; i < 3; i++ {
		p, err := sc.Score(frame(0.1))
		if err != nil {
			t.Fatalf("score: %v", err)
		}
		if p != 0.75 {
			t.Fatalf("expected 0.75, got %v", p)
		}
	}
}

func TestProcessScorerRejectsGarbage(t *testing.T) {
	sc, err := NewProcessScorer("yes speech", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := sc.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sc.Close()
	if _, err := sc.Score(frame(0.1)); err == nil {
		t.Fatal("expected parse error")
	}
}
