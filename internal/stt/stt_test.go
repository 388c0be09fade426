package stt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/queue"
	"github.com/loqalabs/loqa-captions/internal/transcript"
	"github.com/loqalabs/loqa-captions/internal/vad"
)

const sampleRate = 16000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type decodeCall struct {
	samples int
	opts    Options
}

// scriptedDecoder replays results in order and repeats the last one.
type scriptedDecoder struct {
	mu      sync.Mutex
	results []Result
	err     error
	panics  bool
	calls   []decodeCall
}

func (d *scriptedDecoder) Decode(_ context.Context, samples []float32, opts Options) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, decodeCall{samples: len(samples), opts: opts})
	if d.panics {
		panic("decoder crashed")
	}
	if d.err != nil {
		return Result{}, d.err
	}
	if len(d.results) == 0 {
		return Result{}, nil
	}
	res := d.results[0]
	if len(d.results) > 1 {
		d.results = d.results[1:]
	}
	return res, nil
}

func (d *scriptedDecoder) Close() error { return nil }

func (d *scriptedDecoder) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	tr      *Transcriber
	partial *scriptedDecoder
	final   *scriptedDecoder
	outputs *caption.Outputs
	vocab   *Vocabulary
	clock   *fakeClock
	log     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	h := &harness{
		partial: &scriptedDecoder{},
		final:   &scriptedDecoder{},
		outputs: caption.NewOutputs(100, testLogger()),
		vocab:   NewVocabulary("default lecture vocabulary"),
		clock:   &fakeClock{t: time.Date(2024, 9, 1, 10, 0, 0, 0, time.Local)},
		log:     filepath.Join(t.TempDir(), "captions.txt"),
	}
	tlog, err := transcript.Open(h.log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tlog.Close() })
	h.tr = NewTranscriber(cfg.STT, cfg.Filter, sampleRate, Deps{
		Partial:    h.partial,
		Final:      h.final,
		Vocabulary: h.vocab,
		Outputs:    h.outputs,
		Transcript: tlog,
		Logger:     testLogger(),
	})
	h.tr.now = h.clock.now
	return h
}

func seconds(s float64) []float32 {
	return make([]float32, int(s*sampleRate))
}

func (h *harness) handle(t *testing.T, ev vad.Event) {
	t.Helper()
	if err := h.tr.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle %v: %v", ev.Kind, err)
	}
}

func TestFilterAccept(t *testing.T) {
	f := NewFilter(config.FilterConfig{MinChars: 3, MaxNoSpeechProb: 0.6, MinAvgLogProb: -1.0})
	cases := []struct {
		name   string
		res    Result
		ok     bool
		reason string
	}{
		{"no speech", Result{Text: "machine learning basics", NoSpeechProb: 0.9, AvgLogProb: -0.3}, false, RejectNoSpeech},
		{"low logprob", Result{Text: "machine learning basics", NoSpeechProb: 0.1, AvgLogProb: -2.0}, false, RejectLowConfidence},
		{"too short", Result{Text: "hi", NoSpeechProb: 0.1, AvgLogProb: -0.3}, false, RejectTooShort},
		{"empty", Result{Text: "   "}, false, RejectTooShort},
		{"accepted", Result{Text: "machine learning basics", NoSpeechProb: 0.1, AvgLogProb: -0.3}, true, ""},
		{"multibyte", Result{Text: "机器学", NoSpeechProb: 0.1, AvgLogProb: -0.3}, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := f.Accept(tc.res)
			if ok != tc.ok || reason != tc.reason {
				t.Fatalf("Accept = (%v, %q), want (%v, %q)", ok, reason, tc.ok, tc.reason)
			}
		})
	}
}

func TestVocabulary(t *testing.T) {
	v := NewVocabulary("fallback")
	if v.Get() != "fallback" || v.Custom() {
		t.Fatal("expected fallback")
	}
	v.Set("  Laplace transform  ")
	if v.Get() != "Laplace transform" || !v.Custom() {
		t.Fatalf("unexpected hint %q", v.Get())
	}
	v.Set("")
	if v.Get() != "fallback" {
		t.Fatal("expected empty hint to restore fallback")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				v.Set("alpha beta gamma")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if got := v.Get(); got != "alpha beta gamma" && got != "fallback" {
					t.Errorf("torn read %q", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestPartialDecodeRateLimited(t *testing.T) {
	h := newHarness(t)
	h.partial.results = []Result{{Text: "the derivative of"}}

	h.handle(t, vad.Event{Kind: vad.KindStart, Audio: seconds(0.5)})
	if h.partial.callCount() != 0 {
		t.Fatal("partial decode should wait for the minimum duration")
	}
	h.handle(t, vad.Event{Kind: vad.KindChunk, Audio: seconds(0.4)})
	if h.partial.callCount() != 1 {
		t.Fatalf("expected first partial decode, got %d", h.partial.callCount())
	}

	h.clock.advance(100 * time.Millisecond)
	h.handle(t, vad.Event{Kind: vad.KindChunk, Audio: seconds(0.032)})
	if h.partial.callCount() != 1 {
		t.Fatal("partial decode should be rate limited")
	}

	h.clock.advance(250 * time.Millisecond)
	h.handle(t, vad.Event{Kind: vad.KindChunk, Audio: seconds(0.032)})
	if h.partial.callCount() != 2 {
		t.Fatalf("expected second partial decode, got %d", h.partial.callCount())
	}

	c, ok := h.outputs.Next(caption.KindPartial, 0)
	if !ok || c.Text != "[the derivative of]" {
		t.Fatalf("unexpected first partial %+v", c)
	}
	c, ok = h.outputs.Next(caption.KindPartial, 0)
	if !ok || c.Text != "the derivative of" {
		t.Fatalf("expected agreement to commit words, got %q", c.Text)
	}
	if h.partial.calls[0].opts.ConditionOnPrevious || !h.partial.calls[0].opts.VADFilter {
		t.Fatal("unexpected partial options")
	}
	if h.partial.calls[0].opts.BeamSize != 4 {
		t.Fatalf("expected partial beam size 4, got %d", h.partial.calls[0].opts.BeamSize)
	}
}

func TestPartialDecodeUsesTailWindowAndPrompt(t *testing.T) {
	h := newHarness(t)
	h.partial.results = []Result{{Text: "alpha beta"}}
	h.vocab.Set("Hilbert space")

	h.handle(t, vad.Event{Kind: vad.KindStart, Audio: seconds(12)})
	if got := h.partial.calls[0].samples; got != 10*sampleRate {
		t.Fatalf("expected a 10 s tail window, got %d samples", got)
	}
	if h.partial.calls[0].opts.Prompt != "Hilbert space" {
		t.Fatalf("unexpected first prompt %q", h.partial.calls[0].opts.Prompt)
	}

	// The second decode agrees with the first and commits its words.
	for i := 0; i < 2; i++ {
		h.clock.advance(time.Second)
		h.handle(t, vad.Event{Kind: vad.KindChunk, Audio: seconds(0.032)})
	}
	if h.partial.calls[1].opts.Prompt != "Hilbert space" {
		t.Fatalf("nothing is committed before the second decode, got %q", h.partial.calls[1].opts.Prompt)
	}
	prompt := h.partial.calls[2].opts.Prompt
	if prompt != "Hilbert space\n\nCommitted (tail):\nalpha beta" {
		t.Fatalf("unexpected prompt %q", prompt)
	}
}

func TestFinalizeAcceptedCaption(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSession("session-1")
	h.final.results = []Result{{Text: " machine learning basics ", NoSpeechProb: 0.1, AvgLogProb: -0.3}}

	var delivered []caption.Caption
	h.outputs.Register(caption.KindAccurate, caption.SinkFunc(func(c caption.Caption) {
		delivered = append(delivered, c)
	}))

	h.handle(t, vad.Event{Kind: vad.KindStart, Audio: seconds(0.2)})
	h.handle(t, vad.Event{Kind: vad.KindChunk, Audio: seconds(1.0)})
	h.handle(t, vad.Event{Kind: vad.KindEnd})

	if h.final.callCount() != 1 {
		t.Fatalf("expected one final decode, got %d", h.final.callCount())
	}
	call := h.final.calls[0]
	if call.samples != int(1.2*sampleRate) {
		t.Fatalf("final decode should cover the whole utterance, got %d samples", call.samples)
	}
	if !call.opts.ConditionOnPrevious || call.opts.BeamSize != 8 || call.opts.Prompt != "default lecture vocabulary" {
		t.Fatalf("unexpected final options %+v", call.opts)
	}

	c, ok := h.outputs.Next(caption.KindAccurate, 0)
	if !ok {
		t.Fatal("expected accurate caption")
	}
	if c.Text != "machine learning basics" || c.SessionID != "session-1" || c.AvgLogProbability != -0.3 {
		t.Fatalf("unexpected caption %+v", c)
	}
	if len(delivered) != 1 {
		t.Fatalf("expected sink delivery, got %d", len(delivered))
	}

	data, err := os.ReadFile(h.log)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[10:00:00] machine learning basics\n" {
		t.Fatalf("unexpected transcript %q", data)
	}
	if h.tr.ContextTail() != "machine learning basics" {
		t.Fatalf("unexpected context tail %q", h.tr.ContextTail())
	}
}

func TestFinalizeRejectedCaption(t *testing.T) {
	h := newHarness(t)
	h.final.results = []Result{{Text: "thank you", NoSpeechProb: 0.9, AvgLogProb: -0.2}}

	h.handle(t, vad.Event{Kind: vad.KindStart, Audio: seconds(1.0)})
	h.handle(t, vad.Event{Kind: vad.KindEnd})

	if _, ok := h.outputs.Next(caption.KindAccurate, 0); ok {
		t.Fatal("rejected result must not be published")
	}
	if data, _ := os.ReadFile(h.log); len(data) != 0 {
		t.Fatalf("rejected result must not be logged, got %q", data)
	}
}

func TestFinalizeSkipsShortUtterance(t *testing.T) {
	h := newHarness(t)
	h.handle(t, vad.Event{Kind: vad.KindStart, Audio: seconds(0.3)})
	h.handle(t, vad.Event{Kind: vad.KindEnd})
	if h.final.callCount() != 0 {
		t.Fatal("short utterance should not be decoded")
	}
}

func TestContextTailIsBounded(t *testing.T) {
	h := newHarness(t)
	long := strings.Repeat("word ", 100)
	h.final.results = []Result{{Text: long, AvgLogProb: -0.1}}
	for i := 0; i < 3; i++ {
		h.handle(t, vad.Event{Kind: vad.KindStart, Audio: seconds(1)})
		h.handle(t, vad.Event{Kind: vad.KindEnd})
	}
	tail := h.tr.ContextTail()
	if n := len([]rune(tail)); n > 240 || n < 235 {
		t.Fatalf("expected about 240 chars of context, got %d", n)
	}
	if !strings.HasPrefix(tail, "word") || !strings.HasSuffix(tail, "word") {
		t.Fatalf("context tail should be trimmed, got %q", tail)
	}

	h.partial.results = []Result{{Text: "next"}}
	h.handle(t, vad.Event{Kind: vad.KindStart, Audio: seconds(1)})
	last := h.partial.calls[len(h.partial.calls)-1]
	if !strings.Contains(last.opts.Prompt, "\n\nPrevious:\nword word") {
		t.Fatalf("expected previous context in prompt, got %q", last.opts.Prompt)
	}
}

func TestDecodeFailureAbandonsUtterance(t *testing.T) {
	h := newHarness(t)
	h.partial.err = errors.New("model unavailable")

	err := h.tr.Handle(context.Background(), vad.Event{Kind: vad.KindStart, Audio: seconds(1)})
	if err == nil {
		t.Fatal("expected partial decode error")
	}
	h.partial.err = nil
	// The audio gathered so far was dropped, so the end is too short to decode.
	h.handle(t, vad.Event{Kind: vad.KindEnd})
	if h.final.callCount() != 0 {
		t.Fatal("abandoned utterance must not be finalized")
	}
}

func TestDecoderPanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.final.panics = true
	h.handle(t, vad.Event{Kind: vad.KindStart, Audio: seconds(0.7)})
	err := h.tr.Handle(context.Background(), vad.Event{Kind: vad.KindEnd})
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic to surface as error, got %v", err)
	}

	h.final.panics = false
	h.final.results = []Result{{Text: "recovered fine", AvgLogProb: -0.2}}
	h.handle(t, vad.Event{Kind: vad.KindStart, Audio: seconds(0.7)})
	h.handle(t, vad.Event{Kind: vad.KindEnd})
	if _, ok := h.outputs.Next(caption.KindAccurate, 0); !ok {
		t.Fatal("transcriber should keep working after a panic")
	}
}

func TestRunConsumesQueue(t *testing.T) {
	h := newHarness(t)
	h.tr.now = time.Now
	h.final.results = []Result{{Text: "queued utterance", AvgLogProb: -0.2}}
	events := queue.New[vad.Event](16)
	events.Put(vad.Event{Kind: vad.KindStart, Audio: seconds(1)})
	events.Put(vad.Event{Kind: vad.KindEnd})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.tr.Run(ctx, events, 10*time.Millisecond)
		close(done)
	}()
	c, ok := h.outputs.Next(caption.KindAccurate, 2*time.Second)
	cancel()
	<-done
	if !ok || c.Text != "queued utterance" {
		t.Fatalf("unexpected caption %+v ok=%v", c, ok)
	}
}

func TestMockDecoder(t *testing.T) {
	d := NewMockDecoder(sampleRate)
	res, err := d.Decode(context.Background(), seconds(1.5), Options{ConditionOnPrevious: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "[final transcript 1.50s]" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestExecDecoder(t *testing.T) {
	cfg := config.Default().STT.Final
	cfg.Command = `sh -c 'echo "{\"text\":\"hello world\",\"no_speech_prob\":0.1,\"avg_logprob\":-0.2}"'`
	d, err := NewExecDecoder(cfg, sampleRate)
	if err != nil {
		t.Fatal(err)
	}
	res, err := d.Decode(context.Background(), seconds(0.5), OptionsFrom(cfg))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Text != "hello world" || res.NoSpeechProb != 0.1 || res.AvgLogProb != -0.2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecDecoderArgs(t *testing.T) {
	cfg := config.Default().STT.Final
	cfg.Command = "whisper-cli --json"
	cfg.ModelPath = "/models/large.bin"
	dec, err := NewExecDecoder(cfg, sampleRate)
	if err != nil {
		t.Fatal(err)
	}
	opts := OptionsFrom(cfg)
	opts.Prompt = "Fourier"
	opts.ConditionOnPrevious = true
	args := strings.Join(dec.(*execDecoder).args("/tmp/a.wav", opts), " ")
	want := "--json --audio /tmp/a.wav --model /models/large.bin --language en --beam-size 8 --patience 1.2 --temperature 0 --prompt Fourier --condition-on-previous --vad-filter"
	if args != want {
		t.Fatalf("got  %q\nwant %q", args, want)
	}
}

func TestExecDecoderFailure(t *testing.T) {
	cfg := config.Default().STT.Final
	cfg.Command = "false"
	d, err := NewExecDecoder(cfg, sampleRate)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Decode(context.Background(), seconds(0.1), OptionsFrom(cfg)); err == nil {
		t.Fatal("expected error from failing command")
	}
}

func TestNewDecoderModes(t *testing.T) {
	cfg := config.Default().STT.Partial
	if _, err := NewDecoder(cfg, sampleRate, testLogger()); err != nil {
		t.Fatalf("mock: %v", err)
	}
	cfg.Mode = "nope"
	if _, err := NewDecoder(cfg, sampleRate, testLogger()); err == nil {
		t.Fatal("expected unknown mode error")
	}
}

func TestWhisperModeLogsBackendLimits(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	cfg := config.Default().STT.Final
	cfg.Mode = "whisper"
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.bin")

	if _, err := NewDecoder(cfg, 16000, logger); err == nil {
		t.Fatal("expected an error without a loadable model")
	}
	for _, want := range []string{"no_speech_probability", "condition_on_previous", "avg_logprob is estimated"} {
		if !strings.Contains(logs.String(), want) {
			t.Fatalf("expected %q in warning, got %s", want, logs.String())
		}
	}
}
