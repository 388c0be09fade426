package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/queue"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/transcript"
	"github.com/loqalabs/loqa-captions/internal/vad"
)

var (
	ErrAlreadyRunning = errors.New("pipeline already running")
	ErrNotRunning     = errors.New("pipeline not running")
	// ErrStopping is returned by Start while loops of the previous session
	// are still finishing a decode.
	ErrStopping = errors.New("pipeline still stopping")
)

// SourceFactory builds a fresh capture source for each session.
type SourceFactory func() (audio.Source, error)

// SessionHook is told when capture sessions begin and end.
type SessionHook interface {
	SessionStarted(ctx context.Context, sessionID, vocabulary string) error
	SessionStopped(ctx context.Context, sessionID string) error
}

// Deps are the collaborators owned by a Pipeline. Transcript and Hooks are
// optional.
type Deps struct {
	Source     SourceFactory
	Scorer     vad.Scorer
	Partial    stt.Decoder
	Final      stt.Decoder
	Transcript *transcript.Log
	Hooks      []SessionHook
	Logger     *slog.Logger
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Running          bool      `json:"running"`
	Stopping         bool      `json:"stopping,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	StartedAt        time.Time `json:"started_at,omitzero"`
	CustomVocabulary bool      `json:"custom_vocabulary"`
	FrameQueue       int       `json:"frame_queue"`
	EventQueue       int       `json:"event_queue"`
	PartialQueue     int       `json:"partial_queue"`
	AccurateQueue    int       `json:"accurate_queue"`
	FramesDropped    uint64    `json:"frames_dropped"`
	EventsDropped    uint64    `json:"events_dropped"`
}

// Pipeline owns capture, segmentation, transcription and caption delivery
// for one audio input. Start and Stop may be called repeatedly; each start
// opens a new session.
type Pipeline struct {
	cfg     config.Config
	deps    Deps
	logger  *slog.Logger
	vocab   *stt.Vocabulary
	outputs *caption.Outputs
	frames  *queue.Queue[audio.Frame]
	events  *queue.Queue[vad.Event]
	metrics *Metrics
	pending atomic.Int64

	mu        sync.Mutex
	running   bool
	stopping  bool
	session   string
	startedAt time.Time
	cancel    context.CancelFunc
	source    audio.Source
	loops     *sync.WaitGroup
	// lingering is closed when the loops of a session whose Stop timed out
	// have exited.
	lingering chan struct{}
}

func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	if deps.Source == nil {
		return nil, errors.New("pipeline requires an audio source")
	}
	if deps.Scorer == nil {
		return nil, errors.New("pipeline requires a speech scorer")
	}
	if deps.Partial == nil || deps.Final == nil {
		return nil, errors.New("pipeline requires partial and final decoders")
	}
	logger := deps.Logger.With(slog.String("component", "pipeline"))
	p := &Pipeline{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		vocab:   stt.NewVocabulary(cfg.Captions.DefaultVocabulary),
		outputs: caption.NewOutputs(cfg.Captions.QueueSize, deps.Logger),
		frames:  queue.New[audio.Frame](cfg.Audio.FrameQueueSize),
		events:  queue.New[vad.Event](cfg.Audio.EventQueueSize),
	}
	metrics, err := newMetrics()
	if err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	} else {
		p.metrics = metrics
		if err := metrics.observeQueues(p); err != nil {
			logger.Warn("failed to register queue gauges", slogError(err))
		}
	}
	return p, nil
}

// Start opens a session and begins capturing. It returns ErrAlreadyRunning
// when a session is active.
func (p *Pipeline) Start(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return p.session, ErrAlreadyRunning
	}
	if p.lingering != nil {
		select {
		case <-p.lingering:
			p.lingering = nil
		default:
			return "", ErrStopping
		}
	}

	p.frames.Drain()
	p.events.Drain()
	p.outputs.Reset()
	p.pending.Store(0)

	session := uuid.NewString()
	if err := p.deps.Scorer.Open(); err != nil {
		return "", fmt.Errorf("open speech scorer: %w", err)
	}

	source, err := p.deps.Source()
	if err != nil {
		if cerr := p.deps.Scorer.Close(); cerr != nil {
			p.logger.Warn("speech scorer close failed", slogError(cerr))
		}
		return "", fmt.Errorf("create audio source: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	poll := p.pollInterval()

	emitFrame, emitEvent := p.emitFrame, p.emitEvent
	if f, ok := source.(audio.Finite); ok && f.Finite() {
		emitFrame, emitEvent = p.waitFrame(runCtx), p.waitEvent(runCtx)
	}

	segmenter := vad.NewSegmenter(p.cfg.VAD, p.cfg.Audio.FrameMS, p.deps.Scorer, p.deps.Logger)
	transcriber := stt.NewTranscriber(p.cfg.STT, p.cfg.Filter, p.cfg.Audio.SampleRate, stt.Deps{
		Partial:    p.deps.Partial,
		Final:      p.deps.Final,
		Vocabulary: p.vocab,
		Outputs:    p.outputs,
		Transcript: p.deps.Transcript,
		Observer:   p.observer(),
		Logger:     p.deps.Logger,
		Handled:    func() { p.pending.Add(-1) },
	})
	transcriber.SetSession(session)

	for _, hook := range p.deps.Hooks {
		if err := hook.SessionStarted(ctx, session, p.vocab.Get()); err != nil {
			p.logger.Warn("session hook failed", slog.String("session_id", session), slogError(err))
		}
	}

	loops := &sync.WaitGroup{}
	loops.Add(2)
	go func() {
		defer loops.Done()
		segmenter.Run(runCtx, p.frames, emitEvent, poll)
	}()
	go func() {
		defer loops.Done()
		transcriber.Run(runCtx, p.events, poll)
	}()

	if err := source.Open(runCtx, emitFrame); err != nil {
		cancel()
		loops.Wait()
		if cerr := p.deps.Scorer.Close(); cerr != nil {
			p.logger.Warn("speech scorer close failed", slogError(cerr))
		}
		p.notifyStopped(ctx, session)
		return "", fmt.Errorf("open audio source: %w", err)
	}

	p.running = true
	p.session = session
	p.startedAt = time.Now().UTC()
	p.cancel = cancel
	p.source = source
	p.loops = loops
	p.logger.Info("pipeline started", slog.String("session_id", session), slog.String("source", p.cfg.Audio.Source))
	return session, nil
}

// Stop ends capture, lets the segmenter drain queued frames for the grace
// period, then stops both loops. Captions already queued stay readable. The
// lock is not held while waiting, so Status keeps answering during a stop.
// If the loops outlive the stop timeout, Start refuses with ErrStopping
// until they exit.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running || p.stopping {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.stopping = true
	source, cancel, loops, session := p.source, p.cancel, p.loops, p.session
	p.mu.Unlock()

	var errs []error
	if err := source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audio source: %w", err))
	}

	grace := time.Duration(p.cfg.Pipeline.DrainGraceMS) * time.Millisecond
	deadline := time.Now().Add(grace)
	for p.frames.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		loops.Wait()
		close(done)
	}()
	exited := true
	timeout := time.Duration(p.cfg.Audio.StopTimeoutMS) * time.Millisecond
	select {
	case <-done:
	case <-time.After(timeout):
		exited = false
		p.logger.Warn("pipeline loops did not stop in time", slog.Duration("timeout", timeout))
	case <-ctx.Done():
		exited = false
		errs = append(errs, ctx.Err())
	}

	if err := p.deps.Scorer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close speech scorer: %w", err))
	}
	p.notifyStopped(ctx, session)

	p.logger.Info("pipeline stopped",
		slog.String("session_id", session),
		slog.Bool("loops_exited", exited),
		slog.Uint64("frames_dropped", p.frames.Dropped()),
		slog.Uint64("events_dropped", p.events.Dropped()))

	p.mu.Lock()
	p.running = false
	p.stopping = false
	p.cancel = nil
	p.source = nil
	p.loops = nil
	if !exited {
		p.lingering = done
	}
	p.mu.Unlock()
	return errors.Join(errs...)
}

func (p *Pipeline) notifyStopped(ctx context.Context, session string) {
	for _, hook := range p.deps.Hooks {
		if err := hook.SessionStopped(ctx, session); err != nil {
			p.logger.Warn("session hook failed", slog.String("session_id", session), slogError(err))
		}
	}
}

// Close stops a running session and releases the decoders.
func (p *Pipeline) Close(ctx context.Context) error {
	var errs []error
	if err := p.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		errs = append(errs, err)
	}
	if err := p.deps.Partial.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.deps.Final != p.deps.Partial {
		if err := p.deps.Final.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Running reports whether a session is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SourceDone is closed when the active source stops producing frames. It
// returns nil when the pipeline is not running.
func (p *Pipeline) SourceDone() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil {
		return nil
	}
	return p.source.Done()
}

// Idle reports whether every captured frame has been segmented and every
// emitted event has been handled by the transcriber.
func (p *Pipeline) Idle() bool {
	return p.frames.Len() == 0 && p.pending.Load() <= 0
}

// Drain waits until the source has finished and the pipeline has been idle
// for two consecutive polls. It is meant for finite sources such as WAV
// replay, before calling Stop.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := p.SourceDone()
	if done == nil {
		return ErrNotRunning
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	poll := p.pollInterval()
	quiet := 0
	for quiet < 2 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
		if p.Idle() {
			quiet++
		} else {
			quiet = 0
		}
	}
	return nil
}

// SetVocabularyHint replaces the decoding hint. It takes effect on the next
// decode and may be called at any time. An empty text restores the default.
func (p *Pipeline) SetVocabularyHint(text string) {
	p.vocab.Set(text)
	p.logger.Info("vocabulary hint updated", slog.Bool("custom", p.vocab.Custom()))
}

// VocabularyHint returns the hint currently used for decoding.
func (p *Pipeline) VocabularyHint() string {
	return p.vocab.Get()
}

// RegisterPartial adds a sink for partial captions.
func (p *Pipeline) RegisterPartial(sink caption.Sink) {
	p.outputs.Register(caption.KindPartial, sink)
}

// RegisterAccurate adds a sink for accurate captions.
func (p *Pipeline) RegisterAccurate(sink caption.Sink) {
	p.outputs.Register(caption.KindAccurate, sink)
}

// NextPartial waits up to timeout for the next partial caption.
func (p *Pipeline) NextPartial(timeout time.Duration) (caption.Caption, bool) {
	return p.outputs.Next(caption.KindPartial, timeout)
}

// NextAccurate waits up to timeout for the next accurate caption.
func (p *Pipeline) NextAccurate(timeout time.Duration) (caption.Caption, bool) {
	return p.outputs.Next(caption.KindAccurate, timeout)
}

// Outputs exposes the caption queues for streaming readers.
func (p *Pipeline) Outputs() *caption.Outputs {
	return p.outputs
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := Status{
		Running:   p.running,
		Stopping:  p.stopping,
		SessionID: p.session,
		StartedAt: p.startedAt,
	}
	p.mu.Unlock()
	st.CustomVocabulary = p.vocab.Custom()
	st.FrameQueue = p.frames.Len()
	st.EventQueue = p.events.Len()
	st.PartialQueue = p.outputs.Queue(caption.KindPartial).Len()
	st.AccurateQueue = p.outputs.Queue(caption.KindAccurate).Len()
	st.FramesDropped = p.frames.Dropped()
	st.EventsDropped = p.events.Dropped()
	return st
}

func (p *Pipeline) emitFrame(f audio.Frame) {
	if p.frames.Put(f) {
		p.metrics.frameDropped()
	}
}

func (p *Pipeline) emitEvent(ev vad.Event) {
	p.pending.Add(1)
	dropped := p.events.Put(ev)
	if dropped {
		p.pending.Add(-1)
	}
	p.metrics.eventEmitted(ev.Kind, dropped)
}

// waitFrame is the frame emit for finite sources: it waits for room in the
// frame queue rather than dropping the oldest frame.
func (p *Pipeline) waitFrame(ctx context.Context) func(audio.Frame) {
	return func(f audio.Frame) {
		if err := p.frames.PutWait(ctx, f); err != nil {
			p.metrics.frameDropped()
		}
	}
}

func (p *Pipeline) waitEvent(ctx context.Context) func(vad.Event) {
	return func(ev vad.Event) {
		p.pending.Add(1)
		err := p.events.PutWait(ctx, ev)
		if err != nil {
			p.pending.Add(-1)
		}
		p.metrics.eventEmitted(ev.Kind, err != nil)
	}
}

func (p *Pipeline) observer() stt.Observer {
	if p.metrics == nil {
		return nil
	}
	return p.metrics
}

func (p *Pipeline) pollInterval() time.Duration {
	if p.cfg.Pipeline.PollIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(p.cfg.Pipeline.PollIntervalMS) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
