package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/handoff"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/pipeline"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/transcript"
	"github.com/loqalabs/loqa-captions/internal/vad"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	transcript *transcript.Log
	pipeline   *pipeline.Pipeline
	hub        *hub
	vocabSub   *nats.Subscription
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.build(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	if r.cfg.Pipeline.AutoStart {
		if session, err := r.pipeline.Start(ctx); err != nil {
			r.logger.Error("auto start failed", slogError(err))
		} else {
			r.logger.Info("captioning auto-started", slog.String("session_id", session))
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

// build wires every component. It is separate from Start so tests can drive
// the HTTP API without listeners or telemetry exporters.
func (r *Runtime) build(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			srv, err := natsserver.Start(busCfg, r.logger)
			if err != nil {
				return err
			}
			r.nats = srv
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	if path := r.cfg.Captions.TranscriptPath; path != "" {
		log, err := transcript.Open(path)
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		r.transcript = log
	}

	scorer, err := vad.NewScorer(r.cfg.VAD, r.logger)
	if err != nil {
		return fmt.Errorf("create speech scorer: %w", err)
	}
	partial, err := stt.NewDecoder(r.cfg.STT.Partial, r.cfg.Audio.SampleRate, r.logger)
	if err != nil {
		return fmt.Errorf("create partial decoder: %w", err)
	}
	final, err := stt.NewDecoder(r.cfg.STT.Final, r.cfg.Audio.SampleRate, r.logger)
	if err != nil {
		partial.Close()
		return fmt.Errorf("create final decoder: %w", err)
	}

	hooks := []pipeline.SessionHook{storeHook{store}}
	var notes *handoff.Publisher
	if r.bus != nil && r.cfg.Captions.HandoffEnabled {
		notes, err = handoff.New(r.bus, r.cfg.Captions.HandoffBatch, r.logger)
		if err != nil {
			r.logger.Warn("transcript handoff disabled", slogError(err))
		} else {
			hooks = append(hooks, notes)
		}
	}

	audioCfg := r.cfg.Audio
	p, err := pipeline.New(r.cfg, pipeline.Deps{
		Source: func() (audio.Source, error) {
			return audio.NewSource(audioCfg, r.bus, r.logger)
		},
		Scorer:     scorer,
		Partial:    partial,
		Final:      final,
		Transcript: r.transcript,
		Hooks:      hooks,
		Logger:     r.logger,
	})
	if err != nil {
		partial.Close()
		final.Close()
		return err
	}
	r.pipeline = p

	p.RegisterAccurate(store.Sink(context.WithoutCancel(ctx)))
	r.hub = newHub(r.logger)
	p.RegisterPartial(r.hub)
	p.RegisterAccurate(r.hub)
	if r.bus != nil {
		sink := caption.NewBusSink(r.bus)
		p.RegisterPartial(sink)
		p.RegisterAccurate(sink)
		if notes != nil {
			p.RegisterAccurate(notes)
		}
		sub, err := r.bus.Conn().Subscribe(protocol.SubjectVocabularyControl, r.handleVocabularyMsg)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", protocol.SubjectVocabularyControl, err)
		}
		r.vocabSub = sub
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slogError(err))
		}
	}()
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.hub != nil {
		r.hub.close()
	}
	if r.vocabSub != nil {
		_ = r.vocabSub.Drain()
	}
	if r.pipeline != nil {
		if err := r.pipeline.Close(shutdownCtx); err != nil {
			r.logger.Error("pipeline shutdown error", slogError(err))
		}
	}
	if r.transcript != nil {
		if err := r.transcript.Close(); err != nil {
			r.logger.Warn("transcript close error", slogError(err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slogError(err))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) handleVocabularyMsg(msg *nats.Msg) {
	var hint protocol.VocabularyHint
	if err := json.Unmarshal(msg.Data, &hint); err != nil {
		r.logger.Warn("invalid vocabulary hint", slogError(err))
		return
	}
	r.pipeline.SetVocabularyHint(hint.Text)
}

// storeHook records session boundaries in the event store.
type storeHook struct {
	store *eventstore.Store
}

func (h storeHook) SessionStarted(ctx context.Context, sessionID, vocabulary string) error {
	return h.store.OpenSession(ctx, sessionID, vocabulary)
}

func (h storeHook) SessionStopped(ctx context.Context, sessionID string) error {
	return h.store.CloseSession(ctx, sessionID)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
