package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/pipeline"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/transcript"
	"github.com/loqalabs/loqa-captions/internal/vad"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'replay' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		var configPath string
		validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
		validateCmd.StringVar(&configPath, "config", "captions.yaml", "Path to configuration file")
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "replay":
		var (
			configPath string
			wavPath    string
			partials   bool
			realtime   bool
			verbose    bool
		)
		replayCmd := flag.NewFlagSet("replay", flag.ExitOnError)
		replayCmd.StringVar(&configPath, "config", "", "Path to configuration file (defaults when empty)")
		replayCmd.StringVar(&wavPath, "wav", "", "WAV file to caption")
		replayCmd.BoolVar(&partials, "partials", false, "Also print partial captions")
		replayCmd.BoolVar(&realtime, "realtime", false, "Pace frames at capture speed")
		replayCmd.BoolVar(&verbose, "v", false, "Log pipeline activity to stderr")
		replayCmd.Parse(os.Args[2:])
		if err := runReplay(configPath, wavPath, partials, realtime, verbose, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runReplay captions a WAV file offline and prints accurate captions as
// transcript lines.
func runReplay(configPath, wavPath string, partials, realtime, verbose bool, out io.Writer) error {
	if wavPath == "" {
		return errors.New("replay requires -wav")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Audio.Source = "wav"
	cfg.Audio.WAVPath = wavPath
	cfg.Audio.Realtime = realtime
	cfg.Bus.Enabled = false

	level := slog.LevelWarn
	if verbose {
		level = cfg.Telemetry.SlogLevel()
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	scorer, err := vad.NewScorer(cfg.VAD, logger)
	if err != nil {
		return err
	}
	partial, err := stt.NewDecoder(cfg.STT.Partial, cfg.Audio.SampleRate, logger)
	if err != nil {
		return err
	}
	final, err := stt.NewDecoder(cfg.STT.Final, cfg.Audio.SampleRate, logger)
	if err != nil {
		partial.Close()
		return err
	}

	var log *transcript.Log
	if cfg.Captions.TranscriptPath != "" {
		if log, err = transcript.Open(cfg.Captions.TranscriptPath); err != nil {
			return err
		}
		defer log.Close()
	}

	p, err := pipeline.New(cfg, pipeline.Deps{
		Source:     func() (audio.Source, error) { return audio.NewWAVSource(cfg.Audio, logger), nil },
		Scorer:     scorer,
		Partial:    partial,
		Final:      final,
		Transcript: log,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	p.RegisterAccurate(caption.SinkFunc(func(c caption.Caption) {
		fmt.Fprintf(out, "[%s] %s\n", c.Timestamp(), c.Text)
	}))
	if partials {
		p.RegisterPartial(caption.SinkFunc(func(c caption.Caption) {
			fmt.Fprintf(out, "  ~ %s\n", c.Text)
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := p.Start(ctx); err != nil {
		p.Close(context.Background())
		return err
	}
	drainErr := p.Drain(ctx)
	closeErr := p.Close(context.Background())
	if drainErr != nil && !errors.Is(drainErr, context.Canceled) {
		return drainErr
	}
	return closeErr
}
