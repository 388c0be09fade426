//go:build whisper_cpp

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime"
	"strings"
	"sync"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-captions/internal/config"
)

type whisperDecoder struct {
	model   whisperpkg.Model
	threads uint
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewWhisperDecoder loads a ggml model for in-process decoding.
func NewWhisperDecoder(cfg config.DecoderConfig, logger *slog.Logger) (Decoder, error) {
	model, err := whisperpkg.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", cfg.ModelPath, err)
	}
	threads := uint(runtime.NumCPU())
	if cfg.Threads > 0 {
		threads = uint(cfg.Threads)
	}
	logger.Info("whisper model loaded", slog.String("model", cfg.ModelPath), slog.Uint64("threads", uint64(threads)))
	return &whisperDecoder{model: model, threads: threads, logger: logger}, nil
}

func (d *whisperDecoder) Decode(ctx context.Context, samples []float32, opts Options) (Result, error) {
	if len(samples) == 0 {
		return Result{}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	wctx, err := d.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create context: %w", err)
	}
	wctx.SetThreads(d.threads)
	if opts.Language != "" {
		if err := wctx.SetLanguage(opts.Language); err != nil {
			return Result{}, fmt.Errorf("set language %s: %w", opts.Language, err)
		}
	}
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	wctx.SetTemperature(float32(opts.Temperature))
	if opts.Prompt != "" {
		wctx.SetInitialPrompt(opts.Prompt)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("process audio: %w", err)
	}

	var (
		texts  []string
		logSum float64
		tokens int
	)
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			texts = append(texts, text)
		}
		for _, tok := range seg.Tokens {
			if tok.P > 0 {
				logSum += math.Log(float64(tok.P))
				tokens++
			}
		}
	}

	res := Result{Text: strings.Join(texts, " ")}
	if tokens > 0 {
		res.AvgLogProb = logSum / float64(tokens)
	}
	return res, nil
}

func (d *whisperDecoder) Close() error {
	if d.model != nil {
		return d.model.Close()
	}
	return nil
}
