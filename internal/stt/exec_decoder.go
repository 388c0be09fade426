package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/mattn/go-shellwords"
)

// execDecoder runs an external recognizer once per call. The audio is handed
// over as a WAV file and the command prints a JSON result on stdout.
type execDecoder struct {
	cmd        []string
	cfg        config.DecoderConfig
	sampleRate int
	mu         sync.Mutex
}

type execResult struct {
	Text         string  `json:"text"`
	NoSpeechProb float64 `json:"no_speech_prob"`
	AvgLogProb   float64 `json:"avg_logprob"`
}

func NewExecDecoder(cfg config.DecoderConfig, sampleRate int) (Decoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execDecoder{cmd: args, cfg: cfg, sampleRate: sampleRate}, nil
}

func (d *execDecoder) Decode(ctx context.Context, samples []float32, opts Options) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	file, err := os.CreateTemp("", "captions_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, samples, d.sampleRate); err != nil {
		return Result{}, err
	}

	command := exec.CommandContext(ctx, d.cmd[0], d.args(file.Name(), opts)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return Result{Text: resp.Text, NoSpeechProb: resp.NoSpeechProb, AvgLogProb: resp.AvgLogProb}, nil
}

func (d *execDecoder) args(wavPath string, opts Options) []string {
	args := append([]string{}, d.cmd[1:]...)
	args = append(args, "--audio", wavPath)
	if d.cfg.ModelPath != "" {
		args = append(args, "--model", d.cfg.ModelPath)
	}
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	args = append(args,
		"--beam-size", strconv.Itoa(opts.BeamSize),
		"--patience", strconv.FormatFloat(opts.Patience, 'f', -1, 64),
		"--temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64),
	)
	if opts.Prompt != "" {
		args = append(args, "--prompt", opts.Prompt)
	}
	if opts.ConditionOnPrevious {
		args = append(args, "--condition-on-previous")
	}
	if opts.VADFilter {
		args = append(args, "--vad-filter")
	}
	return args
}

func (d *execDecoder) Close() error { return nil }
