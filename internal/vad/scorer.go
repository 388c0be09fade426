package vad

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/mattn/go-shellwords"
)

// Scorer maps one frame to a speech probability in [0, 1].
type Scorer interface {
	Open() error
	Score(frame audio.Frame) (float64, error)
	Close() error
}

// NewScorer builds the scorer selected by cfg.Mode.
func NewScorer(cfg config.VADConfig, logger *slog.Logger) (Scorer, error) {
	switch cfg.Mode {
	case "energy":
		return NewEnergyScorer(cfg.EnergyFloorDB, cfg.EnergyCeilDB), nil
	case "exec":
		return NewProcessScorer(cfg.Command, logger)
	default:
		return nil, fmt.Errorf("unknown vad mode %q", cfg.Mode)
	}
}

// EnergyScorer maps frame loudness linearly from floorDB (probability 0) to
// ceilDB (probability 1).
type EnergyScorer struct {
	floorDB float64
	ceilDB  float64
}

func NewEnergyScorer(floorDB, ceilDB float64) *EnergyScorer {
	if ceilDB <= floorDB {
		floorDB, ceilDB = -50, -20
	}
	return &EnergyScorer{floorDB: floorDB, ceilDB: ceilDB}
}

func (e *EnergyScorer) Open() error  { return nil }
func (e *EnergyScorer) Close() error { return nil }

func (e *EnergyScorer) Score(frame audio.Frame) (float64, error) {
	if len(frame) == 0 {
		return 0, errors.New("empty frame")
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms <= 0 {
		return 0, nil
	}
	db := 20 * math.Log10(rms)
	p := (db - e.floorDB) / (e.ceilDB - e.floorDB)
	return math.Max(0, math.Min(1, p)), nil
}

// ProcessScorer delegates scoring to a long-lived child process. Each frame
// is written to its stdin as little-endian float32 samples and the process
// answers with one probability per line on stdout.
type ProcessScorer struct {
	args   []string
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	buf    []byte
}

func NewProcessScorer(command string, logger *slog.Logger) (*ProcessScorer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse vad command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("vad command is empty")
	}
	return &ProcessScorer{
		args:   args,
		logger: logger.With(slog.String("component", "vad_exec")),
	}, nil
}

func (p *ProcessScorer) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return nil
	}
	cmd := exec.Command(p.args[0], p.args[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("vad stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("vad stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start vad command: %w", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.reader = bufio.NewReader(stdout)
	p.logger.Info("vad scorer started", slog.String("command", p.args[0]), slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (p *ProcessScorer) Score(frame audio.Frame) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return 0, errors.New("vad scorer not running")
	}
	if need := len(frame) * 4; cap(p.buf) < need {
		p.buf = make([]byte, need)
	}
	buf := p.buf[:len(frame)*4]
	for i, s := range frame {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	if _, err := p.stdin.Write(buf); err != nil {
		return 0, fmt.Errorf("write frame to vad: %w", err)
	}
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("read vad score: %w", err)
	}
	prob, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil {
		return 0, fmt.Errorf("parse vad score %q: %w", strings.TrimSpace(line), err)
	}
	if prob < 0 || prob > 1 || math.IsNaN(prob) {
		return 0, fmt.Errorf("vad score %v out of range", prob)
	}
	return prob, nil
}

// Close ends the child process. Closing stdin asks it to exit; it is killed
// if it is still running shortly after.
func (p *ProcessScorer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return nil
	}
	cmd := p.cmd
	p.cmd = nil
	_ = p.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	select {
	case <-exited:
		return nil
	case <-time.After(500 * time.Millisecond):
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill vad process: %w", err)
	}
	<-exited
	return nil
}
