package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecSource captures raw mono PCM16LE from a child process, such as
// `arecord -t raw -f S16_LE`, reading it from the process stdout.
type ExecSource struct {
	cfg    config.AudioConfig
	args   []string
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
	done   chan struct{}
	closed bool
}

func NewExecSource(cfg config.AudioConfig, logger *slog.Logger) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("audio command is empty")
	}
	return &ExecSource{
		cfg:    cfg,
		args:   args,
		logger: logger.With(slog.String("component", "audio_exec")),
		done:   make(chan struct{}),
	}, nil
}

func (s *ExecSource) Open(ctx context.Context, emit func(Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cmd != nil {
		return ErrSourceClosed
	}

	cmd := exec.Command(s.args[0], s.args[1:]...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}
	s.cmd = cmd
	s.exited = make(chan struct{})
	s.logger.Info("capture started", slog.String("command", s.args[0]), slog.Int("pid", cmd.Process.Pid))

	go s.read(ctx, stdout, emit)
	return nil
}

func (s *ExecSource) read(ctx context.Context, r io.Reader, emit func(Frame)) {
	defer close(s.done)
	framer := NewFramer(s.cfg.FrameSamples())
	buf := make([]byte, s.cfg.FrameSamples()*2)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			even := len(chunk) &^ 1
			samples, _ := PCM16ToFloat32(chunk[:even])
			carry = append([]byte(nil), chunk[even:]...)
			if ctx.Err() == nil {
				framer.Push(samples, emit)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("capture read failed", slogError(err))
			}
			break
		}
	}
	err := s.cmd.Wait()
	close(s.exited)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("capture command exited", slogError(err))
	}
}

// Close stops the capture process. It sends an interrupt first and kills the
// process if it has not exited within the configured stop timeout.
func (s *ExecSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		close(s.done)
		return nil
	}

	timeout := time.Duration(s.cfg.StopTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("interrupt capture failed", slogError(err))
	}
	select {
	case <-exited:
		return nil
	case <-time.After(timeout):
	}

	s.logger.Warn("capture did not stop, killing", slog.Duration("timeout", timeout))
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill capture process: %w", err)
	}
	select {
	case <-exited:
		return nil
	case <-time.After(timeout):
		return errors.New("capture process did not exit after kill")
	}
}

func (s *ExecSource) Done() <-chan struct{} {
	return s.done
}
