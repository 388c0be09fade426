// Package transcript appends accepted captions to a line-oriented log.
package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Log is an append-only transcript file. Each line has the form
// "[HH:MM:SS] text".
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open creates the parent directory if needed and opens path for appending.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create transcript dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return &Log{path: path, file: file}, nil
}

func (l *Log) Path() string {
	return l.path
}

// Append writes one line. Newlines inside text are folded to spaces so every
// caption stays on its own line.
func (l *Log) Append(at time.Time, text string) error {
	line := fmt.Sprintf("[%s] %s\n", at.Local().Format("15:04:05"), strings.Join(strings.Fields(text), " "))
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
