package handoff

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// Publisher batches accurate captions into plain-text transcript chunks for
// downstream note-taking consumers. It is both a caption sink and a session
// hook: stopping a session flushes whatever is buffered.
type Publisher struct {
	bus    *bus.Client
	batch  int
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	session string
	lines   []string
}

func New(client *bus.Client, batch int, logger *slog.Logger) (*Publisher, error) {
	if batch <= 0 {
		batch = 1
	}
	if err := client.EnsureStream(protocol.StreamNotes, protocol.SubjectNotesTranscript); err != nil {
		return nil, err
	}
	return &Publisher{
		bus:    client,
		batch:  batch,
		logger: logger.With(slog.String("component", "handoff")),
		now:    time.Now,
	}, nil
}

func (p *Publisher) Deliver(c caption.Caption) {
	if c.Kind != caption.KindAccurate || strings.TrimSpace(c.Text) == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.SessionID != "" && c.SessionID != p.session {
		p.flushLocked()
		p.session = c.SessionID
	}
	p.lines = append(p.lines, strings.TrimSpace(c.Text))
	if len(p.lines) >= p.batch {
		p.flushLocked()
	}
}

func (p *Publisher) SessionStarted(_ context.Context, sessionID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
	p.session = sessionID
	return nil
}

func (p *Publisher) SessionStopped(_ context.Context, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

// Flush publishes buffered lines immediately.
func (p *Publisher) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *Publisher) flushLocked() error {
	if len(p.lines) == 0 {
		return nil
	}
	batch := protocol.TranscriptBatch{
		SessionID: p.session,
		Text:      strings.Join(p.lines, " "),
		Lines:     p.lines,
		Timestamp: p.now().UTC(),
	}
	p.lines = nil
	if err := p.bus.PublishJSON(protocol.SubjectNotesTranscript, batch); err != nil {
		p.logger.Warn("transcript handoff failed", slog.String("error", err.Error()), slog.Int("lines", len(batch.Lines)))
		return err
	}
	p.logger.Debug("transcript handed off", slog.String("session_id", batch.SessionID), slog.Int("lines", len(batch.Lines)))
	return nil
}
