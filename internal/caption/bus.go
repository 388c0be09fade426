package caption

import (
	"log/slog"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// BusSink publishes captions as JSON on caption.partial or caption.accurate.
type BusSink struct {
	client *bus.Client
}

func NewBusSink(client *bus.Client) *BusSink {
	return &BusSink{client: client}
}

func (s *BusSink) Deliver(c Caption) {
	subject := protocol.SubjectCaptionPartial
	if c.Kind == KindAccurate {
		subject = protocol.SubjectCaptionAccurate
	}
	if err := s.client.PublishJSON(subject, c); err != nil {
		s.client.Logger().Warn("failed to publish caption", slog.String("error", err.Error()))
	}
}
