package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
)

// ErrSourceClosed is returned when a closed source is reopened.
var ErrSourceClosed = errors.New("audio source closed")

// Source delivers fixed-size frames to emit from a single goroutine until it
// is closed or the input ends. Open returns once capture is running.
type Source interface {
	Open(ctx context.Context, emit func(Frame)) error
	Close() error
	// Done is closed once the source stops producing frames.
	Done() <-chan struct{}
}

// Finite is implemented by sources that replay bounded input. When Finite
// reports true the consumer applies backpressure to emit instead of dropping
// frames, since nothing is lost by waiting.
type Finite interface {
	Finite() bool
}

// NewSource builds the source selected by cfg.Source. busClient is only used
// for the bus source.
func NewSource(cfg config.AudioConfig, busClient *bus.Client, logger *slog.Logger) (Source, error) {
	switch cfg.Source {
	case "exec":
		return NewExecSource(cfg, logger)
	case "wav":
		return NewWAVSource(cfg, logger), nil
	case "bus":
		if busClient == nil {
			return nil, errors.New("audio source bus requires bus.enabled")
		}
		return NewBusSource(cfg, busClient, logger), nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
