package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer is an in-process NATS broker with JetStream, so a single
// captiond binary can publish captions and transcript batches without an
// external server.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches the broker. It returns nil, nil when the bus is configured
// to use external servers.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "nats"))

	opts := &server.Options{
		ServerName: "loqa-captions",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		NoLog:      true,
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.StoreDir == "" {
		opts.StoreDir = "./data/nats"
	}
	if cfg.MaxStoreMB > 0 {
		opts.JetStreamMaxStore = cfg.MaxStoreMB << 20
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	} else if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server not ready within " + readyTimeout.String())
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", opts.StoreDir),
		slog.Int64("max_store_bytes", opts.JetStreamMaxStore))

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Healthy reports whether the broker still accepts connections.
func (e *EmbeddedServer) Healthy() bool {
	return e != nil && e.ns != nil && e.ns.Running()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
