package transport

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/drblury/servicemesh/internal/runtime/config"
	"github.com/drblury/servicemesh/internal/runtime/logging"
)

// EmbeddedStartTimeout bounds how long NewEmbedded waits for the server.
var EmbeddedStartTimeout = 5 * time.Second

// Embedded runs a JetStream enabled nats-server inside the process. The
// server does not listen on the network; the connection reaches it in
// process.
type Embedded struct {
	*NATS
	server *server.Server
	dir    string
}

// NewEmbedded starts a private server whose store lives in a temporary
// directory removed by Close.
func NewEmbedded(conf *config.Config, logger logging.ServiceLogger) (*Embedded, error) {
	dir, err := os.MkdirTemp("", "servicemesh-jetstream-")
	if err != nil {
		return nil, fmt.Errorf("embedded nats: %w", err)
	}
	ns, err := server.NewServer(&server.Options{
		ServerName: "servicemesh-embedded",
		DontListen: true,
		JetStream:  true,
		StoreDir:   dir,
		NoSigs:     true,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("embedded nats: %w", err)
	}
	ns.SetLogger(serverLogger{log: logger.With(logging.LogFields{"component": "nats-server"})}, false, false)

	go ns.Start()
	if !ns.ReadyForConnections(EmbeddedStartTimeout) {
		ns.Shutdown()
		_ = os.RemoveAll(dir)
		return nil, errors.New("embedded nats: server not ready")
	}

	opts := []nats.Option{nats.InProcessServer(ns)}
	if conf != nil && conf.ConnectionName != "" {
		opts = append(opts, nats.Name(conf.ConnectionName))
	}
	nc, err := nats.Connect(ns.ClientURL(), opts...)
	if err != nil {
		ns.Shutdown()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("embedded nats: %w", err)
	}
	n, err := NewNATS(nc, logger)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &Embedded{NATS: n, server: ns, dir: dir}, nil
}

// Close disconnects, shuts the server down and removes its store. It is
// safe to call more than once.
func (e *Embedded) Close() error {
	e.nc.Close()
	e.server.Shutdown()
	e.server.WaitForShutdown()
	return os.RemoveAll(e.dir)
}

// serverLogger routes nats-server logs into the mesh logger.
type serverLogger struct {
	log logging.ServiceLogger
}

func (l serverLogger) Noticef(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...), nil)
}

func (l serverLogger) Warnf(format string, v ...any) {
	l.log.Info(fmt.Sprintf(format, v...), logging.LogFields{"severity": "warn"})
}

func (l serverLogger) Fatalf(format string, v ...any) {
	l.log.Error("nats-server fatal", fmt.Errorf(format, v...), nil)
}

func (l serverLogger) Errorf(format string, v ...any) {
	l.log.Error("nats-server error", fmt.Errorf(format, v...), nil)
}

func (l serverLogger) Debugf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...), nil)
}

func (l serverLogger) Tracef(format string, v ...any) {
	l.log.Trace(fmt.Sprintf(format, v...), nil)
}
