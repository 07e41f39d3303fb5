package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/drblury/servicemesh/internal/runtime/config"
	"github.com/drblury/servicemesh/internal/runtime/logging"
)

// Factory abstracts how the mesh opens its broker connection.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger logging.ServiceLogger) (Conn, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger logging.ServiceLogger) (Conn, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger logging.ServiceLogger) (Conn, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory selects the broker from conf.PubSubSystem.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(_ context.Context, conf *config.Config, logger logging.ServiceLogger) (Conn, error) {
	if conf == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch strings.ToLower(conf.PubSubSystem) {
	case config.PubSubNATS, "":
		return Connect(conf, logger)
	case config.PubSubMemory:
		return NewEmbedded(conf, logger)
	}
	return nil, fmt.Errorf("unknown transport: %q", conf.PubSubSystem)
}
