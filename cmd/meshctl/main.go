// Command meshctl inspects and drives a service mesh from the shell: it
// publishes messages, calls RPC methods and administers the JetStream
// streams and consumers the mesh reconciles.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/servicemesh/internal/runtime"
	"github.com/drblury/servicemesh/internal/runtime/codec"
	"github.com/drblury/servicemesh/internal/runtime/config"
	"github.com/drblury/servicemesh/internal/runtime/logging"
	"github.com/drblury/servicemesh/internal/runtime/transport"
)

type options struct {
	configPath string
	natsURL    string
	codecName  string
	timeout    time.Duration
	verbose    bool
}

// session is the connection state shared by the subcommands.
type session struct {
	mesh    *runtime.Mesh
	out     io.Writer
	timeout time.Duration
}

// dial opens the broker connection; tests replace it.
var dial = func(ctx context.Context, conf *config.Config, logger logging.ServiceLogger) (transport.Conn, error) {
	return transport.DefaultFactory().Build(ctx, conf, logger)
}

func main() {
	s := &session{out: os.Stdout}
	err := newRootCommand(s).Execute()
	if cerr := s.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(s *session) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "meshctl",
		Short:         "Service mesh command line interface",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Parent() == nil {
				return nil
			}
			return s.open(commandContext(cmd), opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.natsURL, "nats-url", "", "NATS server URL, overrides the config file")
	root.PersistentFlags().StringVar(&opts.codecName, "codec", "json", "payload codec: json or msgpack")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout for each broker operation")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log connection events")

	root.AddCommand(newPublishCommand(s))
	root.AddCommand(newSendCommand(s))
	root.AddCommand(newRequestCommand(s))
	root.AddCommand(newWatchCommand(s))
	root.AddCommand(newStreamInfoCommand(s))
	root.AddCommand(newConsumersCommand(s))
	root.AddCommand(newDeleteConsumerCommand(s))

	return root
}

func (s *session) open(ctx context.Context, opts *options) error {
	conf := &config.Config{}
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		conf = loaded
	}
	if opts.natsURL != "" {
		conf.NATSURL = opts.natsURL
	}
	conf = conf.WithDefaults()

	c, ok := codec.ByName(opts.codecName)
	if !ok {
		return fmt.Errorf("unknown codec %q", opts.codecName)
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	conn, err := dial(ctx, conf, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	// A client only mesh: no reconciliation, no listeners.
	conf.DeveloperMode = true
	conf.MetricsEnabled = false
	mesh, err := runtime.New(ctx, conf, logger, runtime.Dependencies{Conn: conn, Codec: c})
	if err != nil {
		_ = conn.Close()
		return err
	}
	s.mesh = mesh
	s.timeout = opts.timeout
	return nil
}

func (s *session) close() error {
	if s.mesh == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err := s.mesh.Stop(ctx)
	s.mesh = nil
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (s *session) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(commandContext(cmd), s.timeout)
}
