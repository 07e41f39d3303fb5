package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStreamInfoCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "stream-info <stream>",
		Short: "Print the configuration and state of a JetStream stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.context(cmd)
			defer cancel()
			streams := s.mesh.Conn().Streams()
			cfg, err := streams.StreamConfig(ctx, args[0])
			if err != nil {
				return err
			}
			state, err := streams.StreamState(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(s, map[string]any{"config": cfg, "state": state})
		},
	}
}

func newConsumersCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "consumers <stream>",
		Short: "List the durable consumers of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.context(cmd)
			defer cancel()
			streams := s.mesh.Conn().Streams()
			names, err := streams.ConsumerNames(ctx, args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDELIVER\tMAX DELIVER\tACK WAIT\tFILTER")
			for _, name := range names {
				cfg, err := streams.ConsumerConfig(ctx, args[0], name)
				if err != nil {
					return fmt.Errorf("consumer %s: %w", name, err)
				}
				filters := cfg.FilterSubjects
				if cfg.FilterSubject != "" {
					filters = append([]string{cfg.FilterSubject}, filters...)
				}
				fmt.Fprintf(w, "%s\t%v\t%d\t%s\t%s\n", name, cfg.DeliverPolicy, cfg.MaxDeliver, cfg.AckWait, strings.Join(filters, ","))
			}
			return w.Flush()
		},
	}
}

func newDeleteConsumerCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-consumer <stream> <name>",
		Short: "Delete a durable consumer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.context(cmd)
			defer cancel()
			if err := s.mesh.Conn().Streams().DeleteConsumer(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "deleted consumer %s on %s\n", args[1], args[0])
			return nil
		},
	}
}
