package main

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/drblury/servicemesh/internal/runtime"
)

type produceFlags struct {
	data    string
	msgID   string
	headers map[string]string
}

func (f *produceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.data, "data", "{}", "message payload as JSON")
	cmd.Flags().StringVar(&f.msgID, "msg-id", "", "deduplication id, a ULID when empty")
	cmd.Flags().StringToStringVar(&f.headers, "header", nil, "message headers as key=value")
}

func (f *produceFlags) payload(s *session) ([]byte, error) {
	var v any
	if err := sonic.ConfigStd.UnmarshalFromString(f.data, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return s.mesh.Serializer().Serialize(v, true)
}

func (f *produceFlags) options() []runtime.PublishOption {
	var opts []runtime.PublishOption
	if f.msgID != "" {
		opts = append(opts, runtime.WithMsgID(f.msgID))
	}
	for k, v := range f.headers {
		opts = append(opts, runtime.WithHeader(k, v))
	}
	return opts
}

func newPublishCommand(s *session) *cobra.Command {
	flags := &produceFlags{}
	cmd := &cobra.Command{
		Use:   "publish <subject>",
		Short: "Store a message in the JetStream stream capturing its subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := flags.payload(s)
			if err != nil {
				return err
			}
			ctx, cancel := s.context(cmd)
			defer cancel()
			if err := s.mesh.PublishRaw(ctx, args[0], data, flags.options()...); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "published to %s\n", args[0])
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newSendCommand(s *session) *cobra.Command {
	flags := &produceFlags{}
	cmd := &cobra.Command{
		Use:   "send <subject>",
		Short: "Broadcast a message to the current subscribers of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := flags.payload(s)
			if err != nil {
				return err
			}
			ctx, cancel := s.context(cmd)
			defer cancel()
			if err := s.mesh.SendRaw(ctx, args[0], data, flags.options()...); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "sent to %s\n", args[0])
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
