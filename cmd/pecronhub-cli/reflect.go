package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fullstorydev/grpcurl"
	"github.com/spf13/cobra"
)

func servicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List gRPC services exposed via reflection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.dial(cmd.Context(), func(_ context.Context, r *rpc) error {
				services, err := grpcurl.ListServices(r.source)
				if err != nil {
					return fmt.Errorf("list services: %w", err)
				}
				for _, service := range services {
					fmt.Fprintln(cmd.OutOrStdout(), service)
				}
				return nil
			})
		},
	}
}

func methodsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "methods [service]",
		Short: "List a service's methods",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := serviceName
			if len(args) == 1 {
				service = args[0]
			}
			return opts.dial(cmd.Context(), func(_ context.Context, r *rpc) error {
				methods, err := grpcurl.ListMethods(r.source, service)
				if err != nil {
					return fmt.Errorf("list methods: %w", err)
				}
				for _, method := range methods {
					fmt.Fprintln(cmd.OutOrStdout(), method)
				}
				return nil
			})
		},
	}
}

func callCmd(opts *options) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "call <service/method>",
		Short: "Invoke any method with a JSON body (--data or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reader io.Reader
			switch {
			case data != "":
				reader = strings.NewReader(data)
			case isStdinTerminal():
				reader = strings.NewReader("{}")
			default:
				reader = os.Stdin
			}
			return opts.dial(cmd.Context(), func(ctx context.Context, r *rpc) error {
				return r.invoke(ctx, args[0], reader, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON request body")
	return cmd
}

func isStdinTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return true
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
