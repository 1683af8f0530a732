package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joshp123/pecronhub/internal/config"
)

type options struct {
	addr    string
	json    bool
	timeout time.Duration
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "pecronhub-cli",
		Short:         "Inspect and control a running pecronhub over gRPC",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "gRPC address (default: $PECRONHUB_GRPC_ADDR, then config core.grpc_addr)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 90*time.Second, "per-command timeout")

	cmd.AddCommand(
		accountsCmd(opts),
		devicesCmd(opts),
		deviceCmd(opts),
		setCmd(opts),
		notificationsCmd(opts),
		refreshCmd(opts),
		watchCmd(opts),
		servicesCmd(opts),
		methodsCmd(opts),
		callCmd(opts),
	)
	return cmd
}

// dial connects and runs fn with a reflection-backed descriptor source.
func (o *options) dial(ctx context.Context, fn func(ctx context.Context, r *rpc) error) error {
	addr := o.addr
	if addr == "" {
		addr = resolveAddr()
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := grpcurl.BlockingDial(dialCtx, "tcp", addr, insecure.NewCredentials())
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	return fn(ctx, newRPC(ctx, conn))
}

func resolveAddr() string {
	if value := os.Getenv("PECRONHUB_GRPC_ADDR"); value != "" {
		return value
	}
	for _, path := range configSearchPaths() {
		if addr := addrFromConfig(path); addr != "" {
			return addr
		}
	}
	return "localhost:9000"
}

func configSearchPaths() []string {
	var paths []string
	if value := os.Getenv("PECRONHUB_CONFIG"); value != "" {
		paths = append(paths, value)
	}
	paths = append(paths, config.DefaultPath)
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "pecronhub", "config.yaml"))
	}
	return paths
}

func addrFromConfig(path string) string {
	cfg, err := config.Load(path)
	if err != nil || cfg == nil {
		return ""
	}
	return cfg.Core.GRPCAddr
}
