package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/joshp123/pecronhub/internal/pecron"
)

const checkTimeout = 30 * time.Second

// checkCmd validates the config and, unless --offline, logs in to every
// account and lists its devices.
func checkCmd(f *flags) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and test each account's credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %d account(s)\n", len(cfg.Accounts))
			if offline {
				return nil
			}

			failed := 0
			for _, acct := range cfg.Accounts {
				client, err := newClient(acct, cfg.Tuning, logr.Discard())
				if err != nil {
					return err
				}
				var devices []pecron.DeviceStub
				err = withTimeout(cmd.Context(), func(ctx context.Context) error {
					var err error
					devices, err = client.ListDevices(ctx)
					return err
				})
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s\tFAILED\t%v\n", acct.ID, err)
					continue
				}
				fmt.Fprintf(out, "%s\tOK\t%d device(s)\n", acct.ID, len(devices))
				for _, d := range devices {
					fmt.Fprintf(out, "  %s\t%s\t%s\tonline=%t\n", d.ID, d.Model, d.Name, d.Online)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d account(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "only validate the config file")
	return cmd
}
