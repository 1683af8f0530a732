package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type accountSummary struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	HealthMessage string `json:"health_message"`
}

type device struct {
	Account    string         `json:"account"`
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Name       string         `json:"name"`
	Online     bool           `json:"online"`
	LastPoll   string         `json:"last_poll"`
	State      string         `json:"power_state"`
	Properties map[string]any `json:"properties"`
	Pending    []string       `json:"pending"`
}

type notification struct {
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	DeviceID string `json:"device_id"`
	Raised   string `json:"raised"`
}

func (o *options) out(cmd *cobra.Command) output {
	return output{w: cmd.OutOrStdout(), json: o.json}
}

func accountsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List configured accounts and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.dial(cmd.Context(), func(ctx context.Context, r *rpc) error {
				var resp struct {
					Status   string           `json:"status"`
					Accounts []accountSummary `json:"accounts"`
				}
				if err := r.call(ctx, "ListAccounts", map[string]any{}, &resp); err != nil {
					return err
				}
				out := opts.out(cmd)
				if out.json {
					return out.printJSON(resp)
				}
				rows := [][]string{{"ACCOUNT", "STATUS", "MESSAGE"}}
				for _, a := range resp.Accounts {
					rows = append(rows, []string{a.ID, a.Status, a.HealthMessage})
				}
				return out.table(rows)
			})
		},
	}
}

func listDevices(ctx context.Context, r *rpc, account string) ([]device, error) {
	var resp struct {
		Devices []device `json:"devices"`
	}
	if err := r.call(ctx, "ListDevices", map[string]any{"account": account}, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

func devicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices <account>",
		Short: "List an account's devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.dial(cmd.Context(), func(ctx context.Context, r *rpc) error {
				devices, err := listDevices(ctx, r, args[0])
				if err != nil {
					return err
				}
				out := opts.out(cmd)
				if out.json {
					return out.printJSON(devices)
				}
				rows := [][]string{{"NAME", "ID", "MODEL", "ONLINE", "BATTERY", "STATE"}}
				for _, d := range devices {
					rows = append(rows, []string{
						d.Name, d.ID, d.Model, fmt.Sprint(d.Online),
						cell(d.Properties["battery_percentage"]), d.State,
					})
				}
				return out.table(rows)
			})
		},
	}
}

func deviceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "device <account> <device>",
		Short: "Show one device's properties",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.dial(cmd.Context(), func(ctx context.Context, r *rpc) error {
				devices, err := listDevices(ctx, r, args[0])
				if err != nil {
					return err
				}
				id, err := resolveDevice(args[1], devices)
				if err != nil {
					return err
				}
				var d device
				if err := r.call(ctx, "GetDevice", map[string]any{"account": args[0], "device_id": id}, &d); err != nil {
					return err
				}
				return printDevice(opts.out(cmd), d)
			})
		},
	}
}

func printDevice(out output, d device) error {
	if out.json {
		return out.printJSON(d)
	}
	fmt.Fprintf(out.w, "%s (%s, %s)\n", d.Name, d.ID, d.Model)
	fmt.Fprintf(out.w, "online: %t  state: %s  last poll: %s\n", d.Online, d.State, d.LastPoll)
	pending := make(map[string]bool, len(d.Pending))
	for _, code := range d.Pending {
		pending[code] = true
	}
	rows := [][]string{{"PROPERTY", "VALUE", ""}}
	for _, code := range sortedKeys(d.Properties) {
		mark := ""
		if pending[code] {
			mark = "pending"
		}
		rows = append(rows, []string{code, cell(d.Properties[code]), mark})
	}
	return out.table(rows)
}

// parseValue reads JSON literals and falls back to the raw string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func setCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set <account> <device> <code> <value>",
		Short: "Write a property; the new value shows immediately",
		Example: strings.Join([]string{
			"  pecronhub-cli set home garage ac_switch true",
			"  pecronhub-cli set home garage ac_output_voltage 230",
		}, "\n"),
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.dial(cmd.Context(), func(ctx context.Context, r *rpc) error {
				devices, err := listDevices(ctx, r, args[0])
				if err != nil {
					return err
				}
				id, err := resolveDevice(args[1], devices)
				if err != nil {
					return err
				}
				var d device
				req := map[string]any{"account": args[0], "device_id": id, "code": args[2], "value": parseValue(args[3])}
				if err := r.call(ctx, "SetProperty", req, &d); err != nil {
					return err
				}
				return printDevice(opts.out(cmd), d)
			})
		},
	}
}

func notificationsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "notifications <account>",
		Short: "List active notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.dial(cmd.Context(), func(ctx context.Context, r *rpc) error {
				var resp struct {
					Notifications []notification `json:"notifications"`
				}
				if err := r.call(ctx, "ListNotifications", map[string]any{"account": args[0]}, &resp); err != nil {
					return err
				}
				out := opts.out(cmd)
				if out.json {
					return out.printJSON(resp.Notifications)
				}
				if len(resp.Notifications) == 0 {
					fmt.Fprintln(out.w, "no notifications")
					return nil
				}
				rows := [][]string{{"KIND", "DEVICE", "TITLE", "RAISED"}}
				for _, n := range resp.Notifications {
					rows = append(rows, []string{n.Kind, n.DeviceID, n.Title, n.Raised})
				}
				return out.table(rows)
			})
		},
	}
}

func refreshCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <account>",
		Short: "Poll the cloud now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.dial(cmd.Context(), func(ctx context.Context, r *rpc) error {
				var resp struct {
					Devices []device `json:"devices"`
				}
				if err := r.call(ctx, "Refresh", map[string]any{"account": args[0]}, &resp); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d device(s)\n", len(resp.Devices))
				return nil
			})
		},
	}
}

func watchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [account]",
		Short: "Stream device and notification events as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Streams run until interrupted.
			opts.timeout = 0
			return opts.dial(cmd.Context(), func(ctx context.Context, r *rpc) error {
				req := map[string]any{}
				if len(args) == 1 {
					req["account"] = args[0]
				}
				return r.stream(ctx, "Watch", req)
			})
		},
	}
}
