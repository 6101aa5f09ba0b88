package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tjst-t/proxmox-bmc/internal/api"
	"github.com/tjst-t/proxmox-bmc/internal/bmc"
	"github.com/tjst-t/proxmox-bmc/internal/registry"
)

type connectFunc func() (*api.Client, error)

func newAddCmd(connect connectFunc) *cobra.Command {
	var inst bmc.Instance
	cmd := &cobra.Command{
		Use:   "add <vmid>",
		Short: "Create a new BMC for a virtual machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			inst.VMID = args[0]
			if _, err := client.Add(cmd.Context(), inst); err != nil {
				return fmt.Errorf("add vm %s: %w", inst.VMID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "BMC for VM %s added\n", inst.VMID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&inst.Username, "username", "admin", "BMC username")
	f.StringVar(&inst.Password, "password", "password", "BMC password")
	f.StringVar(&inst.Address, "address", bmc.DefaultAddress, "address to listen on (IPv4 or IPv6)")
	f.IntVar(&inst.Port, "port", bmc.DefaultPort, "UDP port to listen on")
	f.StringVar(&inst.ProxmoxAddress, "proxmox-address", "", "address of a Proxmox VE node or cluster VIP")
	f.StringVar(&inst.TokenUser, "token-user", "root@pam", "user owning the API token")
	f.StringVar(&inst.TokenName, "token-name", "pbmc", "name of the API token")
	f.StringVar(&inst.TokenValue, "token-value", "", "secret of the API token")
	f.BoolVar(&inst.VerifyTLS, "verify-tls", false, "verify the Proxmox API certificate")
	cmd.MarkFlagRequired("proxmox-address")
	cmd.MarkFlagRequired("token-value")
	return cmd
}

func newDeleteCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <vmid>...",
		Short: "Delete the BMC of one or more virtual machines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEach(cmd, connect, args, "delete", func(ctx context.Context, c *api.Client, vmid string) error {
				return c.Delete(ctx, vmid)
			})
		},
	}
}

func newStartCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "start <vmid>...",
		Short: "Start the BMC of one or more virtual machines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEach(cmd, connect, args, "start", func(ctx context.Context, c *api.Client, vmid string) error {
				_, err := c.Start(ctx, vmid)
				return err
			})
		},
	}
}

func newStopCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <vmid>...",
		Short: "Stop the BMC of one or more virtual machines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEach(cmd, connect, args, "stop", func(ctx context.Context, c *api.Client, vmid string) error {
				_, err := c.Stop(ctx, vmid)
				return err
			})
		},
	}
}

func newListCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all BMCs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			entries, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{e.VMID, string(e.Status), e.Address, strconv.Itoa(e.Port), strconv.Itoa(e.Sessions)})
			}
			return renderTable(cmd.OutOrStdout(), []string{"VMID", "Status", "Address", "Port", "Sessions"}, rows)
		},
	}
}

func newShowCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "show <vmid>",
		Short: "Show the properties of a BMC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			e, err := client.Show(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderTable(cmd.OutOrStdout(), []string{"Property", "Value"}, properties(e))
		},
	}
}

// forEach applies op to every id, reporting failures as it goes. It fails
// if any id failed.
func forEach(cmd *cobra.Command, connect connectFunc, ids []string, verb string, op func(context.Context, *api.Client, string) error) error {
	client, err := connect()
	if err != nil {
		return err
	}
	failed := 0
	for _, vmid := range ids {
		if err := op(cmd.Context(), client, vmid); err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s vm %s: %v\n", verb, vmid, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%s failed for %d of %d BMCs", verb, failed, len(ids))
	}
	return nil
}

// properties lists the fields of e in name order.
func properties(e registry.Entry) [][]string {
	rows := [][]string{
		{"active", strconv.FormatBool(e.Active)},
		{"address", e.Address},
	}
	if e.Error != "" {
		rows = append(rows, []string{"error", e.Error})
	}
	if e.Listen != "" {
		rows = append(rows, []string{"listen", e.Listen})
	}
	rows = append(rows,
		[]string{"password", e.Password},
		[]string{"port", strconv.Itoa(e.Port)},
		[]string{"proxmox_address", e.ProxmoxAddress},
		[]string{"sessions", strconv.Itoa(e.Sessions)},
		[]string{"status", string(e.Status)},
		[]string{"token_name", e.TokenName},
		[]string{"token_user", e.TokenUser},
		[]string{"token_value", e.TokenValue},
		[]string{"username", e.Username},
		[]string{"verify_tls", strconv.FormatBool(e.VerifyTLS)},
		[]string{"vmid", e.VMID},
	)
	return rows
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	table.Header(cells...)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}
