// pbmc manages the virtual BMCs served by a running pbmcd.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tjst-t/proxmox-bmc/internal/api"
	"github.com/tjst-t/proxmox-bmc/internal/config"
)

const defaultServer = "127.0.0.1:50891"

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetDefault("server", defaultServer)
	v.SetDefault("timeout", 30*time.Second)

	root := &cobra.Command{
		Use:   "pbmc",
		Short: "Manage virtual BMCs for Proxmox VE virtual machines",
		Long: `pbmc adds, removes, starts and stops the per-VM IPMI endpoints served
by pbmcd. The daemon address is taken from --server or PBMC_SERVER.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("server", defaultServer, "pbmcd control API address (host:port or URL)")
	pf.String("control-username", "", "control API username")
	pf.String("control-password", "", "control API password")
	pf.Bool("insecure", false, "skip TLS certificate verification of the control API")
	pf.Duration("timeout", 30*time.Second, "request timeout")
	v.BindPFlag("server", pf.Lookup("server"))
	v.BindPFlag("control.username", pf.Lookup("control-username"))
	v.BindPFlag("control.password", pf.Lookup("control-password"))
	v.BindPFlag("insecure", pf.Lookup("insecure"))
	v.BindPFlag("timeout", pf.Lookup("timeout"))

	connect := func() (*api.Client, error) {
		return api.NewClient(v.GetString("server"), api.ClientOptions{
			Username:    v.GetString("control.username"),
			Password:    v.GetString("control.password"),
			InsecureTLS: v.GetBool("insecure"),
			Timeout:     v.GetDuration("timeout"),
		})
	}

	root.AddCommand(
		newAddCmd(connect),
		newDeleteCmd(connect),
		newStartCmd(connect),
		newStopCmd(connect),
		newListCmd(connect),
		newShowCmd(connect),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pbmc:", err)
		os.Exit(1)
	}
}
