// pbmcd runs the emulated BMCs of every configured Proxmox VM and serves the
// control API used by pbmc.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tjst-t/proxmox-bmc/internal/config"
	"github.com/tjst-t/proxmox-bmc/internal/registry"
)

func newRootCmd() *cobra.Command {
	var (
		cfgFile    string
		foreground bool
	)
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "pbmcd",
		Short: "Virtual BMC daemon for Proxmox VE virtual machines",
		Long: `pbmcd runs one IPMI v2.0 (RMCP+) endpoint per configured Proxmox VM and
translates chassis power and boot commands into Proxmox VE API calls.
BMCs are managed with pbmc through the control API.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return err
			}
			closer, err := cfg.Log.ConfigureZerolog()
			if err != nil {
				return err
			}
			defer closer.Close()

			log.Info().
				Str("config_file", cfg.File).
				Str("config_dir", cfg.ConfigDir).
				Str("log_level", cfg.Log.Level).
				Bool("debug", cfg.Log.Debug).
				Msg("Starting pbmcd")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(cfg, registry.Options{})
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.pbmc/pbmcd.yaml)")
	flags.BoolVar(&foreground, "foreground", false, "run in the foreground (the daemon never forks; kept for compatibility)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("control-address", "", "control API listen address")
	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("control.address", flags.Lookup("control-address"))

	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "pbmcd:", err)
		os.Exit(1)
	}
}
