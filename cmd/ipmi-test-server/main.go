// ipmi-test-server starts a single emulated BMC backed by an in-memory
// hypervisor, for manual and integration testing without a Proxmox cluster.
//
// Usage:
//
//	go run ./cmd/ipmi-test-server [--port 6234] [--vmid 100] [--power on]
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tjst-t/proxmox-bmc/internal/bmc"
	"github.com/tjst-t/proxmox-bmc/internal/ipmi"
	"github.com/tjst-t/proxmox-bmc/internal/machine"
	"github.com/tjst-t/proxmox-bmc/internal/proxmox"
)

func main() {
	var (
		address  string
		port     int
		vmid     string
		username string
		password string
		power    string
		debug    bool
	)

	cmd := &cobra.Command{
		Use:          "ipmi-test-server",
		Short:        "Serve one IPMI endpoint over an in-memory VM",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}

			initial := proxmox.PowerOff
			switch power {
			case "on":
				initial = proxmox.PowerOn
			case "off":
			default:
				return fmt.Errorf("--power must be on or off, got %q", power)
			}

			inst := bmc.Instance{VMID: vmid}
			hv := proxmox.NewMemoryClient(proxmox.DefaultBootDevices())
			hv.AddVM(vmid, initial)
			m := machine.New(vmid, hv, machine.DefaultOptions())
			defer m.Close()

			server := ipmi.NewServer(m, ipmi.Options{
				Credentials: ipmi.Credentials{Username: username, Password: password},
				GUID:        inst.GUID(),
				VMID:        vmid,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			addr := net.JoinHostPort(address, strconv.Itoa(port))
			log.Info().Str("listen", addr).Str("vmid", vmid).Str("user", username).Msg("IPMI test server starting")
			return server.ListenAndServe(ctx, addr)
		},
	}

	f := cmd.Flags()
	f.StringVar(&address, "address", "0.0.0.0", "address to listen on")
	f.IntVar(&port, "port", 6234, "UDP port to listen on")
	f.StringVar(&vmid, "vmid", "100", "VM id of the simulated machine")
	f.StringVar(&username, "username", "admin", "IPMI username")
	f.StringVar(&password, "password", "password", "IPMI password")
	f.StringVar(&power, "power", "on", "initial power state (on or off)")
	f.BoolVar(&debug, "debug", false, "log every packet")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "ipmi-test-server:", err)
		os.Exit(1)
	}
}
