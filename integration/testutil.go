//go:build integration

package integration

import (
	"context"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tjst-t/proxmox-bmc/internal/bmc"
	"github.com/tjst-t/proxmox-bmc/internal/proxmox"
	"github.com/tjst-t/proxmox-bmc/internal/registry"
)

const (
	testVMID = "100"
	testUser = "admin"
	testPass = "password"
)

// stack is a registry serving one BMC over an in-memory hypervisor.
type stack struct {
	reg  *registry.Registry
	hv   *proxmox.MemoryClient
	host string
	port int
}

func newStack(t *testing.T, power proxmox.PowerState) *stack {
	t.Helper()
	store, err := bmc.NewStore(filepath.Join(t.TempDir(), "bmcs"))
	require.NoError(t, err)

	hv := proxmox.NewMemoryClient(proxmox.BootDevices{})
	hv.AddVM(testVMID, power)
	reg := registry.New(store, registry.Options{
		NewClient:      func(bmc.Instance) (proxmox.Client, error) { return hv, nil },
		SessionTimeout: 30 * time.Second,
		CommandTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		require.NoError(t, reg.Shutdown(context.Background()))
	})

	require.NoError(t, reg.Add(bmc.Instance{
		VMID:           testVMID,
		Username:       testUser,
		Password:       testPass,
		Address:        "127.0.0.1",
		Port:           0,
		ProxmoxAddress: "pve.invalid",
		TokenUser:      "root@pam",
		TokenName:      "pbmc",
		TokenValue:     "unused",
	}))
	require.NoError(t, reg.Start(testVMID))

	entry, err := reg.Show(testVMID)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(entry.Listen)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &stack{reg: reg, hv: hv, host: host, port: port}
}

func (s *stack) waitForPower(t *testing.T, want proxmox.PowerState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.hv.Power(testVMID) == want
	}, 10*time.Second, 50*time.Millisecond, "power did not become %s", want)
}

func (s *stack) bootOrder(t *testing.T) []string {
	t.Helper()
	order, err := s.hv.GetBootOrder(context.Background(), testVMID)
	require.NoError(t, err)
	return order
}

// requireIPMITool skips the test when ipmitool is not installed.
func requireIPMITool(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ipmitool"); err != nil {
		t.Skip("ipmitool not installed")
	}
}

func runIPMITool(s *stack, user, pass string, args ...string) (string, error) {
	cmdArgs := []string{"-I", "lanplus", "-C", "3", "-H", s.host, "-p", strconv.Itoa(s.port), "-U", user, "-P", pass, "-R", "1", "-N", "2"}
	cmdArgs = append(cmdArgs, args...)
	cmd := exec.Command("ipmitool", cmdArgs...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
