package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjst-t/proxmox-bmc/internal/api"
	"github.com/tjst-t/proxmox-bmc/internal/bmc"
	"github.com/tjst-t/proxmox-bmc/internal/proxmox"
	"github.com/tjst-t/proxmox-bmc/internal/registry"
)

type testDaemon struct {
	url   string
	store *bmc.Store
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()
	store, err := bmc.NewStore(filepath.Join(t.TempDir(), "bmcs"))
	require.NoError(t, err)
	hv := proxmox.NewMemoryClient(proxmox.BootDevices{})
	reg := registry.New(store, registry.Options{
		NewClient: func(bmc.Instance) (proxmox.Client, error) { return hv, nil },
		StopGrace: 2 * time.Second,
	})
	ts := httptest.NewServer(api.NewServer(reg, api.Options{}))
	t.Cleanup(func() {
		ts.Close()
		assert.NoError(t, reg.Shutdown(context.Background()))
	})
	return &testDaemon{url: ts.URL, store: store}
}

// run executes pbmc with args against d and returns stdout, stderr and the
// command error.
func (d *testDaemon) run(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--server", d.url}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func (d *testDaemon) add(t *testing.T, vmid string) {
	t.Helper()
	_, _, err := d.run("add", vmid,
		"--address", "127.0.0.1", "--port", "0",
		"--proxmox-address", "pve.example.com", "--token-value", "secret")
	require.NoError(t, err)
}

func TestAdd(t *testing.T) {
	d := newTestDaemon(t)

	out, _, err := d.run("add", "100",
		"--address", "127.0.0.1", "--port", "6230",
		"--proxmox-address", "pve.example.com", "--token-value", "secret", "--verify-tls")
	require.NoError(t, err)
	assert.Contains(t, out, "BMC for VM 100 added")

	inst, err := d.store.Get("100")
	require.NoError(t, err)
	assert.Equal(t, "admin", inst.Username)
	assert.Equal(t, "password", inst.Password)
	assert.Equal(t, 6230, inst.Port)
	assert.Equal(t, "root@pam", inst.TokenUser)
	assert.Equal(t, "pbmc", inst.TokenName)
	assert.Equal(t, "secret", inst.TokenValue)
	assert.True(t, inst.VerifyTLS)
	assert.False(t, inst.Active)

	_, _, err = d.run("add", "100", "--proxmox-address", "pve.example.com", "--token-value", "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already configured")
}

func TestAddRequiresProxmoxFlags(t *testing.T) {
	d := newTestDaemon(t)

	_, _, err := d.run("add", "100", "--token-value", "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxmox-address")
	assert.False(t, d.store.Exists("100"))
}

func TestAddInvalid(t *testing.T) {
	d := newTestDaemon(t)

	_, _, err := d.run("add", "vm-one", "--proxmox-address", "pve.example.com", "--token-value", "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vmid must be a positive number")
}

func TestStartStopMany(t *testing.T) {
	d := newTestDaemon(t)
	d.add(t, "100")
	d.add(t, "101")

	_, stderr, err := d.run("start", "100", "101")
	require.NoError(t, err)
	assert.Empty(t, stderr)

	out, _, err := d.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "100")
	assert.Contains(t, out, "101")
	assert.Contains(t, out, "running")
	assert.NotContains(t, out, "down")

	_, _, err = d.run("stop", "100", "101")
	require.NoError(t, err)

	out, _, err = d.run("list")
	require.NoError(t, err)
	assert.NotContains(t, out, "running")
}

func TestPartialFailure(t *testing.T) {
	d := newTestDaemon(t)
	d.add(t, "100")

	_, stderr, err := d.run("start", "100", "999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start failed for 1 of 2 BMCs")
	assert.Contains(t, stderr, "start vm 999")
	assert.NotContains(t, stderr, "vm 100")

	inst, err := d.store.Get("100")
	require.NoError(t, err)
	assert.True(t, inst.Active, "the other id must still be processed")
}

func TestDelete(t *testing.T) {
	d := newTestDaemon(t)
	d.add(t, "100")
	d.add(t, "101")

	_, _, err := d.run("delete", "100", "101")
	require.NoError(t, err)
	assert.False(t, d.store.Exists("100"))
	assert.False(t, d.store.Exists("101"))

	_, stderr, err := d.run("delete", "100")
	require.Error(t, err)
	assert.Contains(t, stderr, "not configured")
}

func TestShow(t *testing.T) {
	d := newTestDaemon(t)
	d.add(t, "100")

	out, _, err := d.run("show", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "proxmox_address")
	assert.Contains(t, out, "pve.example.com")
	assert.Contains(t, out, "***")
	assert.NotContains(t, out, "secret")

	_, _, err = d.run("show", "999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestServerFromEnv(t *testing.T) {
	d := newTestDaemon(t)
	d.add(t, "100")
	t.Setenv("PBMC_SERVER", d.url)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"list"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "100")
}

func TestArgsValidation(t *testing.T) {
	d := newTestDaemon(t)

	for _, args := range [][]string{{"start"}, {"stop"}, {"delete"}, {"show"}, {"list", "extra"}} {
		_, _, err := d.run(args...)
		assert.Error(t, err, "pbmc %v", args)
	}
}

func TestDaemonUnreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--server", url, "list"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contact daemon")
}
