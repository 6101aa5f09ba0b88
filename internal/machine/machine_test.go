package machine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tjst-t/proxmox-bmc/internal/fault"
	"github.com/tjst-t/proxmox-bmc/internal/proxmox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// gatedClient blocks every SetPowerState until released.
type gatedClient struct {
	*proxmox.MemoryClient
	gate    chan struct{}
	entered chan struct{}
}

func newGatedClient(mem *proxmox.MemoryClient) *gatedClient {
	return &gatedClient{
		MemoryClient: mem,
		gate:         make(chan struct{}),
		entered:      make(chan struct{}, 16),
	}
}

func (c *gatedClient) SetPowerState(ctx context.Context, vmid string, target proxmox.PowerTarget) error {
	c.entered <- struct{}{}
	select {
	case <-c.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.MemoryClient.SetPowerState(ctx, vmid, target)
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedSleeps) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.CacheTTL = time.Second
	opts.MaxStale = 10 * time.Second
	opts.Retry = RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxElapsed:  time.Minute,
	}
	return opts
}

func newTestMachine(t *testing.T, client proxmox.Client) (*Machine, *fakeClock, *recordedSleeps) {
	t.Helper()
	clock := newFakeClock()
	sleeps := &recordedSleeps{}
	m := newMachine("100", client, testOptions(), clock.now, sleeps.sleep)
	t.Cleanup(m.Close)
	return m, clock, sleeps
}

func queueLen(m *Machine) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(100))
}

func TestControl_PowerOn(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	m, _, _ := newTestMachine(t, mem)

	require.NoError(t, m.Control(context.Background(), ActionPowerOn))
	assert.Equal(t, proxmox.PowerOn, mem.Power("100"))
	assert.Equal(t, Idle, m.State())

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proxmox.PowerOn, st.Power)
	assert.Equal(t, []string{"SetPowerState 100 on"}, mem.Calls())
}

func TestControl_PowerCycle(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOn)
	m, _, _ := newTestMachine(t, mem)

	require.NoError(t, m.Control(context.Background(), ActionPowerCycle))
	assert.Equal(t, []string{"SetPowerState 100 off", "SetPowerState 100 on"}, mem.Calls())
	assert.Equal(t, proxmox.PowerOn, mem.Power("100"))
}

func TestControl_PulseDiagIsNoop(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOn)
	m, _, _ := newTestMachine(t, mem)

	require.NoError(t, m.Control(context.Background(), ActionPulseDiag))
	assert.Empty(t, mem.Calls())
}

func TestControl_InvalidAction(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	m, _, _ := newTestMachine(t, mem)

	err := m.Control(context.Background(), Action(42))
	assert.ErrorIs(t, err, fault.ErrConfigInvalid)
}

func TestControl_RetriesTransientFailures(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	m, _, sleeps := newTestMachine(t, mem)

	mem.FailNext(
		fault.New(fault.KindVMBusy, "SetPowerState", "100", "locked"),
		fault.New(fault.KindHypervisorUnreachable, "SetPowerState", "100", "connection refused"),
	)
	require.NoError(t, m.Control(context.Background(), ActionPowerOn))
	assert.Len(t, mem.Calls(), 3)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps.all())
	assert.Equal(t, Idle, m.State())
}

func TestControl_RetryExhausted(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	m, _, _ := newTestMachine(t, mem)

	busy := fault.New(fault.KindVMBusy, "SetPowerState", "100", "locked")
	mem.FailNext(busy, busy, busy, busy)

	err := m.Control(context.Background(), ActionPowerOn)
	assert.ErrorIs(t, err, fault.ErrVMBusy)
	assert.Len(t, mem.Calls(), 4)
	assert.Equal(t, Error, m.State())
}

func TestControl_PermanentFailureNotRetried(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	m, _, sleeps := newTestMachine(t, mem)

	err := m.Control(context.Background(), ActionPowerOn)
	assert.ErrorIs(t, err, fault.ErrVMNotFound)
	assert.Len(t, mem.Calls(), 1)
	assert.Empty(t, sleeps.all())

	st := m.snapshot()
	assert.Equal(t, Error, st.State)
	assert.ErrorIs(t, st.LastError, fault.ErrVMNotFound)
}

func TestControl_ErrorClearsOnNextOperation(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	m, _, _ := newTestMachine(t, mem)

	mem.FailNext(fault.New(fault.KindConfigInvalid, "SetPowerState", "100", "bad request"))
	require.Error(t, m.Control(context.Background(), ActionPowerOn))
	require.Equal(t, Error, m.State())

	require.NoError(t, m.Control(context.Background(), ActionPowerOn))
	st := m.snapshot()
	assert.Equal(t, Idle, st.State)
	assert.NoError(t, st.LastError)
}

func TestControl_RetryStopsAtElapsedBound(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	clock := newFakeClock()
	opts := testOptions()
	opts.Retry.MaxElapsed = 250 * time.Millisecond
	sleep := func(ctx context.Context, d time.Duration) error {
		clock.advance(d)
		return nil
	}
	m := newMachine("100", mem, opts, clock.now, sleep)
	defer m.Close()

	busy := fault.New(fault.KindVMBusy, "SetPowerState", "100", "locked")
	mem.FailNext(busy, busy, busy, busy)

	// 100ms + 200ms would exceed the bound, so only one retry happens
	assert.ErrorIs(t, m.Control(context.Background(), ActionPowerOn), fault.ErrVMBusy)
	assert.Len(t, mem.Calls(), 2)
}

func TestControl_SerializesInArrivalOrder(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	gated := newGatedClient(mem)
	m, _, _ := newTestMachine(t, gated)

	var wg sync.WaitGroup
	submit := func(a Action) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Control(context.Background(), a))
		}()
	}

	submit(ActionPowerOn)
	<-gated.entered
	submit(ActionPowerOff)
	require.Eventually(t, func() bool { return queueLen(m) == 2 }, time.Second, time.Millisecond)
	submit(ActionHardReset)
	require.Eventually(t, func() bool { return queueLen(m) == 3 }, time.Second, time.Millisecond)

	assert.Equal(t, PowerTransitionPending, m.State())
	close(gated.gate)
	wg.Wait()

	assert.Equal(t, []string{
		"SetPowerState 100 on",
		"SetPowerState 100 off",
		"SetPowerState 100 reset",
	}, mem.Calls())
}

func TestControl_CoalescesDuplicateRequests(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOn)
	gated := newGatedClient(mem)
	m, _, _ := newTestMachine(t, gated)

	var wg sync.WaitGroup
	submit := func(a Action) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Control(context.Background(), a))
		}()
	}

	submit(ActionHardReset)
	<-gated.entered
	submit(ActionPowerOff)
	require.Eventually(t, func() bool { return queueLen(m) == 2 }, time.Second, time.Millisecond)
	submit(ActionPowerOff)
	submit(ActionPowerOff)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, queueLen(m))

	close(gated.gate)
	wg.Wait()

	assert.Equal(t, []string{"SetPowerState 100 reset", "SetPowerState 100 off"}, mem.Calls())
}

func TestControl_CallerCancellation(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	gated := newGatedClient(mem)
	m, _, _ := newTestMachine(t, gated)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Control(ctx, ActionPowerOn) }()
	<-gated.entered
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// the operation itself still completes
	close(gated.gate)
	require.Eventually(t, func() bool { return mem.Power("100") == proxmox.PowerOn }, time.Second, time.Millisecond)
}

func TestClose_FailsPendingOperations(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	gated := newGatedClient(mem)
	m := newMachine("100", gated, testOptions(), time.Now, sleepContext)

	errs := make(chan error, 2)
	go func() { errs <- m.Control(context.Background(), ActionPowerOn) }()
	<-gated.entered
	go func() { errs <- m.Control(context.Background(), ActionPowerOff) }()
	require.Eventually(t, func() bool { return queueLen(m) == 2 }, time.Second, time.Millisecond)

	m.Close()
	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.ErrorIs(t, m.Control(context.Background(), ActionPowerOn), ErrClosed)
	assert.Empty(t, mem.Calls())
}

func TestStatus_FirstReadQueriesHypervisor(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOn, "ide2", "scsi0")
	m, clock, _ := newTestMachine(t, mem)

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proxmox.PowerOn, st.Power)
	assert.Equal(t, proxmox.BootCDROM, st.Boot)
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, clock.now(), st.RefreshedAt)
}

func TestStatus_QueryFailure(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	m, _, _ := newTestMachine(t, mem)

	st, err := m.Status(context.Background())
	assert.ErrorIs(t, err, fault.ErrVMNotFound)
	assert.Equal(t, proxmox.PowerUnknown, st.Power)
	assert.True(t, st.RefreshedAt.IsZero())
}

func TestStatus_StaleCacheRefreshesInBackground(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	m, clock, _ := newTestMachine(t, mem)

	_, err := m.Status(context.Background())
	require.NoError(t, err)

	// changed behind the BMC's back
	require.NoError(t, mem.SetPowerState(context.Background(), "100", proxmox.TargetOn))
	clock.advance(2 * time.Second)

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proxmox.PowerOff, st.Power, "stale value served while refreshing")

	require.Eventually(t, func() bool {
		return m.snapshot().Power == proxmox.PowerOn
	}, time.Second, time.Millisecond)
}

func TestStatus_ExpiredCacheRefreshesBeforeAnswering(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	m, clock, _ := newTestMachine(t, mem)

	_, err := m.Status(context.Background())
	require.NoError(t, err)

	require.NoError(t, mem.SetPowerState(context.Background(), "100", proxmox.TargetOn))
	clock.advance(11 * time.Second)

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proxmox.PowerOn, st.Power)
}

func TestStatus_SoftOffForcesRequery(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOn)
	m, _, _ := newTestMachine(t, mem)

	_, err := m.Status(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Control(context.Background(), ActionSoftOff))

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proxmox.PowerOff, st.Power)
}

func TestStatus_DuringTransitionServesCache(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	gated := newGatedClient(mem)
	m, _, _ := newTestMachine(t, gated)

	done := make(chan error, 1)
	go func() { done <- m.Control(context.Background(), ActionPowerOn) }()
	<-gated.entered

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PowerTransitionPending, st.State)
	assert.Equal(t, proxmox.PowerUnknown, st.Power)

	close(gated.gate)
	require.NoError(t, <-done)
	assert.Equal(t, proxmox.PowerOn, m.snapshot().Power)
}

func TestSetBootDevice(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	mem.AddVM("100", proxmox.PowerOff)
	m, clock, _ := newTestMachine(t, mem)
	ctx := context.Background()

	require.NoError(t, m.SetBootDevice(ctx, proxmox.BootNetwork))
	order, err := mem.GetBootOrder(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "net0", order[0])

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, proxmox.BootNetwork, st.Boot)

	// no-override sticks across refreshes
	require.NoError(t, m.SetBootDevice(ctx, proxmox.BootNoOverride))
	clock.advance(time.Minute)
	st, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, proxmox.BootNoOverride, st.Boot)

	// an explicit device clears the pin
	require.NoError(t, m.SetBootDevice(ctx, proxmox.BootDisk))
	clock.advance(time.Minute)
	st, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, proxmox.BootDisk, st.Boot)
}

func TestSetBootDevice_Invalid(t *testing.T) {
	mem := proxmox.NewMemoryClient(proxmox.BootDevices{})
	m, _, _ := newTestMachine(t, mem)

	assert.ErrorIs(t, m.SetBootDevice(context.Background(), proxmox.BootDefault), fault.ErrConfigInvalid)
	assert.ErrorIs(t, m.SetBootDevice(context.Background(), "floppy"), fault.ErrConfigInvalid)
	assert.Empty(t, mem.Calls())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "error", Error.String())
	assert.Equal(t, "power-cycle", ActionPowerCycle.String())
}
