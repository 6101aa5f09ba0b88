package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/tjst-t/proxmox-bmc/internal/fault"
	"github.com/tjst-t/proxmox-bmc/internal/metrics"
	"github.com/tjst-t/proxmox-bmc/internal/proxmox"
)

// ErrClosed is returned to callers still waiting when the machine is closed.
var ErrClosed = errors.New("machine closed")

// State is the controller state of an emulated BMC.
type State int

const (
	Idle State = iota
	PowerQueryPending
	PowerTransitionPending
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PowerQueryPending:
		return "power-query-pending"
	case PowerTransitionPending:
		return "power-transition-pending"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Action is a chassis control request.
type Action int

const (
	ActionPowerOff Action = iota
	ActionPowerOn
	ActionPowerCycle
	ActionHardReset
	ActionPulseDiag
	ActionSoftOff
)

func (a Action) String() string {
	switch a {
	case ActionPowerOff:
		return "power-off"
	case ActionPowerOn:
		return "power-on"
	case ActionPowerCycle:
		return "power-cycle"
	case ActionHardReset:
		return "hard-reset"
	case ActionPulseDiag:
		return "pulse-diag"
	case ActionSoftOff:
		return "soft-off"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// RetryPolicy bounds the retries of transient hypervisor failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxElapsed  time.Duration
}

// Delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := p.BaseDelay << attempt
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		return p.MaxDelay
	}
	return d
}

// Options configures a Machine.
type Options struct {
	// CacheTTL is the age after which a status read triggers a background
	// refresh.
	CacheTTL time.Duration
	// MaxStale is the age after which a status read re-queries the
	// hypervisor before answering.
	MaxStale     time.Duration
	QueryTimeout time.Duration
	Retry        RetryPolicy
	BootDevices  proxmox.BootDevices
	Logger       *zerolog.Logger
}

// DefaultOptions returns the settings used when the daemon config is silent.
func DefaultOptions() Options {
	return Options{
		CacheTTL:     5 * time.Second,
		MaxStale:     30 * time.Second,
		QueryTimeout: 5 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			MaxElapsed:  30 * time.Second,
		},
		BootDevices: proxmox.DefaultBootDevices(),
	}
}

// Status is a snapshot of the cached VM state.
type Status struct {
	Power       proxmox.PowerState
	Boot        proxmox.BootDevice
	State       State
	LastError   error
	RefreshedAt time.Time
}

type opKind int

const (
	opPower opKind = iota
	opBoot
)

type op struct {
	kind   opKind
	action Action
	device proxmox.BootDevice
	done   chan struct{}
	err    error
}

func (o *op) String() string {
	if o.kind == opBoot {
		return "boot:" + string(o.device)
	}
	return o.action.String()
}

func (o *op) same(other *op) bool {
	return o.kind == other.kind && o.action == other.action && o.device == other.device
}

// Machine is the emulated controller of one VM. Mutations are executed one
// at a time, in arrival order, by a single worker goroutine.
type Machine struct {
	vmid   string
	client proxmox.Client
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
	bg     sync.WaitGroup

	refresh   singleflight.Group
	closeOnce sync.Once

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	state       State
	lastErr     error
	power       proxmox.PowerState
	boot        proxmox.BootDevice
	bootPinned  bool
	refreshedAt time.Time
	generation  uint64
	queue       []*op
	closed      bool
}

// New starts the controller for vmid.
func New(vmid string, client proxmox.Client, opts Options) *Machine {
	return newMachine(vmid, client, opts, time.Now, sleepContext)
}

func newMachine(vmid string, client proxmox.Client, opts Options, now func() time.Time, sleep func(context.Context, time.Duration) error) *Machine {
	def := DefaultOptions()
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.MaxStale < opts.CacheTTL {
		opts.MaxStale = opts.CacheTTL
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = def.QueryTimeout
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.BootDevices == (proxmox.BootDevices{}) {
		opts.BootDevices = def.BootDevices
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		vmid:   vmid,
		client: client,
		opts:   opts,
		log:    logger.With().Str("vmid", vmid).Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		now:    now,
		sleep:  sleep,
		power:  proxmox.PowerUnknown,
		boot:   proxmox.BootNoOverride,
	}
	go m.run()
	return m
}

// VMID returns the VM this machine controls.
func (m *Machine) VMID() string {
	return m.vmid
}

// Control executes a chassis control action and waits for its result. A
// request equal to the last queued one joins it instead of issuing a second
// hypervisor call.
func (m *Machine) Control(ctx context.Context, action Action) error {
	if action < ActionPowerOff || action > ActionSoftOff {
		return fault.New(fault.KindConfigInvalid, "Control", m.vmid, "unsupported chassis action %d", int(action))
	}
	return m.submit(ctx, &op{kind: opPower, action: action})
}

// SetBootDevice selects the device for the next boot.
func (m *Machine) SetBootDevice(ctx context.Context, device proxmox.BootDevice) error {
	switch device {
	case proxmox.BootDisk, proxmox.BootCDROM, proxmox.BootNetwork, proxmox.BootNoOverride:
	default:
		return fault.New(fault.KindConfigInvalid, "SetBootDevice", m.vmid, "unsupported boot device %q", device)
	}
	return m.submit(ctx, &op{kind: opBoot, device: device})
}

// Status answers from the cache. A stale cache is refreshed in the
// background; a cache older than MaxStale is refreshed before answering
// unless a transition is in flight.
func (m *Machine) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	age := m.now().Sub(m.refreshedAt)
	never := m.refreshedAt.IsZero()
	inFlight := len(m.queue) > 0
	m.mu.Unlock()

	switch {
	case (never || age > m.opts.MaxStale) && !inFlight:
		if err := m.refreshNow(ctx); err != nil {
			return m.snapshot(), err
		}
	case !never && age > m.opts.CacheTTL:
		m.refreshAsync()
	}
	return m.snapshot(), nil
}

// State returns the current controller state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close stops the worker. Waiting callers get ErrClosed and the in-flight
// hypervisor call sees a cancelled context.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.cancel()
		<-m.done
		m.bg.Wait()
	})
}

func (m *Machine) snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Power:       m.power,
		Boot:        m.boot,
		State:       m.state,
		LastError:   m.lastErr,
		RefreshedAt: m.refreshedAt,
	}
}

func (m *Machine) submit(ctx context.Context, o *op) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if n := len(m.queue); n > 0 && m.queue[n-1].same(o) {
		o = m.queue[n-1]
		m.log.Debug().Stringer("op", o).Msg("Joined pending operation")
	} else {
		o.done = make(chan struct{})
		m.queue = append(m.queue, o)
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	m.mu.Unlock()

	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
			case <-m.ctx.Done():
				m.drain()
				return
			}
			m.mu.Lock()
		}
		o := m.queue[0]
		if m.state == Error {
			m.lastErr = nil
		}
		m.state = PowerTransitionPending
		m.mu.Unlock()

		err := m.execute(o)

		m.mu.Lock()
		m.queue = m.queue[1:]
		if err != nil {
			m.state = Error
			m.lastErr = err
		} else {
			m.state = Idle
		}
		o.err = err
		close(o.done)
		m.mu.Unlock()

		status := "ok"
		if err != nil {
			status = "error"
			m.log.Error().Err(err).Stringer("op", o).Msg("Operation failed")
		} else {
			m.log.Info().Stringer("op", o).Msg("Operation completed")
		}
		metrics.MachineOperationsTotal.WithLabelValues(o.String(), status).Inc()

		if m.ctx.Err() != nil {
			m.drain()
			return
		}
	}
}

// drain fails every queued operation after the machine is closed.
func (m *Machine) drain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.queue {
		o.err = ErrClosed
		close(o.done)
	}
	m.queue = nil
}

// execute applies o, retrying transient failures with exponential backoff
// within the attempt and elapsed-time bounds of the retry policy.
func (m *Machine) execute(o *op) error {
	policy := m.opts.Retry
	start := m.now()
	for attempt := 0; ; attempt++ {
		err := m.apply(o)
		if err == nil {
			m.applied(o)
			return nil
		}
		if m.ctx.Err() != nil {
			return ErrClosed
		}
		if !fault.Retryable(err) || attempt+1 >= policy.MaxAttempts {
			return err
		}
		delay := policy.Delay(attempt)
		if policy.MaxElapsed > 0 && m.now().Sub(start)+delay > policy.MaxElapsed {
			return err
		}

		metrics.MachineRetriesTotal.WithLabelValues(fault.KindOf(err).String()).Inc()
		m.log.Warn().Err(err).Stringer("op", o).Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying operation")
		if err := m.sleep(m.ctx, delay); err != nil {
			return ErrClosed
		}
	}
}

func (m *Machine) apply(o *op) error {
	ctx := m.ctx
	if o.kind == opBoot {
		return m.client.SetBootDevice(ctx, m.vmid, o.device)
	}
	switch o.action {
	case ActionPowerOff:
		return m.client.SetPowerState(ctx, m.vmid, proxmox.TargetOff)
	case ActionPowerOn:
		return m.client.SetPowerState(ctx, m.vmid, proxmox.TargetOn)
	case ActionPowerCycle:
		if err := m.client.SetPowerState(ctx, m.vmid, proxmox.TargetOff); err != nil {
			return err
		}
		return m.client.SetPowerState(ctx, m.vmid, proxmox.TargetOn)
	case ActionHardReset:
		return m.client.SetPowerState(ctx, m.vmid, proxmox.TargetReset)
	case ActionSoftOff:
		return m.client.SetPowerState(ctx, m.vmid, proxmox.TargetSoftOff)
	case ActionPulseDiag:
		// no NMI equivalent in the Proxmox API
		return nil
	}
	return fault.New(fault.KindInternal, "Control", m.vmid, "unhandled action %s", o.action)
}

// applied records the expected outcome of a successful operation.
func (m *Machine) applied(o *op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	now := m.now()

	if o.kind == opBoot {
		m.boot = o.device
		m.bootPinned = o.device == proxmox.BootNoOverride
		return
	}
	switch o.action {
	case ActionPowerOff:
		m.power, m.refreshedAt = proxmox.PowerOff, now
	case ActionPowerOn, ActionPowerCycle:
		m.power, m.refreshedAt = proxmox.PowerOn, now
	case ActionSoftOff:
		// the guest decides; force a re-query on the next read
		m.refreshedAt = time.Time{}
	}
}

func (m *Machine) refreshNow(ctx context.Context) error {
	ch := m.refresh.DoChan("status", func() (any, error) {
		return nil, m.query()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) refreshAsync() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.bg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.bg.Done()
		_, err, _ := m.refresh.Do("status", func() (any, error) {
			return nil, m.query()
		})
		if err != nil {
			m.log.Debug().Err(err).Msg("Background refresh failed")
		}
	}()
}

// query reads power state and boot order from the hypervisor. Results that
// raced with a completed operation are discarded.
func (m *Machine) query() error {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.QueryTimeout)
	defer cancel()

	m.mu.Lock()
	gen := m.generation
	if m.state == Idle {
		m.state = PowerQueryPending
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.state == PowerQueryPending {
			m.state = Idle
		}
		m.mu.Unlock()
	}()

	power, err := m.client.GetPowerState(ctx, m.vmid)
	if err != nil {
		return err
	}
	order, orderErr := m.client.GetBootOrder(ctx, m.vmid)
	if orderErr != nil {
		m.log.Debug().Err(orderErr).Msg("Reading boot order failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return nil
	}
	m.power = power
	m.refreshedAt = m.now()
	if orderErr == nil && !m.bootPinned {
		m.boot = proxmox.BootDeviceFromOrder(order, m.opts.BootDevices)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
