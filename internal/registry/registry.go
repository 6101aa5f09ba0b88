package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tjst-t/proxmox-bmc/internal/bmc"
	"github.com/tjst-t/proxmox-bmc/internal/ipmi"
	"github.com/tjst-t/proxmox-bmc/internal/machine"
	"github.com/tjst-t/proxmox-bmc/internal/metrics"
	"github.com/tjst-t/proxmox-bmc/internal/proxmox"
)

var (
	// ErrAlreadyRunning is returned by Start for an instance with a live
	// listener.
	ErrAlreadyRunning = errors.New("bmc already running")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("registry shut down")
)

// Status of a configured instance as reported by List.
type Status string

const (
	StatusRunning Status = "running"
	StatusDown    Status = "down"
	// StatusError marks a listener that failed to start or exited on its own.
	StatusError Status = "error"
)

// ClientFactory builds the hypervisor client of one instance.
type ClientFactory func(inst bmc.Instance) (proxmox.Client, error)

// ProxmoxClients returns a factory creating Proxmox API clients from base,
// with the endpoint, token and TLS settings taken from each instance.
func ProxmoxClients(base proxmox.Options) ClientFactory {
	return func(inst bmc.Instance) (proxmox.Client, error) {
		opts := base
		opts.Endpoint = inst.ProxmoxAddress
		opts.TokenUser = inst.TokenUser
		opts.TokenName = inst.TokenName
		opts.TokenValue = inst.TokenValue
		opts.InsecureTLS = !inst.VerifyTLS
		c, err := proxmox.NewClient(opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Options configures a Registry.
type Options struct {
	NewClient      ClientFactory
	Machine        machine.Options
	SessionTimeout time.Duration
	CommandTimeout time.Duration
	// StopGrace bounds how long Stop waits for a listener to wind down.
	StopGrace time.Duration
	// ShowPasswords disables masking in List and Show.
	ShowPasswords bool
	Logger        *zerolog.Logger
}

// Entry is one configured instance and its runtime state.
type Entry struct {
	bmc.Instance
	Status Status `json:"status"`
	// Listen is the bound UDP address while running.
	Listen   string `json:"listen,omitempty"`
	Sessions int    `json:"sessions"`
	Error    string `json:"error,omitempty"`
}

// Registry owns the running emulated BMCs, keyed by VM id.
type Registry struct {
	store *bmc.Store
	opts  Options
	log   zerolog.Logger

	mu      sync.Mutex
	running map[string]*instance
	failed  map[string]string
	closed  bool
}

type instance struct {
	vmid    string
	addr    string
	server  *ipmi.Server
	machine *machine.Machine
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an empty registry over store.
func New(store *bmc.Store, opts Options) *Registry {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.NewClient == nil {
		opts.NewClient = ProxmoxClients(proxmox.Options{})
	}
	if opts.Machine == (machine.Options{}) {
		opts.Machine = machine.DefaultOptions()
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Registry{
		store:   store,
		opts:    opts,
		log:     logger.With().Str("component", "registry").Logger(),
		running: make(map[string]*instance),
		failed:  make(map[string]string),
	}
}

// Start launches the listener of a configured instance and marks it
// active. The socket is bound before Start returns.
func (r *Registry) Start(vmid string) error {
	inst, err := r.store.Get(vmid)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	if _, ok := r.running[vmid]; ok {
		r.mu.Unlock()
		return fmt.Errorf("vm %s: %w", vmid, ErrAlreadyRunning)
	}
	err = r.launch(inst)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if !inst.Active {
		if err := r.store.SetActive(vmid, true); err != nil {
			return fmt.Errorf("vm %s: persist active flag: %w", vmid, err)
		}
	}
	return nil
}

// Stop shuts the listener down and marks the instance inactive. Stopping an
// instance that is not running succeeds.
func (r *Registry) Stop(vmid string) error {
	r.mu.Lock()
	h := r.running[vmid]
	delete(r.running, vmid)
	delete(r.failed, vmid)
	r.mu.Unlock()

	var err error
	if h != nil {
		err = r.halt(context.Background(), h)
	}
	if r.store.Exists(vmid) {
		if serr := r.store.SetActive(vmid, false); serr != nil {
			err = errors.Join(err, fmt.Errorf("vm %s: persist active flag: %w", vmid, serr))
		}
	}
	return err
}

// Add validates and persists a new, inactive instance.
func (r *Registry) Add(inst bmc.Instance) error {
	inst.Active = false
	if err := r.store.Add(inst); err != nil {
		return err
	}
	r.log.Info().Str("vmid", inst.VMID).Msg("BMC added")
	return nil
}

// Delete stops the instance if needed and removes its configuration.
func (r *Registry) Delete(vmid string) error {
	if !r.store.Exists(vmid) {
		return fmt.Errorf("vm %s: %w", vmid, bmc.ErrNotConfigured)
	}
	r.mu.Lock()
	h := r.running[vmid]
	delete(r.running, vmid)
	delete(r.failed, vmid)
	r.mu.Unlock()

	if h != nil {
		if err := r.halt(context.Background(), h); err != nil {
			return err
		}
	}
	if err := r.store.Delete(vmid); err != nil {
		return err
	}
	r.log.Info().Str("vmid", vmid).Msg("BMC deleted")
	return nil
}

// List returns every configured instance ordered by VM id. It does no
// network I/O.
func (r *Registry) List() ([]Entry, error) {
	insts, err := r.store.List()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(insts))
	for _, inst := range insts {
		entries = append(entries, r.entry(inst))
	}
	return entries, nil
}

// Show returns one instance.
func (r *Registry) Show(vmid string) (Entry, error) {
	inst, err := r.store.Get(vmid)
	if err != nil {
		return Entry{}, err
	}
	return r.entry(inst), nil
}

// SessionCount returns the live IPMI sessions of a running instance.
func (r *Registry) SessionCount(vmid string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.running[vmid]; ok {
		return h.server.SessionCount()
	}
	return 0
}

// Sync reconciles the running listeners with the store: active instances
// that are not running are started, running instances that are inactive or
// deleted are stopped.
func (r *Registry) Sync() error {
	insts, err := r.store.List()
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(insts))
	for _, inst := range insts {
		if inst.Active {
			wanted[inst.VMID] = true
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	var stale []*instance
	for vmid, h := range r.running {
		if !wanted[vmid] {
			stale = append(stale, h)
			delete(r.running, vmid)
		}
	}
	for vmid := range r.failed {
		if !wanted[vmid] {
			delete(r.failed, vmid)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, h := range stale {
		r.log.Info().Str("vmid", h.vmid).Msg("Stopping BMC no longer active")
		if err := r.halt(context.Background(), h); err != nil {
			errs = append(errs, err)
		}
	}

	for _, inst := range insts {
		if !inst.Active {
			continue
		}
		r.mu.Lock()
		if _, ok := r.running[inst.VMID]; ok || r.closed {
			r.mu.Unlock()
			continue
		}
		err := r.launch(inst)
		r.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops every listener concurrently. Persisted active flags are
// left alone so the next daemon start brings the same instances back.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	hs := make([]*instance, 0, len(r.running))
	for _, h := range r.running {
		hs = append(hs, h)
	}
	clear(r.running)
	r.mu.Unlock()

	var g errgroup.Group
	for _, h := range hs {
		g.Go(func() error {
			return r.halt(ctx, h)
		})
	}
	return g.Wait()
}

// launch binds the socket and starts serving. Caller holds r.mu.
func (r *Registry) launch(inst bmc.Instance) error {
	vmid := inst.VMID
	logger := r.log.With().Str("vmid", vmid).Logger()

	err := func() error {
		if err := inst.Validate(); err != nil {
			return err
		}
		conn, err := net.ListenPacket("udp", inst.ListenAddr())
		if err != nil {
			return fmt.Errorf("vm %s: bind %s: %w", vmid, inst.ListenAddr(), err)
		}
		client, err := r.opts.NewClient(inst)
		if err != nil {
			conn.Close()
			return fmt.Errorf("vm %s: hypervisor client: %w", vmid, err)
		}

		mopts := r.opts.Machine
		mopts.Logger = &logger
		m := machine.New(vmid, client, mopts)
		srv := ipmi.NewServer(m, ipmi.Options{
			Credentials:    ipmi.Credentials{Username: inst.Username, Password: inst.Password},
			GUID:           inst.GUID(),
			VMID:           vmid,
			SessionTimeout: r.opts.SessionTimeout,
			CommandTimeout: r.opts.CommandTimeout,
			Logger:         &logger,
		})

		ctx, cancel := context.WithCancel(context.Background())
		h := &instance{
			vmid:    vmid,
			addr:    conn.LocalAddr().String(),
			server:  srv,
			machine: m,
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		r.running[vmid] = h
		delete(r.failed, vmid)
		metrics.RunningInstances.Inc()
		go r.serve(ctx, h, conn)

		logger.Info().Str("listen", h.addr).Str("proxmox", inst.ProxmoxAddress).Msg("BMC started")
		return nil
	}()
	if err != nil {
		if r.failed[vmid] != err.Error() {
			logger.Error().Err(err).Msg("BMC failed to start")
		}
		r.failed[vmid] = err.Error()
	}
	return err
}

// serve runs one listener. A listener that returns while its context is
// still live failed on its own; it is recorded and the rest of the
// registry carries on.
func (r *Registry) serve(ctx context.Context, h *instance, conn net.PacketConn) {
	defer close(h.done)
	defer h.machine.Close()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("listener panic: %v", p)
			}
		}()
		return h.server.Serve(ctx, conn)
	}()
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("listener exited")
	}

	metrics.InstanceFailuresTotal.Inc()
	r.log.Error().Err(err).Str("vmid", h.vmid).Msg("BMC listener stopped unexpectedly")

	r.mu.Lock()
	if r.running[h.vmid] == h {
		delete(r.running, h.vmid)
		r.failed[h.vmid] = err.Error()
		metrics.RunningInstances.Dec()
	}
	r.mu.Unlock()
	h.cancel()
}

// halt stops a listener already removed from the running table and waits
// for it within the stop grace period.
func (r *Registry) halt(ctx context.Context, h *instance) error {
	h.cancel()
	metrics.RunningInstances.Dec()

	timer := time.NewTimer(r.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-h.done:
		r.log.Info().Str("vmid", h.vmid).Msg("BMC stopped")
		return nil
	case <-timer.C:
		return fmt.Errorf("vm %s: listener did not stop within %s", h.vmid, r.opts.StopGrace)
	case <-ctx.Done():
		return fmt.Errorf("vm %s: %w", h.vmid, ctx.Err())
	}
}

func (r *Registry) entry(inst bmc.Instance) Entry {
	if !r.opts.ShowPasswords {
		inst = inst.Masked()
	}
	e := Entry{Instance: inst, Status: StatusDown}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.running[inst.VMID]; ok {
		e.Status = StatusRunning
		e.Listen = h.addr
		e.Sessions = h.server.SessionCount()
	} else if msg, ok := r.failed[inst.VMID]; ok {
		e.Status = StatusError
		e.Error = msg
	}
	return e
}
