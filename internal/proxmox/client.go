package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tjst-t/proxmox-bmc/internal/fault"
	"github.com/tjst-t/proxmox-bmc/internal/metrics"
)

const (
	defaultPort             = "8006"
	apiPath                 = "/api2/json"
	defaultRequestTimeout   = 10 * time.Second
	defaultTaskTimeout      = 60 * time.Second
	defaultTaskPollInterval = 500 * time.Millisecond
)

// Options configures an HTTP client for one Proxmox VE endpoint.
type Options struct {
	// Endpoint is "host", "host:port" or a full URL.
	Endpoint   string
	TokenUser  string
	TokenName  string
	TokenValue string

	InsecureTLS      bool
	RequestTimeout   time.Duration
	TaskTimeout      time.Duration
	TaskPollInterval time.Duration
	BootDevices      BootDevices

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// HTTPClient talks to the Proxmox VE REST API with an API token.
type HTTPClient struct {
	base    string
	auth    string
	http    *http.Client
	opts    Options
	locks   vmLocks
	log     zerolog.Logger
	nodesMu sync.Mutex
	nodes   map[string]string
}

var _ Client = (*HTTPClient)(nil)

// NewClient validates opts and returns a client. No request is made.
func NewClient(opts Options) (*HTTPClient, error) {
	base, err := normalizeEndpoint(opts.Endpoint)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfigInvalid, "proxmox.NewClient", "", err)
	}
	if opts.TokenUser == "" || opts.TokenName == "" || opts.TokenValue == "" {
		return nil, fault.New(fault.KindConfigInvalid, "proxmox.NewClient", "", "token user, name and value are required")
	}
	if opts.BootDevices == (BootDevices{}) {
		opts.BootDevices = DefaultBootDevices()
	}
	if err := opts.BootDevices.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindConfigInvalid, "proxmox.NewClient", "", err)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.TaskPollInterval <= 0 {
		opts.TaskPollInterval = defaultTaskPollInterval
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					// Proxmox ships a self-signed certificate by default
					InsecureSkipVerify: opts.InsecureTLS,
				},
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &HTTPClient{
		base:  base,
		auth:  fmt.Sprintf("PVEAPIToken=%s!%s=%s", opts.TokenUser, opts.TokenName, opts.TokenValue),
		http:  httpClient,
		opts:  opts,
		locks: vmLocks{m: make(map[string]chan struct{})},
		log:   logger.With().Str("component", "proxmox").Str("endpoint", base).Logger(),
		nodes: make(map[string]string),
	}, nil
}

func normalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("proxmox endpoint is required")
	}
	if !strings.Contains(endpoint, "://") {
		host := endpoint
		if _, _, err := net.SplitHostPort(endpoint); err != nil {
			host = net.JoinHostPort(strings.Trim(endpoint, "[]"), defaultPort)
		}
		endpoint = "https://" + host
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing proxmox endpoint: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("unsupported proxmox endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("proxmox endpoint %q has no host", endpoint)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), apiPath) + apiPath
	u.RawQuery = ""
	return u.String(), nil
}

// GetPowerState returns the VM's current power state.
func (c *HTTPClient) GetPowerState(ctx context.Context, vmid string) (PowerState, error) {
	const op = "GetPowerState"
	node, err := c.locate(ctx, op, vmid)
	if err != nil {
		return PowerUnknown, err
	}
	st, err := c.status(ctx, op, node, vmid)
	if err != nil {
		return PowerUnknown, err
	}
	return st.powerState(), nil
}

// SetPowerState drives the VM to target. Requests that match the current
// state are no-ops. Start, stop and reset wait for the hypervisor task;
// shutdown only asks the guest and returns.
func (c *HTTPClient) SetPowerState(ctx context.Context, vmid string, target PowerTarget) error {
	const op = "SetPowerState"

	var action string
	switch target {
	case TargetOn:
		action = "start"
	case TargetOff:
		action = "stop"
	case TargetSoftOff:
		action = "shutdown"
	case TargetReset:
		action = "reset"
	default:
		return fault.New(fault.KindConfigInvalid, op, vmid, "unsupported power target %q", target)
	}

	unlock, err := c.locks.acquire(ctx, vmid)
	if err != nil {
		return err
	}
	defer unlock()

	node, err := c.locate(ctx, op, vmid)
	if err != nil {
		return err
	}
	st, err := c.status(ctx, op, node, vmid)
	if err != nil {
		return err
	}
	if st.Lock != "" {
		return fault.New(fault.KindVMBusy, op, vmid, "VM is locked (%s)", st.Lock)
	}

	current := st.powerState()
	switch {
	case target == TargetOn && current == PowerOn,
		target != TargetOn && current == PowerOff:
		c.log.Debug().Str("vmid", vmid).Str("target", string(target)).Msg("VM already in requested power state")
		return nil
	}

	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%s/status/%s", url.PathEscape(node), vmid, action)
	if err := c.do(ctx, op, vmid, http.MethodPost, path, nil, &upid); err != nil {
		return err
	}
	c.log.Info().Str("vmid", vmid).Str("node", node).Str("action", action).Str("upid", upid).Msg("Power task submitted")

	if target == TargetSoftOff || upid == "" {
		return nil
	}
	return c.waitTask(ctx, op, vmid, node, upid)
}

// GetBootOrder returns the VM's boot order as hardware identifiers.
func (c *HTTPClient) GetBootOrder(ctx context.Context, vmid string) ([]string, error) {
	const op = "GetBootOrder"
	node, err := c.locate(ctx, op, vmid)
	if err != nil {
		return nil, err
	}
	cfg, err := c.config(ctx, op, node, vmid)
	if err != nil {
		return nil, err
	}
	return parseBootOrder(cfg.Boot, cfg.BootDisk, c.opts.BootDevices), nil
}

// SetBootDevice moves the configured identifier for device to the front of
// the boot order. BootDefault restores disk, cdrom, network precedence and
// BootNoOverride leaves the VM untouched.
func (c *HTTPClient) SetBootDevice(ctx context.Context, vmid string, device BootDevice) error {
	const op = "SetBootDevice"

	var first []string
	switch device {
	case BootNoOverride:
		return nil
	case BootDefault:
		d := c.opts.BootDevices
		first = []string{d.Disk, d.CDROM, d.Network}
	default:
		id, ok := c.opts.BootDevices.Identifier(device)
		if !ok {
			return fault.New(fault.KindConfigInvalid, op, vmid, "unsupported boot device %q", device)
		}
		first = []string{id}
	}

	unlock, err := c.locks.acquire(ctx, vmid)
	if err != nil {
		return err
	}
	defer unlock()

	node, err := c.locate(ctx, op, vmid)
	if err != nil {
		return err
	}
	cfg, err := c.config(ctx, op, node, vmid)
	if err != nil {
		return err
	}
	if cfg.Lock != "" {
		return fault.New(fault.KindVMBusy, op, vmid, "VM is locked (%s)", cfg.Lock)
	}

	current := parseBootOrder(cfg.Boot, cfg.BootDisk, c.opts.BootDevices)
	order := reorder(current, first...)
	if slices.Equal(order, current) && strings.HasPrefix(cfg.Boot, "order=") {
		return nil
	}

	form := url.Values{"boot": {formatBootOrder(order)}}
	path := fmt.Sprintf("/nodes/%s/qemu/%s/config", url.PathEscape(node), vmid)
	if err := c.do(ctx, op, vmid, http.MethodPut, path, form, nil); err != nil {
		return err
	}
	c.log.Info().Str("vmid", vmid).Str("node", node).Strs("order", order).Msg("Boot order updated")
	return nil
}

// locate returns the node hosting vmid, from cache when possible.
func (c *HTTPClient) locate(ctx context.Context, op, vmid string) (string, error) {
	if _, err := strconv.ParseUint(vmid, 10, 32); err != nil {
		return "", fault.New(fault.KindConfigInvalid, op, vmid, "VM id must be numeric")
	}

	c.nodesMu.Lock()
	node, ok := c.nodes[vmid]
	c.nodesMu.Unlock()
	if ok {
		return node, nil
	}

	var resources []clusterResource
	if err := c.do(ctx, op, vmid, http.MethodGet, "/cluster/resources?type=vm", nil, &resources); err != nil {
		return "", err
	}
	for _, r := range resources {
		if strconv.Itoa(r.VMID) == vmid && r.Type == "qemu" {
			c.nodesMu.Lock()
			c.nodes[vmid] = r.Node
			c.nodesMu.Unlock()
			return r.Node, nil
		}
	}
	return "", fault.New(fault.KindVMNotFound, op, vmid, "VM is not part of the cluster")
}

func (c *HTTPClient) forget(vmid string) {
	c.nodesMu.Lock()
	delete(c.nodes, vmid)
	c.nodesMu.Unlock()
}

func (c *HTTPClient) status(ctx context.Context, op, node, vmid string) (vmStatus, error) {
	var st vmStatus
	path := fmt.Sprintf("/nodes/%s/qemu/%s/status/current", url.PathEscape(node), vmid)
	err := c.do(ctx, op, vmid, http.MethodGet, path, nil, &st)
	return st, err
}

func (c *HTTPClient) config(ctx context.Context, op, node, vmid string) (vmConfig, error) {
	var cfg vmConfig
	path := fmt.Sprintf("/nodes/%s/qemu/%s/config", url.PathEscape(node), vmid)
	err := c.do(ctx, op, vmid, http.MethodGet, path, nil, &cfg)
	return cfg, err
}

// waitTask polls a task until it stops. A task still running after
// TaskTimeout is reported as VMBusy.
func (c *HTTPClient) waitTask(ctx context.Context, op, vmid, node, upid string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.TaskTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.TaskPollInterval)
	defer ticker.Stop()

	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))
	for {
		var ts taskStatus
		err := c.do(ctx, op, vmid, http.MethodGet, path, nil, &ts)
		switch {
		case err == nil && ts.Status == "stopped":
			if ts.ExitStatus == "OK" || strings.HasPrefix(ts.ExitStatus, "WARNINGS") {
				return nil
			}
			return classifyMessage(op, vmid, ts.ExitStatus, fault.KindInternal)
		case err != nil && ctx.Err() == nil:
			return err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fault.New(fault.KindVMBusy, op, vmid, "task %s still running after %s", upid, c.opts.TaskTimeout)
			}
			return ctx.Err()
		}
	}
}

// do performs one API request and decodes the "data" member into out.
func (c *HTTPClient) do(ctx context.Context, op, vmid, method, path string, form url.Values, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = strings.ReplaceAll(fault.KindOf(err).String(), " ", "_")
		}
		metrics.HypervisorRequestsTotal.WithLabelValues(op, outcome).Inc()
		metrics.HypervisorRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if fault.KindOf(err) == fault.KindVMNotFound {
			c.forget(vmid)
		}
	}()

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.base+path, body)
	if err != nil {
		return fault.Wrap(fault.KindConfigInvalid, op, vmid, err)
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	c.log.Debug().Str("method", method).Str("path", path).Msg("Proxmox request")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.Wrap(fault.KindHypervisorUnreachable, op, vmid, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fault.Wrap(fault.KindHypervisorUnreachable, op, vmid, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyResponse(op, vmid, resp, raw)
	}
	if out == nil {
		return nil
	}

	env := envelope[json.RawMessage]{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fault.Wrap(fault.KindInternal, op, vmid, fmt.Errorf("decoding response: %w", err))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fault.Wrap(fault.KindInternal, op, vmid, fmt.Errorf("decoding response data: %w", err))
	}
	return nil
}

// classifyResponse maps a failed API response to an error kind. Proxmox
// reports most failures in the status line, so the reason text matters as
// much as the code.
func classifyResponse(op, vmid string, resp *http.Response, raw []byte) error {
	msg := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	var env envelope[json.RawMessage]
	if json.Unmarshal(raw, &env) == nil {
		if env.Message != "" {
			msg = strings.TrimSpace(env.Message)
		}
		for k, v := range env.Errors {
			msg += fmt.Sprintf("; %s: %s", k, strings.TrimSpace(v))
		}
	}
	msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg)

	fallback := fault.KindHypervisorUnreachable
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		fallback = fault.KindHypervisorUnreachable
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		fallback = fault.KindConfigInvalid
	}
	return classifyMessage(op, vmid, msg, fallback)
}

func classifyMessage(op, vmid, msg string, fallback fault.Kind) error {
	lower := strings.ToLower(msg)
	kind := fallback
	switch {
	case strings.Contains(lower, "does not exist"), strings.Contains(lower, "no such vm"):
		kind = fault.KindVMNotFound
	case strings.Contains(lower, "locked"), strings.Contains(lower, "can't lock file"),
		strings.Contains(lower, "got timeout"):
		kind = fault.KindVMBusy
	}
	return fault.New(kind, op, vmid, "%s", msg)
}

// vmLocks serializes mutations per VM id. Different VMs never contend.
type vmLocks struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func (l *vmLocks) acquire(ctx context.Context, vmid string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.m[vmid]
	if !ok {
		ch = make(chan struct{}, 1)
		l.m[vmid] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
