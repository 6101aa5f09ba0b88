package proxmox

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/tjst-t/proxmox-bmc/internal/fault"
)

// MemoryClient is an in-process hypervisor with the same idempotence rules
// as HTTPClient. It backs the test server and package tests.
type MemoryClient struct {
	mu       sync.Mutex
	devices  BootDevices
	vms      map[string]*memoryVM
	calls    []string
	failures []error
}

type memoryVM struct {
	power PowerState
	order []string
}

var _ Client = (*MemoryClient)(nil)

// NewMemoryClient returns an empty hypervisor using devices as the boot
// device layout.
func NewMemoryClient(devices BootDevices) *MemoryClient {
	if devices == (BootDevices{}) {
		devices = DefaultBootDevices()
	}
	return &MemoryClient{
		devices: devices,
		vms:     make(map[string]*memoryVM),
	}
}

// AddVM registers a VM. Without an explicit order the VM boots disk,
// cdrom, network.
func (c *MemoryClient) AddVM(vmid string, power PowerState, order ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(order) == 0 {
		order = []string{c.devices.Disk, c.devices.CDROM, c.devices.Network}
	}
	c.vms[vmid] = &memoryVM{power: power, order: slices.Clone(order)}
}

// FailNext makes the next len(errs) mutating calls fail with errs in order.
func (c *MemoryClient) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, errs...)
}

// Calls returns the mutating calls received so far.
func (c *MemoryClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

// Power returns the VM's power state without recording a call.
func (c *MemoryClient) Power(vmid string) PowerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vm, ok := c.vms[vmid]; ok {
		return vm.power
	}
	return PowerUnknown
}

func (c *MemoryClient) GetPowerState(ctx context.Context, vmid string) (PowerState, error) {
	if err := ctx.Err(); err != nil {
		return PowerUnknown, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	vm, err := c.vm("GetPowerState", vmid)
	if err != nil {
		return PowerUnknown, err
	}
	return vm.power, nil
}

func (c *MemoryClient) SetPowerState(ctx context.Context, vmid string, target PowerTarget) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf("SetPowerState %s %s", vmid, target))
	if err := c.nextFailure(); err != nil {
		return err
	}
	vm, err := c.vm("SetPowerState", vmid)
	if err != nil {
		return err
	}
	switch target {
	case TargetOn:
		vm.power = PowerOn
	case TargetOff, TargetSoftOff:
		vm.power = PowerOff
	case TargetReset:
	default:
		return fault.New(fault.KindConfigInvalid, "SetPowerState", vmid, "unsupported power target %q", target)
	}
	return nil
}

func (c *MemoryClient) GetBootOrder(ctx context.Context, vmid string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	vm, err := c.vm("GetBootOrder", vmid)
	if err != nil {
		return nil, err
	}
	return slices.Clone(vm.order), nil
}

func (c *MemoryClient) SetBootDevice(ctx context.Context, vmid string, device BootDevice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf("SetBootDevice %s %s", vmid, device))
	if err := c.nextFailure(); err != nil {
		return err
	}
	vm, err := c.vm("SetBootDevice", vmid)
	if err != nil {
		return err
	}
	switch device {
	case BootNoOverride:
	case BootDefault:
		vm.order = reorder(vm.order, c.devices.Disk, c.devices.CDROM, c.devices.Network)
	default:
		id, ok := c.devices.Identifier(device)
		if !ok {
			return fault.New(fault.KindConfigInvalid, "SetBootDevice", vmid, "unsupported boot device %q", device)
		}
		vm.order = reorder(vm.order, id)
	}
	return nil
}

func (c *MemoryClient) vm(op, vmid string) (*memoryVM, error) {
	vm, ok := c.vms[vmid]
	if !ok {
		return nil, fault.New(fault.KindVMNotFound, op, vmid, "VM is not part of the cluster")
	}
	return vm, nil
}

func (c *MemoryClient) nextFailure() error {
	if len(c.failures) == 0 {
		return nil
	}
	err := c.failures[0]
	c.failures = c.failures[1:]
	return err
}
