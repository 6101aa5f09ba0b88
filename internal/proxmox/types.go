package proxmox

import (
	"context"
	"fmt"
	"strings"
)

// PowerState is the power status of a VM as seen by the BMC.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// PowerTarget is a requested power transition.
type PowerTarget string

const (
	TargetOn      PowerTarget = "on"
	TargetOff     PowerTarget = "off"
	TargetSoftOff PowerTarget = "soft-off"
	TargetReset   PowerTarget = "reset"
)

// BootDevice is an abstract boot device selection.
type BootDevice string

const (
	BootDisk       BootDevice = "disk"
	BootCDROM      BootDevice = "cdrom"
	BootNetwork    BootDevice = "network"
	BootNoOverride BootDevice = "no-override"
	BootDefault    BootDevice = "default"
)

// BootDevices maps abstract boot devices to the VM hardware identifiers used
// in the Proxmox boot order. The emulator assumes every VM follows this
// layout; it does not inspect the VM hardware.
type BootDevices struct {
	Disk    string `mapstructure:"disk" yaml:"disk"`
	CDROM   string `mapstructure:"cdrom" yaml:"cdrom"`
	Network string `mapstructure:"network" yaml:"network"`
}

// DefaultBootDevices returns the layout of a VM created with the Proxmox
// defaults: first SCSI disk, IDE CD drive, first NIC.
func DefaultBootDevices() BootDevices {
	return BootDevices{Disk: "scsi0", CDROM: "ide2", Network: "net0"}
}

// Validate checks that every identifier is set.
func (d BootDevices) Validate() error {
	if d.Disk == "" || d.CDROM == "" || d.Network == "" {
		return fmt.Errorf("boot devices: disk, cdrom and network identifiers are required")
	}
	return nil
}

// Identifier returns the hardware identifier for dev.
func (d BootDevices) Identifier(dev BootDevice) (string, bool) {
	switch dev {
	case BootDisk:
		return d.Disk, true
	case BootCDROM:
		return d.CDROM, true
	case BootNetwork:
		return d.Network, true
	}
	return "", false
}

// Client is the hypervisor contract used by the BMC state machine.
// Implementations must be idempotent: requesting the state a VM is already
// in succeeds without side effects.
type Client interface {
	GetPowerState(ctx context.Context, vmid string) (PowerState, error)
	SetPowerState(ctx context.Context, vmid string, target PowerTarget) error
	GetBootOrder(ctx context.Context, vmid string) ([]string, error)
	SetBootDevice(ctx context.Context, vmid string, device BootDevice) error
}

// BootDeviceFromOrder classifies the first entry of a boot order.
func BootDeviceFromOrder(order []string, devices BootDevices) BootDevice {
	if len(order) == 0 {
		return BootNoOverride
	}
	first := order[0]
	switch first {
	case devices.Disk:
		return BootDisk
	case devices.CDROM:
		return BootCDROM
	case devices.Network:
		return BootNetwork
	}
	switch {
	case strings.HasPrefix(first, "net"):
		return BootNetwork
	case strings.HasPrefix(first, "scsi"), strings.HasPrefix(first, "sata"),
		strings.HasPrefix(first, "virtio"), strings.HasPrefix(first, "ide"):
		return BootDisk
	}
	return BootNoOverride
}

// reorder moves first to the front of order. Remaining entries keep their
// relative order.
func reorder(order []string, first ...string) []string {
	out := make([]string, 0, len(order)+len(first))
	seen := make(map[string]bool, len(first))
	for _, id := range first {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, id := range order {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// parseBootOrder reads a VM's boot configuration. Both the current
// "order=a;b;c" form and the legacy letter form ("cdn") are understood.
func parseBootOrder(boot, bootdisk string, devices BootDevices) []string {
	if boot == "" {
		boot = "cdn"
	}
	for _, part := range strings.Split(boot, ",") {
		if v, ok := strings.CutPrefix(part, "order="); ok {
			var order []string
			for _, id := range strings.Split(v, ";") {
				if id = strings.TrimSpace(id); id != "" {
					order = append(order, id)
				}
			}
			return order
		}
	}

	disk := devices.Disk
	if bootdisk != "" {
		disk = bootdisk
	}
	var order []string
	for _, c := range boot {
		switch c {
		case 'c':
			order = append(order, disk)
		case 'd':
			order = append(order, devices.CDROM)
		case 'n':
			order = append(order, devices.Network)
		}
	}
	return order
}

func formatBootOrder(order []string) string {
	return "order=" + strings.Join(order, ";")
}

// Proxmox API payloads.

type envelope[T any] struct {
	Data    T                 `json:"data"`
	Message string            `json:"message,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

type clusterResource struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Node   string `json:"node"`
	VMID   int    `json:"vmid"`
	Status string `json:"status"`
}

type vmStatus struct {
	Status    string `json:"status"`
	QMPStatus string `json:"qmpstatus"`
	Lock      string `json:"lock"`
}

func (s vmStatus) powerState() PowerState {
	switch s.Status {
	case "running":
		return PowerOn
	case "stopped":
		return PowerOff
	}
	return PowerUnknown
}

type vmConfig struct {
	Boot     string `json:"boot"`
	BootDisk string `json:"bootdisk"`
	Lock     string `json:"lock"`
}

type taskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}
