package bmc

import (
	"crypto/subtle"
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/tjst-t/proxmox-bmc/internal/fault"
)

const (
	// DefaultAddress listens on every interface, IPv4 included.
	DefaultAddress = "::"
	// DefaultPort is the RMCP port. Port 0 selects an ephemeral port.
	DefaultPort = 623

	maskedValue = "***"
)

// Instance is the persisted configuration of one emulated BMC.
type Instance struct {
	VMID           string `yaml:"vmid" json:"vmid"`
	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"password" json:"password"`
	Address        string `yaml:"address" json:"address"`
	Port           int    `yaml:"port" json:"port"`
	ProxmoxAddress string `yaml:"proxmox_address" json:"proxmox_address"`
	TokenUser      string `yaml:"token_user" json:"token_user"`
	TokenName      string `yaml:"token_name" json:"token_name"`
	TokenValue     string `yaml:"token_value" json:"token_value"`
	VerifyTLS      bool   `yaml:"verify_tls" json:"verify_tls"`
	Active         bool   `yaml:"active" json:"active"`
}

// ApplyDefaults fills in unset optional fields.
func (i *Instance) ApplyDefaults() {
	if i.Address == "" {
		i.Address = DefaultAddress
	}
}

// Validate reports the first problem that would prevent the instance from
// serving.
func (i Instance) Validate() error {
	if _, err := strconv.ParseUint(i.VMID, 10, 32); err != nil {
		return fault.New(fault.KindConfigInvalid, "Validate", i.VMID, "vmid must be a positive number")
	}
	switch {
	case i.Username == "":
		return fault.New(fault.KindConfigInvalid, "Validate", i.VMID, "username is required")
	case len(i.Username) > 16:
		return fault.New(fault.KindConfigInvalid, "Validate", i.VMID, "username is longer than 16 bytes")
	case i.Password == "":
		return fault.New(fault.KindConfigInvalid, "Validate", i.VMID, "password is required")
	case len(i.Password) > 20:
		return fault.New(fault.KindConfigInvalid, "Validate", i.VMID, "password is longer than 20 bytes")
	case i.Port < 0 || i.Port > 65535:
		return fault.New(fault.KindConfigInvalid, "Validate", i.VMID, "port %d out of range", i.Port)
	case i.ProxmoxAddress == "":
		return fault.New(fault.KindConfigInvalid, "Validate", i.VMID, "proxmox_address is required")
	case i.TokenUser == "" || i.TokenName == "" || i.TokenValue == "":
		return fault.New(fault.KindConfigInvalid, "Validate", i.VMID, "token_user, token_name and token_value are required")
	}
	if i.Address != "" && net.ParseIP(i.Address) == nil {
		return fault.New(fault.KindConfigInvalid, "Validate", i.VMID, "address %q is not an IP address", i.Address)
	}
	return nil
}

// ListenAddr returns the UDP address to bind.
func (i Instance) ListenAddr() string {
	addr := i.Address
	if addr == "" {
		addr = DefaultAddress
	}
	return net.JoinHostPort(addr, strconv.Itoa(i.Port))
}

// Masked returns a copy safe to print or log.
func (i Instance) Masked() Instance {
	if i.Password != "" {
		i.Password = maskedValue
	}
	if i.TokenValue != "" {
		i.TokenValue = maskedValue
	}
	return i
}

// CheckCredentials validates a username and password against the
// instance's single IPMI user using constant-time comparison.
func (i Instance) CheckCredentials(username, password string) bool {
	userMatch := subtle.ConstantTimeCompare([]byte(i.Username), []byte(username)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(i.Password), []byte(password)) == 1
	return userMatch && passMatch
}

var guidNamespace = uuid.MustParse("9e1d6a4c-3f0b-5d8e-a2c7-5b4f1e0d9c83")

// GUID returns the system GUID reported over IPMI. It is stable for a VM id.
func (i Instance) GUID() [16]byte {
	return uuid.NewSHA1(guidNamespace, []byte("vm/"+i.VMID))
}
