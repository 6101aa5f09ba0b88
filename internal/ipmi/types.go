package ipmi

import (
	"context"

	"github.com/tjst-t/proxmox-bmc/internal/machine"
	"github.com/tjst-t/proxmox-bmc/internal/proxmox"
)

// Machine defines what the IPMI server needs from the machine layer
type Machine interface {
	Status(ctx context.Context) (machine.Status, error)
	Control(ctx context.Context, action machine.Action) error
	SetBootDevice(ctx context.Context, device proxmox.BootDevice) error
}

// Credentials is the single local user of an emulated BMC.
type Credentials struct {
	Username string
	Password string
}

// RMCP constants
const (
	RMCPVersion1  = 0x06
	RMCPClassASF  = 0x06
	RMCPClassIPMI = 0x07
)

// Authentication types
const (
	AuthTypeNone     = 0x00
	AuthTypeMD2      = 0x01
	AuthTypeMD5      = 0x02
	AuthTypePassword = 0x04
	AuthTypeOEM      = 0x05
	AuthTypeRMCPPlus = 0x06
)

// IPMI Network Functions
const (
	NetFnChassis         = 0x00
	NetFnChassisResponse = 0x01
	NetFnApp             = 0x06
	NetFnAppResponse     = 0x07
)

// IPMI App Commands
const (
	CmdGetDeviceID                = 0x01
	CmdGetSystemGUID              = 0x37
	CmdGetChannelAuthCapabilities = 0x38
	CmdSetSessionPrivilege        = 0x3B
	CmdCloseSession               = 0x3C
	CmdGetChannelCipherSuites     = 0x54
)

// IPMI Chassis Commands
const (
	CmdGetChassisStatus = 0x01
	CmdChassisControl   = 0x02
	CmdSetBootOptions   = 0x08
	CmdGetBootOptions   = 0x09
)

// Chassis Control values
const (
	ChassisControlPowerDown  = 0x00
	ChassisControlPowerUp    = 0x01
	ChassisControlPowerCycle = 0x02
	ChassisControlHardReset  = 0x03
	ChassisControlPulse      = 0x04
	ChassisControlSoftOff    = 0x05
)

// Boot option parameters
const (
	BootParamSetInProgress = 0x00
	BootParamInfoAck       = 0x03
	BootParamFlagValid     = 0x04
	BootParamBootFlags     = 0x05
)

// Boot device selector values (boot flags data byte 2, bits 5:2)
const (
	BootSelectorNone  = 0x00
	BootSelectorPXE   = 0x01
	BootSelectorDisk  = 0x02
	BootSelectorCDROM = 0x05
)

// RMCP+ Payload Types
const (
	PayloadTypeIPMI                = 0x00
	PayloadTypeOpenSessionRequest  = 0x10
	PayloadTypeOpenSessionResponse = 0x11
	PayloadTypeRAKPMessage1        = 0x12
	PayloadTypeRAKPMessage2        = 0x13
	PayloadTypeRAKPMessage3        = 0x14
	PayloadTypeRAKPMessage4        = 0x15

	payloadEncrypted     = 0x80
	payloadAuthenticated = 0x40
)

// Privilege levels
const (
	PrivilegeCallback      = 0x01
	PrivilegeUser          = 0x02
	PrivilegeOperator      = 0x03
	PrivilegeAdministrator = 0x04
)

// RMCP+ status codes carried by open session and RAKP responses
const (
	StatusOK                     = 0x00
	StatusInsufficientResources  = 0x01
	StatusInvalidSessionID       = 0x02
	StatusInvalidAuthAlgorithm   = 0x04
	StatusInvalidIntegrityAlg    = 0x05
	StatusInvalidRole            = 0x09
	StatusInvalidNameLength      = 0x0C
	StatusUnauthorizedName       = 0x0D
	StatusInvalidIntegrityCheck  = 0x0F
	StatusInvalidConfidentiality = 0x10
	StatusNoCipherSuiteMatch     = 0x11
)

// CompletionCode represents an IPMI completion code
type CompletionCode uint8

const (
	CompletionCodeOK                     CompletionCode = 0x00
	CompletionCodeParamNotSupported      CompletionCode = 0x80
	CompletionCodePrivilegeExceeded      CompletionCode = 0x81
	CompletionCodeInvalidSessionID       CompletionCode = 0x87
	CompletionCodeNodeBusy               CompletionCode = 0xC0
	CompletionCodeInvalidCommand         CompletionCode = 0xC1
	CompletionCodeTimeout                CompletionCode = 0xC3
	CompletionCodeInvalidLength          CompletionCode = 0xC7
	CompletionCodeInvalidField           CompletionCode = 0xCC
	CompletionCodeDestinationUnavailable CompletionCode = 0xD3
	CompletionCodeInsufficientPrivilege  CompletionCode = 0xD4
	CompletionCodeUnspecified            CompletionCode = 0xFF
)
