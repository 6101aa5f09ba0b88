package ipmi

import (
	"encoding/binary"

	"github.com/tjst-t/proxmox-bmc/internal/machine"
	"github.com/tjst-t/proxmox-bmc/internal/proxmox"
)

// Request is a decoded IPMI command. The concrete types below are the
// complete set of commands this BMC implements.
type Request interface {
	// minPrivilege is the session privilege the command requires.
	minPrivilege() uint8
}

type GetDeviceID struct{}

type GetSystemGUID struct{}

type GetChannelAuthCapabilities struct {
	Channel   uint8
	Extended  bool
	Privilege uint8
}

type GetChannelCipherSuites struct {
	Channel     uint8
	PayloadType uint8
	Index       uint8
}

type SetSessionPrivilege struct {
	// Level 0 asks for the current level without changing it.
	Level uint8
}

type CloseSession struct {
	SessionID uint32
}

type GetChassisStatus struct{}

type ChassisControl struct {
	Action machine.Action
}

// SetBootOptions carries a boot option write. Device is empty for the
// parameters that are accepted and ignored.
type SetBootOptions struct {
	Param  uint8
	Device proxmox.BootDevice
}

type GetBootOptions struct {
	Param uint8
}

// Unsupported is any command outside the implemented set.
type Unsupported struct {
	NetFn   uint8
	Command uint8
}

func (GetDeviceID) minPrivilege() uint8                { return PrivilegeUser }
func (GetSystemGUID) minPrivilege() uint8              { return PrivilegeUser }
func (GetChannelAuthCapabilities) minPrivilege() uint8 { return PrivilegeCallback }
func (GetChannelCipherSuites) minPrivilege() uint8     { return PrivilegeCallback }
func (SetSessionPrivilege) minPrivilege() uint8        { return PrivilegeCallback }
func (CloseSession) minPrivilege() uint8               { return PrivilegeCallback }
func (GetChassisStatus) minPrivilege() uint8           { return PrivilegeUser }
func (ChassisControl) minPrivilege() uint8             { return PrivilegeOperator }
func (SetBootOptions) minPrivilege() uint8             { return PrivilegeOperator }
func (GetBootOptions) minPrivilege() uint8             { return PrivilegeOperator }
func (Unsupported) minPrivilege() uint8                { return PrivilegeCallback }

// commandName labels metrics and logs.
func commandName(req Request) string {
	switch req.(type) {
	case GetDeviceID:
		return "get_device_id"
	case GetSystemGUID:
		return "get_system_guid"
	case GetChannelAuthCapabilities:
		return "get_channel_auth_capabilities"
	case GetChannelCipherSuites:
		return "get_channel_cipher_suites"
	case SetSessionPrivilege:
		return "set_session_privilege"
	case CloseSession:
		return "close_session"
	case GetChassisStatus:
		return "get_chassis_status"
	case ChassisControl:
		return "chassis_control"
	case SetBootOptions:
		return "set_boot_options"
	case GetBootOptions:
		return "get_boot_options"
	default:
		return "unsupported"
	}
}

// DecodeRequest maps a message to its Request. A non-OK completion code
// means the command is known but its data is unusable.
func DecodeRequest(msg *IPMIMessage) (Request, CompletionCode) {
	data := msg.Data
	switch msg.GetNetFn() {
	case NetFnApp:
		switch msg.Command {
		case CmdGetDeviceID:
			return GetDeviceID{}, CompletionCodeOK
		case CmdGetSystemGUID:
			return GetSystemGUID{}, CompletionCodeOK
		case CmdGetChannelAuthCapabilities:
			if len(data) < 2 {
				return nil, CompletionCodeInvalidLength
			}
			return GetChannelAuthCapabilities{
				Channel:   data[0] & 0x0F,
				Extended:  data[0]&0x80 != 0,
				Privilege: data[1] & 0x0F,
			}, CompletionCodeOK
		case CmdGetChannelCipherSuites:
			if len(data) < 3 {
				return nil, CompletionCodeInvalidLength
			}
			return GetChannelCipherSuites{
				Channel:     data[0] & 0x0F,
				PayloadType: data[1] & 0x3F,
				Index:       data[2] & 0x3F,
			}, CompletionCodeOK
		case CmdSetSessionPrivilege:
			if len(data) < 1 {
				return nil, CompletionCodeInvalidLength
			}
			return SetSessionPrivilege{Level: data[0] & 0x0F}, CompletionCodeOK
		case CmdCloseSession:
			if len(data) < 4 {
				return nil, CompletionCodeInvalidLength
			}
			return CloseSession{SessionID: binary.LittleEndian.Uint32(data[0:4])}, CompletionCodeOK
		}
	case NetFnChassis:
		switch msg.Command {
		case CmdGetChassisStatus:
			return GetChassisStatus{}, CompletionCodeOK
		case CmdChassisControl:
			if len(data) < 1 {
				return nil, CompletionCodeInvalidLength
			}
			action, ok := chassisAction(data[0] & 0x0F)
			if !ok {
				return nil, CompletionCodeInvalidField
			}
			return ChassisControl{Action: action}, CompletionCodeOK
		case CmdSetBootOptions:
			return decodeSetBootOptions(data)
		case CmdGetBootOptions:
			if len(data) < 1 {
				return nil, CompletionCodeInvalidLength
			}
			return GetBootOptions{Param: data[0] & 0x7F}, CompletionCodeOK
		}
	}
	return Unsupported{NetFn: msg.GetNetFn(), Command: msg.Command}, CompletionCodeOK
}

func chassisAction(code uint8) (machine.Action, bool) {
	switch code {
	case ChassisControlPowerDown:
		return machine.ActionPowerOff, true
	case ChassisControlPowerUp:
		return machine.ActionPowerOn, true
	case ChassisControlPowerCycle:
		return machine.ActionPowerCycle, true
	case ChassisControlHardReset:
		return machine.ActionHardReset, true
	case ChassisControlPulse:
		return machine.ActionPulseDiag, true
	case ChassisControlSoftOff:
		return machine.ActionSoftOff, true
	}
	return 0, false
}

func decodeSetBootOptions(data []byte) (Request, CompletionCode) {
	if len(data) < 1 {
		return nil, CompletionCodeInvalidLength
	}
	param := data[0] & 0x7F

	switch param {
	case BootParamSetInProgress, BootParamInfoAck, BootParamFlagValid:
		return SetBootOptions{Param: param}, CompletionCodeOK
	case BootParamBootFlags:
		if len(data) < 6 {
			return nil, CompletionCodeInvalidLength
		}
		// Byte 1, bit 7: flags valid. Cleared flags mean no override.
		if data[1]&0x80 == 0 {
			return SetBootOptions{Param: param, Device: proxmox.BootNoOverride}, CompletionCodeOK
		}
		device, ok := bootDeviceFromSelector((data[2] >> 2) & 0x0F)
		if !ok {
			return nil, CompletionCodeInvalidField
		}
		return SetBootOptions{Param: param, Device: device}, CompletionCodeOK
	}
	return nil, CompletionCodeParamNotSupported
}

func bootDeviceFromSelector(sel uint8) (proxmox.BootDevice, bool) {
	switch sel {
	case BootSelectorNone:
		return proxmox.BootNoOverride, true
	case BootSelectorPXE:
		return proxmox.BootNetwork, true
	case BootSelectorDisk:
		return proxmox.BootDisk, true
	case BootSelectorCDROM:
		return proxmox.BootCDROM, true
	}
	return "", false
}

func bootSelector(device proxmox.BootDevice) uint8 {
	switch device {
	case proxmox.BootNetwork:
		return BootSelectorPXE
	case proxmox.BootDisk:
		return BootSelectorDisk
	case proxmox.BootCDROM:
		return BootSelectorCDROM
	}
	return BootSelectorNone
}
