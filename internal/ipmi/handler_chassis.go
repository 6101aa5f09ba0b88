package ipmi

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/tjst-t/proxmox-bmc/internal/fault"
	"github.com/tjst-t/proxmox-bmc/internal/proxmox"
)

func handleGetChassisStatus(ctx context.Context, m Machine) (CompletionCode, []byte) {
	status, err := m.Status(ctx)
	if err != nil {
		return completionCodeFor(err), nil
	}

	var powerByte byte
	switch status.Power {
	case proxmox.PowerOn:
		powerByte = 0x01 // bit 0 = power on
	case proxmox.PowerOff:
	default:
		// no reading yet and a transition in flight
		return CompletionCodeNodeBusy, nil
	}
	powerByte |= 0x60 // power restore policy unknown

	data := []byte{
		powerByte, // Current Power State
		0x00,      // Last Power Event
		0x00,      // Misc Chassis State
		0x00,      // Front Panel Button
	}
	return CompletionCodeOK, data
}

func handleChassisControl(ctx context.Context, req ChassisControl, m Machine, log zerolog.Logger) (CompletionCode, []byte) {
	log.Info().Stringer("action", req.Action).Msg("Chassis control")
	if err := m.Control(ctx, req.Action); err != nil {
		log.Warn().Err(err).Stringer("action", req.Action).Msg("Chassis control failed")
		return completionCodeFor(err), nil
	}
	return CompletionCodeOK, nil
}

func handleSetBootOptions(ctx context.Context, req SetBootOptions, m Machine, log zerolog.Logger) (CompletionCode, []byte) {
	if req.Param != BootParamBootFlags {
		return CompletionCodeOK, nil
	}
	log.Info().Str("device", string(req.Device)).Msg("Set boot device")
	if err := m.SetBootDevice(ctx, req.Device); err != nil {
		log.Warn().Err(err).Str("device", string(req.Device)).Msg("Set boot device failed")
		return completionCodeFor(err), nil
	}
	return CompletionCodeOK, nil
}

func handleGetBootOptions(ctx context.Context, req GetBootOptions, m Machine) (CompletionCode, []byte) {
	if req.Param != BootParamBootFlags {
		return CompletionCodeParamNotSupported, nil
	}

	status, err := m.Status(ctx)
	if err != nil {
		return completionCodeFor(err), nil
	}

	data := make([]byte, 7)
	data[0] = 0x01 // parameter version
	data[1] = BootParamBootFlags
	if status.Boot != proxmox.BootNoOverride {
		data[2] = 0x80 // boot flags valid
	}
	data[3] = bootSelector(status.Boot) << 2
	return CompletionCodeOK, data
}

// completionCodeFor maps a machine or hypervisor failure onto the
// completion code reported to the IPMI client.
func completionCodeFor(err error) CompletionCode {
	switch {
	case err == nil:
		return CompletionCodeOK
	case errors.Is(err, context.DeadlineExceeded):
		return CompletionCodeTimeout
	case errors.Is(err, fault.ErrVMBusy):
		return CompletionCodeNodeBusy
	case errors.Is(err, fault.ErrHypervisorUnreachable), errors.Is(err, fault.ErrVMNotFound):
		return CompletionCodeDestinationUnavailable
	case errors.Is(err, fault.ErrConfigInvalid):
		return CompletionCodeInvalidField
	}
	return CompletionCodeUnspecified
}
