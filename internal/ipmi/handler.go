package ipmi

import (
	"context"
	"fmt"

	"github.com/tjst-t/proxmox-bmc/internal/metrics"
)

// dispatch decodes msg and runs it against the session. closeAfter reports
// that the session must be torn down once the reply is sent.
func (s *Server) dispatch(ctx context.Context, session *Session, msg *IPMIMessage) (code CompletionCode, data []byte, closeAfter bool) {
	req, code := DecodeRequest(msg)
	defer func() {
		s.observe(req, msg, code)
	}()
	if code != CompletionCodeOK {
		return code, nil, false
	}
	if session.Privilege < req.minPrivilege() {
		return CompletionCodeInsufficientPrivilege, nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	log := s.log.With().Uint32("session", session.ManagedSystemSessionID).Logger()

	switch r := req.(type) {
	case GetDeviceID:
		code, data = handleGetDeviceID()
	case GetSystemGUID:
		code, data = handleGetSystemGUID(s.guid)
	case GetChannelAuthCapabilities:
		code, data = handleGetChannelAuthCapabilities(r)
	case GetChannelCipherSuites:
		code, data = handleGetChannelCipherSuites(r)
	case SetSessionPrivilege:
		code, data = handleSetSessionPrivilege(session, r)
	case CloseSession:
		code, closeAfter = s.handleCloseSession(session, r)
	case GetChassisStatus:
		code, data = handleGetChassisStatus(ctx, s.machine)
	case ChassisControl:
		code, data = handleChassisControl(ctx, r, s.machine, log)
	case SetBootOptions:
		code, data = handleSetBootOptions(ctx, r, s.machine, log)
	case GetBootOptions:
		code, data = handleGetBootOptions(ctx, r, s.machine)
	case Unsupported:
		log.Debug().Uint8("netfn", r.NetFn).Uint8("cmd", r.Command).Msg("Unsupported command")
		code = CompletionCodeInvalidCommand
	default:
		code = CompletionCodeInvalidCommand
	}
	return code, data, closeAfter
}

// dispatchSessionless answers the commands a console may send before it
// has a session. Everything else needs a session.
func (s *Server) dispatchSessionless(msg *IPMIMessage) (code CompletionCode, data []byte) {
	req, code := DecodeRequest(msg)
	defer func() {
		s.observe(req, msg, code)
	}()
	if code != CompletionCodeOK {
		return code, nil
	}

	switch r := req.(type) {
	case GetChannelAuthCapabilities:
		return handleGetChannelAuthCapabilities(r)
	case GetChannelCipherSuites:
		return handleGetChannelCipherSuites(r)
	case Unsupported:
		return CompletionCodeInvalidCommand, nil
	default:
		return CompletionCodeInsufficientPrivilege, nil
	}
}

func (s *Server) observe(req Request, msg *IPMIMessage, code CompletionCode) {
	name := "invalid_request"
	if req != nil {
		name = commandName(req)
	}
	metrics.IPMIRequestsTotal.WithLabelValues(name, fmt.Sprintf("0x%02x", uint8(code))).Inc()
	s.log.Debug().
		Str("command", name).
		Uint8("netfn", msg.GetNetFn()).
		Uint8("cmd", msg.Command).
		Str("completion_code", fmt.Sprintf("0x%02x", uint8(code))).
		Msg("IPMI request")
}

func handleSetSessionPrivilege(session *Session, req SetSessionPrivilege) (CompletionCode, []byte) {
	if req.Level == 0 {
		return CompletionCodeOK, []byte{session.Privilege}
	}
	if req.Level < PrivilegeUser || req.Level > PrivilegeAdministrator {
		return CompletionCodeInvalidField, nil
	}
	if req.Level > session.privilegeLevel() {
		return CompletionCodePrivilegeExceeded, nil
	}
	session.Privilege = req.Level
	return CompletionCodeOK, []byte{session.Privilege}
}

func (s *Server) handleCloseSession(session *Session, req CloseSession) (CompletionCode, bool) {
	if req.SessionID == session.ManagedSystemSessionID {
		return CompletionCodeOK, true
	}
	if session.Privilege < PrivilegeAdministrator {
		return CompletionCodeInsufficientPrivilege, false
	}
	if !s.sessions.RemoveSession(req.SessionID) {
		return CompletionCodeInvalidSessionID, false
	}
	s.log.Info().Uint32("session", req.SessionID).Msg("Session closed by another session")
	return CompletionCodeOK, false
}
