package ipmi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

const rmcpPlusHeaderLen = 12

// RMCPPlusSessionHeader is the RMCP+ session header
type RMCPPlusSessionHeader struct {
	AuthType        uint8 // Always 0x06
	PayloadType     uint8 // encrypted(1b) + authenticated(1b) + type(6b)
	SessionID       uint32
	SessionSequence uint32
	PayloadLength   uint16
}

func parseRMCPPlusHeader(data []byte) (*RMCPPlusSessionHeader, []byte, error) {
	if len(data) < rmcpPlusHeaderLen {
		return nil, nil, malformed("RMCP+ message too short")
	}
	header := &RMCPPlusSessionHeader{
		AuthType:        data[0],
		PayloadType:     data[1],
		SessionID:       binary.LittleEndian.Uint32(data[2:6]),
		SessionSequence: binary.LittleEndian.Uint32(data[6:10]),
		PayloadLength:   binary.LittleEndian.Uint16(data[10:12]),
	}
	end := rmcpPlusHeaderLen + int(header.PayloadLength)
	if end > len(data) {
		return nil, nil, malformed("payload length exceeds data")
	}
	return header, data[rmcpPlusHeaderLen:end], nil
}

// handleRMCPPlus processes an RMCP+ message and returns the RMCP+ response
// without the RMCP header. A nil response with a nil error means the
// message needs no reply.
func (s *Server) handleRMCPPlus(ctx context.Context, data []byte) ([]byte, error) {
	header, payload, err := parseRMCPPlusHeader(data)
	if err != nil {
		return nil, err
	}

	payloadType := header.PayloadType & 0x3F
	switch payloadType {
	case PayloadTypeOpenSessionRequest:
		return s.handleOpenSession(payload)
	case PayloadTypeRAKPMessage1:
		return s.handleRAKPMessage1(payload)
	case PayloadTypeRAKPMessage3:
		return s.handleRAKPMessage3(payload)
	case PayloadTypeIPMI:
		if header.SessionID == 0 {
			if header.PayloadType&(payloadEncrypted|payloadAuthenticated) != 0 {
				return nil, malformed("protected payload outside a session")
			}
			return s.handleSessionless(ctx, payload)
		}
		return s.handleSessionPayload(ctx, data, header, payload)
	default:
		return nil, malformed("unsupported RMCP+ payload type: 0x%02x", payloadType)
	}
}

func (s *Server) handleOpenSession(payload []byte) ([]byte, error) {
	if len(payload) < 32 {
		return nil, malformed("open session request too short")
	}
	if payload[8] != 0x00 || payload[16] != 0x01 || payload[24] != 0x02 {
		return nil, malformed("open session request payload order")
	}

	tag := payload[0]
	requested := payload[1] & 0x0F
	remoteID := binary.LittleEndian.Uint32(payload[4:8])
	authAlg := payload[12] & 0x3F
	integrityAlg := payload[20] & 0x3F
	confAlg := payload[28] & 0x3F

	reject := func(status uint8) ([]byte, error) {
		s.log.Debug().Uint8("status", status).Msg("Open session refused")
		resp := []byte{tag, status, 0x00, 0x00}
		resp = binary.LittleEndian.AppendUint32(resp, remoteID)
		return wrapRMCPPlusResponse(PayloadTypeOpenSessionResponse, 0, 0, resp), nil
	}

	if remoteID == 0 {
		return reject(StatusInvalidSessionID)
	}
	if requested > PrivilegeAdministrator {
		return reject(StatusInvalidRole)
	}
	suite, status := negotiateSuite(authAlg, integrityAlg, confAlg)
	if status != StatusOK {
		return reject(status)
	}

	session, err := s.sessions.CreateSession(remoteID)
	if errors.Is(err, errTooManySessions) {
		return reject(StatusInsufficientResources)
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	maxPriv := requested
	if maxPriv == 0 {
		maxPriv = PrivilegeAdministrator
	}
	session.suite = suite
	session.MaxPrivilege = maxPriv

	resp := new(bytes.Buffer)
	resp.WriteByte(tag)
	resp.WriteByte(StatusOK)
	resp.WriteByte(maxPriv)
	resp.WriteByte(0x00) // reserved
	binary.Write(resp, binary.LittleEndian, remoteID)
	binary.Write(resp, binary.LittleEndian, session.ManagedSystemSessionID)
	resp.Write([]byte{0x00, 0x00, 0x00, 0x08, suite.auth, 0x00, 0x00, 0x00})
	resp.Write([]byte{0x01, 0x00, 0x00, 0x08, suite.integrity, 0x00, 0x00, 0x00})
	resp.Write([]byte{0x02, 0x00, 0x00, 0x08, suite.conf, 0x00, 0x00, 0x00})

	s.log.Debug().Uint32("session", session.ManagedSystemSessionID).Stringer("cipher", suite).Msg("Session opened")
	return wrapRMCPPlusResponse(PayloadTypeOpenSessionResponse, 0, 0, resp.Bytes()), nil
}

func (s *Server) handleRAKPMessage1(payload []byte) ([]byte, error) {
	if len(payload) < 28 {
		return nil, malformed("RAKP message 1 too short")
	}
	tag := payload[0]
	managedID := binary.LittleEndian.Uint32(payload[4:8])

	session, ok := s.sessions.GetSession(managedID)
	if !ok || session.Authenticated || session.suite == nil {
		return nil, malformed("RAKP message 1 for unknown session 0x%08x", managedID)
	}

	reject := func(status uint8) ([]byte, error) {
		s.sessions.RemoveSession(managedID)
		s.log.Debug().Uint32("session", managedID).Uint8("status", status).Msg("RAKP message 1 refused")
		resp := []byte{tag, status, 0x00, 0x00}
		resp = binary.LittleEndian.AppendUint32(resp, session.RemoteConsoleSessionID)
		return wrapRMCPPlusResponse(PayloadTypeRAKPMessage2, 0, 0, resp), nil
	}

	role := payload[24]
	nameLen := int(payload[27])
	if nameLen > 16 {
		return reject(StatusInvalidNameLength)
	}
	if len(payload) < 28+nameLen {
		return nil, malformed("RAKP message 1 user name truncated")
	}
	name := payload[28 : 28+nameLen]

	level := role & 0x0F
	if level == 0 || level > session.MaxPrivilege {
		return reject(StatusInvalidRole)
	}
	if subtle.ConstantTimeCompare(name, []byte(s.creds.Username)) != 1 {
		return reject(StatusUnauthorizedName)
	}

	copy(session.RemoteConsoleRandomNumber[:], payload[8:24])
	session.RequestedRole = role
	session.UserName = bytes.Clone(name)
	session.rakp1Seen = true
	session.touch(s.sessions.now())

	authCode := session.suite.mac([]byte(s.creds.Password),
		le32(session.RemoteConsoleSessionID),
		le32(session.ManagedSystemSessionID),
		session.RemoteConsoleRandomNumber[:],
		session.ManagedSystemRandomNumber[:],
		s.guid[:],
		[]byte{session.RequestedRole, uint8(len(session.UserName))},
		session.UserName,
	)

	resp := new(bytes.Buffer)
	resp.WriteByte(tag)
	resp.WriteByte(StatusOK)
	resp.Write([]byte{0x00, 0x00})
	binary.Write(resp, binary.LittleEndian, session.RemoteConsoleSessionID)
	resp.Write(session.ManagedSystemRandomNumber[:])
	resp.Write(s.guid[:])
	resp.Write(authCode)

	return wrapRMCPPlusResponse(PayloadTypeRAKPMessage2, 0, 0, resp.Bytes()), nil
}

func (s *Server) handleRAKPMessage3(payload []byte) ([]byte, error) {
	if len(payload) < 8 {
		return nil, malformed("RAKP message 3 too short")
	}
	tag := payload[0]
	clientStatus := payload[1]
	managedID := binary.LittleEndian.Uint32(payload[4:8])

	session, ok := s.sessions.GetSession(managedID)
	if !ok || session.Authenticated || !session.rakp1Seen {
		return nil, malformed("RAKP message 3 for unknown session 0x%08x", managedID)
	}

	// the console gave up on the exchange
	if clientStatus != StatusOK {
		s.sessions.RemoveSession(managedID)
		s.log.Debug().Uint32("session", managedID).Uint8("status", clientStatus).Msg("Console aborted RAKP")
		return nil, nil
	}

	cs := session.suite
	nameInfo := []byte{session.RequestedRole, uint8(len(session.UserName))}
	expected := cs.mac([]byte(s.creds.Password),
		session.ManagedSystemRandomNumber[:],
		le32(session.RemoteConsoleSessionID),
		nameInfo,
		session.UserName,
	)

	if !hmac.Equal(payload[8:], expected) {
		s.sessions.RemoveSession(managedID)
		s.log.Warn().Uint32("session", managedID).Msg("RAKP message 3 authentication failed")
		resp := []byte{tag, StatusInvalidIntegrityCheck, 0x00, 0x00}
		resp = binary.LittleEndian.AppendUint32(resp, session.RemoteConsoleSessionID)
		return wrapRMCPPlusResponse(PayloadTypeRAKPMessage4, 0, 0, resp), nil
	}

	// Session Integrity Key and the keys derived from it
	session.SessionIntegrityKey = cs.mac([]byte(s.creds.Password),
		session.RemoteConsoleRandomNumber[:],
		session.ManagedSystemRandomNumber[:],
		nameInfo,
		session.UserName,
	)
	session.IntegrityKey = cs.mac(session.SessionIntegrityKey, constK1)
	session.ConfidentialityKey = cs.mac(session.SessionIntegrityKey, constK2)
	session.Privilege = session.privilegeLevel()

	icv := cs.mac(session.SessionIntegrityKey,
		session.RemoteConsoleRandomNumber[:],
		le32(session.ManagedSystemSessionID),
		s.guid[:],
	)[:cs.icvLen]

	s.sessions.activate(session)
	s.log.Info().Uint32("session", managedID).Stringer("cipher", cs).Uint8("privilege", session.Privilege).Msg("Session authenticated")

	resp := new(bytes.Buffer)
	resp.WriteByte(tag)
	resp.WriteByte(StatusOK)
	resp.Write([]byte{0x00, 0x00})
	binary.Write(resp, binary.LittleEndian, session.RemoteConsoleSessionID)
	resp.Write(icv)

	return wrapRMCPPlusResponse(PayloadTypeRAKPMessage4, 0, 0, resp.Bytes()), nil
}

// handleSessionPayload verifies, decrypts and answers an IPMI payload of an
// authenticated session. Nothing in the session changes for a packet that
// fails verification.
func (s *Server) handleSessionPayload(ctx context.Context, data []byte, header *RMCPPlusSessionHeader, payload []byte) ([]byte, error) {
	session, ok := s.sessions.authenticated(header.SessionID)
	if !ok {
		return nil, malformed("unknown session 0x%08x", header.SessionID)
	}
	if header.PayloadType&(payloadEncrypted|payloadAuthenticated) != payloadEncrypted|payloadAuthenticated {
		return nil, malformed("unprotected payload in session 0x%08x", header.SessionID)
	}

	cs := session.suite
	if err := verifyIntegrity(cs, session.IntegrityKey, data, rmcpPlusHeaderLen+len(payload)); err != nil {
		return nil, err
	}

	switch session.checkInbound(header.SessionSequence) {
	case seqReplay:
		s.log.Debug().Uint32("session", header.SessionID).Uint32("seq", header.SessionSequence).Msg("Retransmitted request")
		return session.lastResponse, nil
	case seqDrop:
		return nil, malformed("sequence %d outside window", header.SessionSequence)
	}

	plain, err := decryptAESCBC(session.ConfidentialityKey, payload)
	if err != nil {
		return nil, err
	}
	msg, err := ParseIPMIMessageBytes(plain)
	if err != nil {
		return nil, err
	}
	session.touch(s.sessions.now())

	code, respData, closeAfter := s.dispatch(ctx, session, msg)

	respMsg := buildIPMIResponseMessage(msg, code, respData)
	encrypted, err := encryptAESCBC(session.ConfidentialityKey, respMsg)
	if err != nil {
		return nil, fmt.Errorf("encrypt response: %w", err)
	}

	resp := wrapRMCPPlusResponse(PayloadTypeIPMI|payloadEncrypted|payloadAuthenticated,
		session.RemoteConsoleSessionID, session.nextOutboundSeq(), encrypted)
	resp = appendIntegrity(cs, session.IntegrityKey, resp)

	session.accepted(header.SessionSequence, resp)
	if closeAfter {
		s.sessions.RemoveSession(session.ManagedSystemSessionID)
		s.log.Info().Uint32("session", session.ManagedSystemSessionID).Msg("Session closed")
	}
	return resp, nil
}

// verifyIntegrity checks the integrity trailer following the payload that
// ends at payloadEnd: pad bytes 0xFF, pad length, next header 0x07 and the
// truncated HMAC over everything from the auth type byte onward.
func verifyIntegrity(cs *cipherSuite, key []byte, data []byte, payloadEnd int) error {
	covered := len(data) - cs.authCodeLen
	if covered < payloadEnd+2 {
		return malformed("integrity trailer truncated")
	}
	if data[covered-1] != 0x07 {
		return malformed("bad next header 0x%02x", data[covered-1])
	}
	padLen := int(data[covered-2])
	if padLen > 3 || payloadEnd+padLen+2 != covered {
		return malformed("bad integrity pad length %d", padLen)
	}
	for _, b := range data[payloadEnd : payloadEnd+padLen] {
		if b != 0xFF {
			return malformed("bad integrity pad")
		}
	}
	want := cs.mac(key, data[:covered])[:cs.authCodeLen]
	if !hmac.Equal(data[covered:], want) {
		return malformed("integrity check failed")
	}
	return nil
}

// appendIntegrity adds the integrity trailer and auth code to packet.
func appendIntegrity(cs *cipherSuite, key []byte, packet []byte) []byte {
	padLen := (4 - (len(packet)+2)%4) % 4
	for range padLen {
		packet = append(packet, 0xFF)
	}
	packet = append(packet, byte(padLen), 0x07)
	return append(packet, cs.mac(key, packet)[:cs.authCodeLen]...)
}

func wrapRMCPPlusResponse(payloadType uint8, sessionID uint32, sequence uint32, payload []byte) []byte {
	buf := make([]byte, rmcpPlusHeaderLen, rmcpPlusHeaderLen+len(payload)+4+16)
	buf[0] = AuthTypeRMCPPlus
	buf[1] = payloadType
	binary.LittleEndian.PutUint32(buf[2:6], sessionID)
	binary.LittleEndian.PutUint32(buf[6:10], sequence)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(payload)))
	return append(buf, payload...)
}

func le32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}
