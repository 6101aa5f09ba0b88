package ipmi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed marks packets that are dropped without a reply.
var ErrMalformed = errors.New("malformed packet")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// RMCPHeader is the RMCP message header (4 bytes)
type RMCPHeader struct {
	Version  uint8
	Reserved uint8
	Sequence uint8
	Class    uint8
}

// IPMISessionHeader is the IPMI v1.5 session wrapper
type IPMISessionHeader struct {
	AuthType       uint8
	SequenceNumber uint32
	SessionID      uint32
}

// IPMIMessage is an IPMI request message
type IPMIMessage struct {
	TargetAddress uint8
	TargetLun     uint8 // NetFn (upper 6 bits) + LUN (lower 2 bits)
	SourceAddress uint8
	SourceLun     uint8 // Sequence (upper 6 bits) + LUN (lower 2 bits)
	Command       uint8
	Data          []byte
}

// GetNetFn returns the network function from the message
func (m *IPMIMessage) GetNetFn() uint8 {
	return (m.TargetLun >> 2) & 0x3F
}

// ParseRMCPMessage parses a raw RMCP message
func ParseRMCPMessage(data []byte) (*RMCPHeader, []byte, error) {
	if len(data) < 4 {
		return nil, nil, malformed("RMCP message too short: %d bytes", len(data))
	}

	header := &RMCPHeader{
		Version:  data[0],
		Reserved: data[1],
		Sequence: data[2],
		Class:    data[3] & 0x1F,
	}
	if header.Version != RMCPVersion1 {
		return nil, nil, malformed("unsupported RMCP version: %d", header.Version)
	}
	// ACKs (class bit 7) carry nothing to answer
	if data[3]&0x80 != 0 {
		return nil, nil, malformed("RMCP ACK")
	}

	return header, data[4:], nil
}

// SerializeRMCPMessage creates an RMCP-framed message
func SerializeRMCPMessage(class uint8, payload []byte) []byte {
	buf := make([]byte, 0, 4+len(payload))
	buf = append(buf, RMCPVersion1, 0x00, 0xFF, class)
	return append(buf, payload...)
}

// ParseIPMI15Message parses an IPMI v1.5 session wrapper + message
func ParseIPMI15Message(data []byte) (*IPMISessionHeader, *IPMIMessage, error) {
	if len(data) < 10 {
		return nil, nil, malformed("IPMI session message too short")
	}

	session := &IPMISessionHeader{
		AuthType:       data[0],
		SequenceNumber: binary.LittleEndian.Uint32(data[1:5]),
		SessionID:      binary.LittleEndian.Uint32(data[5:9]),
	}
	rest := data[9:]

	// Skip 16-byte auth code for authenticated sessions
	if session.AuthType != AuthTypeNone {
		if len(rest) < 17 {
			return nil, nil, malformed("IPMI auth code truncated")
		}
		rest = rest[16:]
	}

	msgLen := int(rest[0])
	if len(rest)-1 < msgLen {
		return nil, nil, malformed("IPMI message truncated")
	}

	msg, err := ParseIPMIMessageBytes(rest[1 : 1+msgLen])
	if err != nil {
		return nil, nil, err
	}
	return session, msg, nil
}

// ParseIPMIMessageBytes parses IPMI request bytes and verifies both
// checksums.
func ParseIPMIMessageBytes(data []byte) (*IPMIMessage, error) {
	if len(data) < 7 {
		return nil, malformed("IPMI message too short: %d", len(data))
	}
	if Checksum(data[0], data[1]) != data[2] {
		return nil, malformed("bad IPMI header checksum")
	}
	if Checksum(data[3:len(data)-1]...) != data[len(data)-1] {
		return nil, malformed("bad IPMI data checksum")
	}

	msg := &IPMIMessage{
		TargetAddress: data[0],
		TargetLun:     data[1],
		SourceAddress: data[3],
		SourceLun:     data[4],
		Command:       data[5],
	}
	if len(data) > 7 {
		msg.Data = bytes.Clone(data[6 : len(data)-1]) // exclude trailing checksum
	}
	return msg, nil
}

// SerializeIPMIResponse creates an IPMI v1.5 response with auth type none
func SerializeIPMIResponse(session *IPMISessionHeader, req *IPMIMessage, code CompletionCode, data []byte) []byte {
	msg := buildIPMIResponseMessage(req, code, data)

	buf := make([]byte, 10, 10+len(msg))
	buf[0] = AuthTypeNone
	binary.LittleEndian.PutUint32(buf[1:5], session.SequenceNumber)
	binary.LittleEndian.PutUint32(buf[5:9], session.SessionID)
	buf[9] = uint8(len(msg))
	return append(buf, msg...)
}

// buildIPMIResponseMessage answers req: requester and responder addresses
// swap, the sequence number and LUNs are echoed.
func buildIPMIResponseMessage(req *IPMIMessage, code CompletionCode, data []byte) []byte {
	targetAddr := req.SourceAddress
	targetLun := ((req.GetNetFn() | 0x01) << 2) | (req.SourceLun & 0x03)
	sourceAddr := req.TargetAddress
	sourceLun := (req.SourceLun & 0xFC) | (req.TargetLun & 0x03)

	var buf bytes.Buffer
	buf.WriteByte(targetAddr)
	buf.WriteByte(targetLun)
	buf.WriteByte(Checksum(targetAddr, targetLun))
	buf.WriteByte(sourceAddr)
	buf.WriteByte(sourceLun)
	buf.WriteByte(req.Command)
	buf.WriteByte(uint8(code))
	buf.Write(data)

	body := buf.Bytes()[3:]
	buf.WriteByte(Checksum(body...))
	return buf.Bytes()
}

// Checksum calculates a two's complement checksum
func Checksum(data ...uint8) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return -sum
}

// handleASFPing responds to ASF Presence Ping with a Pong
func handleASFPing(payload []byte) ([]byte, error) {
	// ASF message header: 4-byte IANA + 1-byte type + 1-byte tag + 1-byte reserved + 1-byte length
	if len(payload) < 8 {
		return nil, malformed("ASF message too short")
	}

	msgType := payload[4]
	msgTag := payload[5]

	if msgType != 0x80 { // Only handle Presence Ping
		return nil, malformed("unsupported ASF message type: 0x%02x", msgType)
	}

	resp := make([]byte, 28) // 4 RMCP + 8 ASF header + 16 pong data

	resp[0] = RMCPVersion1
	resp[1] = 0x00
	resp[2] = 0xFF
	resp[3] = RMCPClassASF

	binary.BigEndian.PutUint32(resp[4:8], 0x000011BE) // IANA Enterprise Number for ASF
	resp[8] = 0x40                                      // Message Type: Presence Pong
	resp[9] = msgTag
	resp[11] = 0x10 // Data Length: 16 bytes

	binary.BigEndian.PutUint32(resp[12:16], 0x000011BE)
	resp[20] = 0x81 // Supported Entities: IPMI supported (bit 7) + ASF 1.0 (bit 0)
	resp[21] = 0x80 // Supported Interactions: RMCP security extensions

	return resp, nil
}
