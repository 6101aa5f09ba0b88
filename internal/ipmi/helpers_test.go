package ipmi

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tjst-t/proxmox-bmc/internal/machine"
	"github.com/tjst-t/proxmox-bmc/internal/proxmox"
)

var testGUID = [16]byte{0x10, 0x32, 0x54, 0x76, 0x98, 0xba, 0xdc, 0xfe, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}

// fakeMachine implements Machine for testing
type fakeMachine struct {
	mu         sync.Mutex
	status     machine.Status
	statusErr  error
	controlErr error
	bootErr    error
	actions    []machine.Action
	boots      []proxmox.BootDevice
	block      chan struct{}
}

func newFakeMachine(power proxmox.PowerState) *fakeMachine {
	return &fakeMachine{status: machine.Status{Power: power, Boot: proxmox.BootNoOverride}}
}

func (m *fakeMachine) Status(ctx context.Context) (machine.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.statusErr
}

func (m *fakeMachine) Control(ctx context.Context, action machine.Action) error {
	m.mu.Lock()
	m.actions = append(m.actions, action)
	block := m.block
	err := m.controlErr
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *fakeMachine) SetBootDevice(ctx context.Context, device proxmox.BootDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boots = append(m.boots, device)
	if m.bootErr != nil {
		return m.bootErr
	}
	m.status.Boot = device
	return nil
}

func (m *fakeMachine) recordedActions() []machine.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]machine.Action(nil), m.actions...)
}

func (m *fakeMachine) recordedBoots() []proxmox.BootDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]proxmox.BootDevice(nil), m.boots...)
}

func newTestServer(t *testing.T, m Machine) *Server {
	t.Helper()
	return NewServer(m, Options{
		Credentials:    Credentials{Username: "admin", Password: "password"},
		GUID:           testGUID,
		SessionTimeout: time.Minute,
		CommandTimeout: time.Second,
	})
}

// testConsole is a minimal RMCP+ remote console. Its crypto is computed
// independently of the server's helpers.
type testConsole struct {
	t        *testing.T
	exchange func(pkt []byte) ([]byte, error)

	hash    func() hash.Hash
	authAlg uint8
	intAlg  uint8
	icvLen  int
	authLen int

	user string
	pass string
	role uint8

	remoteID  uint32
	managedID uint32
	rc, rm    [16]byte
	guid      [16]byte
	k1, k2    []byte
	seq       uint32
	rqSeq     uint8
}

func newConsole(t *testing.T, exchange func([]byte) ([]byte, error), suite uint8) *testConsole {
	c := &testConsole{
		t:        t,
		exchange: exchange,
		user:     "admin",
		pass:     "password",
		role:     PrivilegeAdministrator,
		remoteID: 0xA0A1A2A3,
	}
	switch suite {
	case 3:
		c.hash, c.authAlg, c.intAlg, c.icvLen, c.authLen = sha1.New, AuthRAKPHMACSHA1, IntegrityHMACSHA196, 12, 12
	case 17:
		c.hash, c.authAlg, c.intAlg, c.icvLen, c.authLen = sha256.New, AuthRAKPHMACSHA256, IntegrityHMACSHA256, 16, 16
	default:
		t.Fatalf("unsupported suite %d", suite)
	}
	return c
}

func directExchange(srv *Server) func([]byte) ([]byte, error) {
	return func(pkt []byte) ([]byte, error) {
		return srv.HandleMessage(context.Background(), pkt)
	}
}

func udpExchange(t *testing.T, addr net.Addr) func([]byte) ([]byte, error) {
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return func(pkt []byte) ([]byte, error) {
		if _, err := conn.Write(pkt); err != nil {
			return nil, err
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 2048)
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}

func (c *testConsole) mac(key []byte, parts ...[]byte) []byte {
	m := hmac.New(c.hash, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

func (c *testConsole) nameInfo() []byte {
	return append([]byte{c.role, byte(len(c.user))}, c.user...)
}

func (c *testConsole) openSession() []byte {
	c.t.Helper()
	req := buildOpenSessionRequest(0x01, 0, c.remoteID, c.authAlg, c.intAlg, ConfidentialityAES128)
	resp, err := c.exchange(wrapRMCPPlusPayload(PayloadTypeOpenSessionRequest, 0, 0, req))
	require.NoError(c.t, err)
	_, payload := rmcpPlusPayload(c.t, resp)
	require.GreaterOrEqual(c.t, len(payload), 8)
	if payload[1] == StatusOK {
		c.managedID = binary.LittleEndian.Uint32(payload[8:12])
	}
	return payload
}

func (c *testConsole) rakp1() []byte {
	c.t.Helper()
	_, err := rand.Read(c.rc[:])
	require.NoError(c.t, err)
	req := buildRAKPMessage1(0x02, c.managedID, c.rc, c.role, c.user)
	resp, err := c.exchange(wrapRMCPPlusPayload(PayloadTypeRAKPMessage1, 0, 0, req))
	require.NoError(c.t, err)
	_, payload := rmcpPlusPayload(c.t, resp)
	if payload[1] == StatusOK {
		copy(c.rm[:], payload[8:24])
		copy(c.guid[:], payload[24:40])
	}
	return payload
}

func (c *testConsole) rakp3(authCode []byte) []byte {
	c.t.Helper()
	if authCode == nil {
		authCode = c.mac([]byte(c.pass), c.rm[:], le32(c.remoteID), c.nameInfo())
	}
	req := buildRAKPMessage3(0x03, StatusOK, c.managedID, authCode)
	resp, err := c.exchange(wrapRMCPPlusPayload(PayloadTypeRAKPMessage3, 0, 0, req))
	require.NoError(c.t, err)
	_, payload := rmcpPlusPayload(c.t, resp)
	return payload
}

// connect performs the full handshake and checks every server proof.
func (c *testConsole) connect() {
	c.t.Helper()
	open := c.openSession()
	require.Equal(c.t, uint8(StatusOK), open[1], "open session status")

	rakp2 := c.rakp1()
	require.Equal(c.t, uint8(StatusOK), rakp2[1], "RAKP2 status")
	want := c.mac([]byte(c.pass), le32(c.remoteID), le32(c.managedID), c.rc[:], c.rm[:], c.guid[:], c.nameInfo())
	require.Equal(c.t, want, rakp2[40:], "RAKP2 key exchange auth code")

	rakp4 := c.rakp3(nil)
	require.Equal(c.t, uint8(StatusOK), rakp4[1], "RAKP4 status")

	sik := c.mac([]byte(c.pass), c.rc[:], c.rm[:], c.nameInfo())
	c.k1 = c.mac(sik, repeatByte(0x01, 20))
	c.k2 = c.mac(sik, repeatByte(0x02, 20))
	icv := c.mac(sik, c.rc[:], le32(c.managedID), c.guid[:])[:c.icvLen]
	require.Equal(c.t, icv, rakp4[8:], "RAKP4 integrity check value")
}

// packet builds an encrypted, authenticated request with the given
// session sequence number.
func (c *testConsole) packet(seq uint32, netFn, cmd uint8, data []byte) []byte {
	c.t.Helper()
	c.rqSeq++
	msg := buildTestIPMIRequest(netFn, cmd, c.rqSeq, data)
	enc, err := encryptIPMISpecAESCBC(c.k2[:16], msg)
	require.NoError(c.t, err)

	pkt := []byte{AuthTypeRMCPPlus, PayloadTypeIPMI | payloadEncrypted | payloadAuthenticated}
	pkt = binary.LittleEndian.AppendUint32(pkt, c.managedID)
	pkt = binary.LittleEndian.AppendUint32(pkt, seq)
	pkt = binary.LittleEndian.AppendUint16(pkt, uint16(len(enc)))
	pkt = append(pkt, enc...)
	pad := (4 - (len(pkt)+2)%4) % 4
	for range pad {
		pkt = append(pkt, 0xFF)
	}
	pkt = append(pkt, byte(pad), 0x07)
	pkt = append(pkt, c.mac(c.k1, pkt)[:c.authLen]...)
	return SerializeRMCPMessage(RMCPClassIPMI, pkt)
}

func (c *testConsole) nextPacket(netFn, cmd uint8, data []byte) []byte {
	c.seq++
	return c.packet(c.seq, netFn, cmd, data)
}

// send issues a command and returns its completion code and data.
func (c *testConsole) send(netFn, cmd uint8, data []byte) (CompletionCode, []byte) {
	c.t.Helper()
	resp, err := c.exchange(c.nextPacket(netFn, cmd, data))
	require.NoError(c.t, err)
	return c.decodeResponse(resp, cmd)
}

func (c *testConsole) decodeResponse(resp []byte, cmd uint8) (CompletionCode, []byte) {
	c.t.Helper()
	require.GreaterOrEqual(c.t, len(resp), 4+rmcpPlusHeaderLen)
	plus := resp[4:]
	require.Equal(c.t, uint8(AuthTypeRMCPPlus), plus[0])
	require.Equal(c.t, uint8(0xC0), plus[1], "response must be encrypted and authenticated")
	require.Equal(c.t, c.remoteID, binary.LittleEndian.Uint32(plus[2:6]))

	length := int(binary.LittleEndian.Uint16(plus[10:12]))
	covered := len(plus) - c.authLen
	require.Equal(c.t, c.mac(c.k1, plus[:covered])[:c.authLen], plus[covered:], "response integrity")
	require.Equal(c.t, 0, covered%4, "integrity pad alignment")

	enc := plus[12 : 12+length]
	block, err := aes.NewCipher(c.k2[:16])
	require.NoError(c.t, err)
	plain := make([]byte, len(enc)-16)
	cipher.NewCBCDecrypter(block, enc[:16]).CryptBlocks(plain, enc[16:])
	padLen := int(plain[len(plain)-1])
	msg := plain[:len(plain)-padLen-1]

	require.GreaterOrEqual(c.t, len(msg), 8)
	require.Equal(c.t, uint8(0x81), msg[0], "response goes back to the requester")
	require.Equal(c.t, uint8(0x20), msg[3], "response comes from the BMC")
	require.Equal(c.t, c.rqSeq<<2, msg[4], "request sequence echoed")
	require.Equal(c.t, cmd, msg[5])
	require.Equal(c.t, Checksum(msg[3:len(msg)-1]...), msg[len(msg)-1])
	return CompletionCode(msg[6]), msg[7 : len(msg)-1]
}

func responseSequence(resp []byte) uint32 {
	return binary.LittleEndian.Uint32(resp[4+6 : 4+10])
}

func rmcpPlusPayload(t *testing.T, resp []byte) (uint8, []byte) {
	t.Helper()
	require.GreaterOrEqual(t, len(resp), 4+rmcpPlusHeaderLen)
	plus := resp[4:]
	require.Equal(t, uint8(AuthTypeRMCPPlus), plus[0])
	length := int(binary.LittleEndian.Uint16(plus[10:12]))
	require.GreaterOrEqual(t, len(plus), rmcpPlusHeaderLen+length)
	return plus[1], plus[rmcpPlusHeaderLen : rmcpPlusHeaderLen+length]
}

// encryptIPMISpecAESCBC encrypts with IPMI confidentiality padding
func encryptIPMISpecAESCBC(key []byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padLen := (aes.BlockSize - (len(plaintext)+1)%aes.BlockSize) % aes.BlockSize
	padded := append([]byte(nil), plaintext...)
	for i := 1; i <= padLen; i++ {
		padded = append(padded, byte(i))
	}
	padded = append(padded, byte(padLen))

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return append(iv, out...), nil
}

func wrapRMCPPlusPayload(payloadType uint8, sessionID uint32, seq uint32, payload []byte) []byte {
	pkt := []byte{AuthTypeRMCPPlus, payloadType}
	pkt = binary.LittleEndian.AppendUint32(pkt, sessionID)
	pkt = binary.LittleEndian.AppendUint32(pkt, seq)
	pkt = binary.LittleEndian.AppendUint16(pkt, uint16(len(payload)))
	pkt = append(pkt, payload...)
	return SerializeRMCPMessage(RMCPClassIPMI, pkt)
}

func buildOpenSessionRequest(tag, role uint8, remoteSessionID uint32, authAlg, intAlg, confAlg uint8) []byte {
	buf := []byte{tag, role, 0x00, 0x00}
	buf = binary.LittleEndian.AppendUint32(buf, remoteSessionID)
	buf = append(buf, 0x00, 0x00, 0x00, 0x08, authAlg, 0x00, 0x00, 0x00)
	buf = append(buf, 0x01, 0x00, 0x00, 0x08, intAlg, 0x00, 0x00, 0x00)
	buf = append(buf, 0x02, 0x00, 0x00, 0x08, confAlg, 0x00, 0x00, 0x00)
	return buf
}

func buildRAKPMessage1(tag uint8, managedSessionID uint32, random [16]byte, role uint8, user string) []byte {
	buf := []byte{tag, 0x00, 0x00, 0x00}
	buf = binary.LittleEndian.AppendUint32(buf, managedSessionID)
	buf = append(buf, random[:]...)
	buf = append(buf, role, 0x00, 0x00, byte(len(user)))
	return append(buf, user...)
}

func buildRAKPMessage3(tag, status uint8, managedSessionID uint32, authCode []byte) []byte {
	buf := []byte{tag, status, 0x00, 0x00}
	buf = binary.LittleEndian.AppendUint32(buf, managedSessionID)
	return append(buf, authCode...)
}

// Helper to build a test IPMI message
func buildTestIPMIRequest(netFn, cmd, rqSeq uint8, data []byte) []byte {
	targetAddr := uint8(0x20) // BMC
	targetLun := netFn << 2
	sourceAddr := uint8(0x81) // remote console
	sourceLun := rqSeq << 2

	buf := []byte{targetAddr, targetLun, Checksum(targetAddr, targetLun), sourceAddr, sourceLun, cmd}
	buf = append(buf, data...)
	return append(buf, Checksum(buf[3:]...))
}

// Helper to wrap in IPMI 1.5 session
func buildTestSessionWrapper(ipmiMsg []byte) []byte {
	var buf []byte
	buf = append(buf, AuthTypeNone)
	buf = append(buf, 0, 0, 0, 0) // sequence
	buf = append(buf, 0, 0, 0, 0) // session ID
	buf = append(buf, byte(len(ipmiMsg)))
	return append(buf, ipmiMsg...)
}

// decodeV15Response returns the completion code and data of an IPMI v1.5
// response packet.
func decodeV15Response(t *testing.T, resp []byte) (CompletionCode, []byte) {
	t.Helper()
	require.GreaterOrEqual(t, len(resp), 4+10+8)
	msg := resp[4+10:]
	require.Equal(t, int(resp[4+9]), len(msg))
	return CompletionCode(msg[6]), msg[7 : len(msg)-1]
}
