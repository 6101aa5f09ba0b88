package ipmi

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// MaxSessions bounds the concurrent sessions of one BMC.
const MaxSessions = 32

// seqWindow is how far ahead of the last accepted inbound sequence number a
// packet may be.
const seqWindow = 16

var errTooManySessions = errors.New("session limit reached")

// Session represents an RMCP+ session. Handshake fields are written under
// the SessionManager lock before the session is authenticated; after that
// only the session's worker touches the sequence state.
type Session struct {
	RemoteConsoleSessionID    uint32
	ManagedSystemSessionID    uint32
	RemoteConsoleRandomNumber [16]byte
	ManagedSystemRandomNumber [16]byte
	RequestedRole             uint8 // RAKP1 role byte, including the lookup bit
	MaxPrivilege              uint8
	Privilege                 uint8
	UserName                  []byte
	SessionIntegrityKey       []byte // SIK
	IntegrityKey              []byte // K1
	ConfidentialityKey        []byte // K2
	Authenticated             bool

	suite        *cipherSuite
	rakp1Seen    bool
	lastActivity atomic.Int64

	inboundSeq   uint32
	inboundSeen  bool
	outboundSeq  uint32
	lastResponse []byte
}

// privilegeLevel is the session's requested role without the lookup bit.
func (s *Session) privilegeLevel() uint8 {
	return s.RequestedRole & 0x0F
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// nextOutboundSeq returns the sequence number for the next response.
func (s *Session) nextOutboundSeq() uint32 {
	s.outboundSeq++
	if s.outboundSeq == 0 {
		s.outboundSeq = 1
	}
	return s.outboundSeq
}

type seqVerdict int

const (
	seqAccept seqVerdict = iota
	seqReplay
	seqDrop
)

// checkInbound classifies an inbound sequence number against the window.
func (s *Session) checkInbound(seq uint32) seqVerdict {
	if !s.inboundSeen {
		return seqAccept
	}
	if seq == s.inboundSeq {
		if s.lastResponse != nil {
			return seqReplay
		}
		return seqDrop
	}
	if d := seq - s.inboundSeq; d > 0 && d <= seqWindow {
		return seqAccept
	}
	return seqDrop
}

func (s *Session) accepted(seq uint32, response []byte) {
	s.inboundSeen = true
	s.inboundSeq = seq
	s.lastResponse = response
}

// SessionManager manages RMCP+ sessions
type SessionManager struct {
	sessions map[uint32]*Session
	guid     [16]byte
	timeout  time.Duration
	now      func() time.Time
	mu       sync.RWMutex
}

// NewSessionManager creates a session manager for a BMC reporting guid.
// Sessions idle for longer than timeout are removed by Expire.
func NewSessionManager(guid [16]byte, timeout time.Duration) *SessionManager {
	return &SessionManager{
		sessions: make(map[uint32]*Session),
		guid:     guid,
		timeout:  timeout,
		now:      time.Now,
	}
}

// CreateSession creates a new session with a random managed system session ID
func (sm *SessionManager) CreateSession(remoteConsoleSessionID uint32) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= MaxSessions {
		return nil, errTooManySessions
	}

	var sessionID uint32
	for sessionID == 0 || sm.sessions[sessionID] != nil {
		id, err := generateRandomUint32()
		if err != nil {
			return nil, err
		}
		sessionID = id
	}

	session := &Session{
		RemoteConsoleSessionID: remoteConsoleSessionID,
		ManagedSystemSessionID: sessionID,
	}
	if _, err := rand.Read(session.ManagedSystemRandomNumber[:]); err != nil {
		return nil, err
	}
	session.touch(sm.now())

	sm.sessions[sessionID] = session
	return session, nil
}

// GetSession retrieves a session by managed system session ID
func (sm *SessionManager) GetSession(sessionID uint32) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	session, ok := sm.sessions[sessionID]
	return session, ok
}

// authenticated returns the session only once RAKP has completed.
func (sm *SessionManager) authenticated(sessionID uint32) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	session, ok := sm.sessions[sessionID]
	if !ok || !session.Authenticated {
		return nil, false
	}
	return session, true
}

// activate publishes a session whose keys are in place.
func (sm *SessionManager) activate(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s.Authenticated = true
	s.touch(sm.now())
}

// RemoveSession removes a session
func (sm *SessionManager) RemoveSession(sessionID uint32) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	return ok
}

// Expire removes sessions idle for longer than the timeout and returns
// their IDs.
func (sm *SessionManager) Expire() []uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cutoff := sm.now().Add(-sm.timeout)
	var expired []uint32
	for id, s := range sm.sessions {
		if s.idleSince().Before(cutoff) {
			delete(sm.sessions, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// Clear removes every session.
func (sm *SessionManager) Clear() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	clear(sm.sessions)
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func generateRandomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
