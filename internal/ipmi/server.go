package ipmi

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tjst-t/proxmox-bmc/internal/metrics"
)

const (
	maxPacketSize    = 2048
	sessionQueueSize = 8
)

// Options configures a Server.
type Options struct {
	Credentials Credentials
	// GUID is reported by Get System GUID and mixed into RAKP.
	GUID [16]byte
	// VMID labels logs and metrics.
	VMID string
	// SessionTimeout is the idle time after which a session is reaped.
	SessionTimeout time.Duration
	// CommandTimeout bounds how long one command waits for the machine.
	CommandTimeout time.Duration
	Logger         *zerolog.Logger
}

// Server is the IPMI UDP server of one emulated BMC
type Server struct {
	machine  Machine
	opts     Options
	creds    Credentials
	guid     [16]byte
	sessions *SessionManager
	log      zerolog.Logger

	mu      sync.Mutex
	conn    net.PacketConn
	workers map[uint32]*sessionWorker
	closed  bool
	wg      sync.WaitGroup
}

type sessionWorker struct {
	id    uint32
	inbox chan packet
	stop  chan struct{}
}

type packet struct {
	addr net.Addr
	data []byte
}

// NewServer creates a new IPMI server
func NewServer(m Machine, opts Options) *Server {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 60 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 45 * time.Second
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.VMID != "" {
		logger = logger.With().Str("vmid", opts.VMID).Logger()
	}

	return &Server{
		machine:  m,
		opts:     opts,
		creds:    opts.Credentials,
		guid:     opts.GUID,
		sessions: NewSessionManager(opts.GUID, opts.SessionTimeout),
		log:      logger,
		workers:  make(map[uint32]*sessionWorker),
	}
}

// ListenAndServe binds addr and serves until ctx ends or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, conn)
}

// Serve serves on an existing connection and takes ownership of it. It
// returns nil once ctx ends or Close is called, after every session worker
// has stopped.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	s.mu.Lock()
	if s.conn != nil || s.closed {
		s.mu.Unlock()
		conn.Close()
		return errors.New("ipmi server already started")
	}
	s.conn = conn
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		conn.Close()
	}()
	go s.reap(ctx)

	s.log.Info().Str("addr", conn.LocalAddr().String()).Msg("IPMI server listening")

	var serveErr error
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("read: %w", err)
			}
			break
		}
		s.route(ctx, conn, addr, bytes.Clone(buf[:n]))
	}

	cancel()
	s.wg.Wait()
	s.sessions.Clear()
	if s.opts.VMID != "" {
		metrics.ActiveSessions.DeleteLabelValues(s.opts.VMID)
	}
	s.log.Info().Msg("IPMI server stopped")
	return serveErr
}

// HandleMessage processes a single IPMI/RMCP message and returns a
// response. Packets that warrant no reply return nil.
func (s *Server) HandleMessage(ctx context.Context, data []byte) ([]byte, error) {
	header, payload, err := ParseRMCPMessage(data)
	if err != nil {
		return nil, err
	}

	if header.Class == RMCPClassASF {
		return handleASFPing(payload)
	}
	if header.Class != RMCPClassIPMI {
		return nil, malformed("unsupported RMCP class: 0x%02x", header.Class)
	}

	if len(payload) > 0 && payload[0] == AuthTypeRMCPPlus {
		resp, err := s.handleRMCPPlus(ctx, payload)
		if err != nil || resp == nil {
			return nil, err
		}
		return SerializeRMCPMessage(RMCPClassIPMI, resp), nil
	}

	// IPMI 1.5 message
	session, msg, err := ParseIPMI15Message(payload)
	if err != nil {
		return nil, err
	}
	if session.AuthType != AuthTypeNone {
		return nil, malformed("IPMI v1.5 sessions are not supported")
	}

	code, respData := s.dispatchSessionless(msg)
	return SerializeRMCPMessage(RMCPClassIPMI, SerializeIPMIResponse(session, msg, code, respData)), nil
}

// handleSessionless answers an RMCP+ IPMI payload sent with session ID 0.
func (s *Server) handleSessionless(_ context.Context, payload []byte) ([]byte, error) {
	msg, err := ParseIPMIMessageBytes(payload)
	if err != nil {
		return nil, err
	}
	code, data := s.dispatchSessionless(msg)
	return wrapRMCPPlusResponse(PayloadTypeIPMI, 0, 0, buildIPMIResponseMessage(msg, code, data)), nil
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Close stops the server
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// route hands session traffic to the session's worker so a slow command
// never holds up other sessions or the handshake; everything else is
// answered inline.
func (s *Server) route(ctx context.Context, conn net.PacketConn, addr net.Addr, data []byte) {
	id, ok := sessionPayloadID(data)
	if !ok {
		s.respond(ctx, conn, addr, data)
		return
	}

	s.mu.Lock()
	w, ok := s.workers[id]
	if !ok {
		if _, live := s.sessions.authenticated(id); !live || s.closed {
			s.mu.Unlock()
			s.drop("unknown_session", addr, fmt.Errorf("session 0x%08x", id))
			return
		}
		w = &sessionWorker{
			id:    id,
			inbox: make(chan packet, sessionQueueSize),
			stop:  make(chan struct{}),
		}
		s.workers[id] = w
		s.wg.Add(1)
		go s.runWorker(ctx, conn, w)
	}
	s.mu.Unlock()

	select {
	case w.inbox <- packet{addr: addr, data: data}:
	default:
		s.drop("queue_full", addr, fmt.Errorf("session 0x%08x", id))
	}
}

func (s *Server) runWorker(ctx context.Context, conn net.PacketConn, w *sessionWorker) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.workers[w.id] == w {
			delete(s.workers, w.id)
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case p := <-w.inbox:
			s.respond(ctx, conn, p.addr, p.data)
			if _, ok := s.sessions.GetSession(w.id); !ok {
				return
			}
		}
	}
}

func (s *Server) respond(ctx context.Context, conn net.PacketConn, addr net.Addr, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("remote", addr.String()).Msg("Recovered from panic while handling packet")
			metrics.IPMIPacketsDroppedTotal.WithLabelValues("panic").Inc()
		}
	}()

	resp, err := s.HandleMessage(ctx, data)
	if err != nil {
		reason := "error"
		if errors.Is(err, ErrMalformed) {
			reason = "malformed"
		}
		s.drop(reason, addr, err)
		return
	}
	if resp == nil {
		return
	}
	if _, err := conn.WriteTo(resp, addr); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Str("remote", addr.String()).Msg("IPMI write error")
	}
}

func (s *Server) drop(reason string, addr net.Addr, err error) {
	metrics.IPMIPacketsDroppedTotal.WithLabelValues(reason).Inc()
	s.log.Debug().Err(err).Str("remote", addr.String()).Str("reason", reason).Msg("Dropped packet")
}

// reap tears down idle sessions and the workers of closed sessions.
func (s *Server) reap(ctx context.Context) {
	defer s.wg.Done()

	interval := max(s.opts.SessionTimeout/4, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.sessions.Expire() {
				s.log.Info().Uint32("session", id).Msg("Session timed out")
			}
			s.retireOrphans()
			if s.opts.VMID != "" {
				metrics.ActiveSessions.WithLabelValues(s.opts.VMID).Set(float64(s.sessions.Count()))
			}
		}
	}
}

// retireOrphans stops workers whose session no longer exists.
func (s *Server) retireOrphans() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.workers {
		if _, ok := s.sessions.GetSession(id); !ok {
			close(w.stop)
			delete(s.workers, id)
		}
	}
}

// sessionPayloadID reports the session of an RMCP+ IPMI payload packet.
func sessionPayloadID(data []byte) (uint32, bool) {
	if len(data) < 4+rmcpPlusHeaderLen {
		return 0, false
	}
	if data[3]&0x1F != RMCPClassIPMI || data[4] != AuthTypeRMCPPlus || data[5]&0x3F != PayloadTypeIPMI {
		return 0, false
	}
	id := binary.LittleEndian.Uint32(data[6:10])
	return id, id != 0
}
