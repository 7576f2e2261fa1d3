package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/dtls/v2"

	"medsentry/internal/config"
)

// Common errors for the DTLS server.
var (
	ErrDTLSCertRequired       = errors.New("DTLS requires certificate and key")
	ErrDTLSClientCertRequired = errors.New("mutual TLS requires CA certificate")
)

// DTLSServerMetrics holds metrics for the DTLS server.
type DTLSServerMetrics struct {
	Connections    uint64
	Handshakes     uint64
	HandshakeErrs  uint64
	Received       uint64
	Decoded        uint64
	Accepted       uint64
	Rejected       uint64
	Errors         uint64
	InsecureWarned bool
}

// DTLSServer receives telemetry readings over DTLS (secure UDP).
// Battery-powered bedside devices report over UDP; DTLS keeps patient
// telemetry off the wire in cleartext. Each datagram carries one JSON
// reading and runs through the same detection path as HTTP intake.
type DTLSServer struct {
	config     config.DTLSConfig
	listener   net.Listener
	dtlsConfig *dtls.Config
	ingestor   *Ingestor
	logger     *slog.Logger

	// For plain UDP fallback (insecure)
	udpConn *net.UDPConn

	wg   sync.WaitGroup
	done chan struct{}

	// Accepted connections, closed on Stop so shutdown never waits
	// out an idle read deadline.
	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	// Metrics
	connections    uint64
	handshakes     uint64
	handshakeErrs  uint64
	received       uint64
	decoded        uint64
	accepted       uint64
	rejected       uint64
	errors         uint64
	insecureWarned bool
}

// NewDTLSServer creates a new DTLS server for secure telemetry intake.
func NewDTLSServer(cfg config.DTLSConfig, ingestor *Ingestor, logger *slog.Logger) (*DTLSServer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &DTLSServer{
		config:   cfg,
		ingestor: ingestor,
		logger:   logger,
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}

	// Validate configuration
	if !cfg.AllowInsecure {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, ErrDTLSCertRequired
		}
	}

	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrDTLSClientCertRequired
	}

	return s, nil
}

// Start starts the DTLS server.
func (s *DTLSServer) Start(ctx context.Context) error {
	// Check if we're running insecure
	if s.config.AllowInsecure && (s.config.CertFile == "" || s.config.KeyFile == "") {
		return s.startInsecure(ctx)
	}

	return s.startSecure(ctx)
}

// startSecure starts the server with DTLS encryption.
func (s *DTLSServer) startSecure(ctx context.Context) error {
	// Load certificate
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load DTLS certificate: %w", err)
	}

	// Build DTLS config
	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}

	// Load CA for mutual TLS
	if s.config.RequireClientCert {
		caData, err := os.ReadFile(s.config.CAFile)
		if err != nil {
			return fmt.Errorf("failed to load CA certificate: %w", err)
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return fmt.Errorf("failed to parse CA certificate")
		}

		dtlsConfig.ClientCAs = caPool
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	s.dtlsConfig = dtlsConfig

	// Resolve address
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	// Create DTLS listener
	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start DTLS listener: %w", err)
	}

	s.listener = listener

	s.logger.Info("DTLS telemetry server started",
		"address", s.config.Address,
		"mutual_tls", s.config.RequireClientCert,
	)

	// Start accept loop
	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// startInsecure starts the server in plain UDP mode (NOT RECOMMENDED).
func (s *DTLSServer) startInsecure(ctx context.Context) error {
	// Log security warning
	s.logger.Warn("SECURITY WARNING: Starting UDP server WITHOUT encryption",
		"address", s.config.Address,
		"recommendation", "Use DTLS with certificates for production",
	)
	s.logger.Warn("SECURITY WARNING: device telemetry may contain patient-adjacent data and will be transmitted in cleartext")
	s.insecureWarned = true

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener: %w", err)
	}

	s.udpConn = conn

	s.logger.Info("UDP telemetry server started (INSECURE)",
		"address", s.config.Address,
	)

	// Start receiver for plain UDP
	readings := make(chan dtlsReading, s.config.Workers*100)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, readings)
	}

	s.wg.Add(1)
	go s.insecureReceiver(ctx, readings)

	return nil
}

type dtlsReading struct {
	data     []byte
	sourceIP string
	secure   bool
}

// telemetryFrame is the wire format of one datagram.
type telemetryFrame struct {
	DeviceID  uuid.UUID      `json:"device_id"`
	Metrics   map[string]any `json:"metrics"`
	Timestamp time.Time      `json:"timestamp"`
}

// acceptLoop accepts DTLS connections. Connection handlers are the
// only senders on readings; the channel closes after every handler
// has returned, so a datagram arriving in the shutdown window can
// never hit a closed channel.
func (s *DTLSServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	readings := make(chan dtlsReading, s.config.Workers*100)

	// Start workers
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, readings)
	}

	var senders sync.WaitGroup
	defer func() {
		senders.Wait()
		close(readings)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Accept with deadline
		if dl, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("DTLS accept error", "error", err)
				atomic.AddUint64(&s.handshakeErrs, 1)
				continue
			}
		}

		atomic.AddUint64(&s.connections, 1)
		atomic.AddUint64(&s.handshakes, 1)

		s.trackConn(conn)
		senders.Add(1)
		s.wg.Add(1)
		go func() {
			defer senders.Done()
			s.handleConnection(ctx, conn, readings)
		}()
	}
}

func (s *DTLSServer) trackConn(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *DTLSServer) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

// handleConnection handles a single DTLS connection.
func (s *DTLSServer) handleConnection(ctx context.Context, conn net.Conn, readings chan<- dtlsReading) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	defer conn.Close()

	var sourceIP string
	if addr := conn.RemoteAddr(); addr != nil {
		if udpAddr, ok := addr.(*net.UDPAddr); ok {
			sourceIP = udpAddr.IP.String()
		} else {
			sourceIP = addr.String()
		}
	}

	s.logger.Debug("new DTLS connection",
		"remote", conn.RemoteAddr(),
	)

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Set read deadline
		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		n, err := conn.Read(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Debug("DTLS connection idle timeout", "remote", sourceIP)
				return
			}
			s.logger.Debug("DTLS read error", "error", err, "remote", sourceIP)
			return
		}

		atomic.AddUint64(&s.received, 1)

		// Copy data
		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case readings <- dtlsReading{data: data, sourceIP: sourceIP, secure: true}:
		default:
			atomic.AddUint64(&s.errors, 1)
			s.logger.Debug("reading channel full, dropping datagram")
		}
	}
}

// insecureReceiver receives readings on plain UDP.
func (s *DTLSServer) insecureReceiver(ctx context.Context, readings chan<- dtlsReading) {
	defer s.wg.Done()
	defer close(readings)

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.udpConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, remoteAddr, err := s.udpConn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("UDP read error", "error", err)
				continue
			}
		}

		atomic.AddUint64(&s.received, 1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case readings <- dtlsReading{data: data, sourceIP: remoteAddr.IP.String(), secure: false}:
		default:
			atomic.AddUint64(&s.errors, 1)
		}
	}
}

// worker processes readings.
func (s *DTLSServer) worker(ctx context.Context, readings <-chan dtlsReading) {
	defer s.wg.Done()

	for reading := range readings {
		s.processReading(ctx, reading)
	}
}

// processReading decodes and ingests a single telemetry datagram.
func (s *DTLSServer) processReading(ctx context.Context, reading dtlsReading) {
	var frame telemetryFrame
	if err := json.Unmarshal(reading.data, &frame); err != nil {
		atomic.AddUint64(&s.errors, 1)
		s.logger.Debug("telemetry decode error",
			"error", err,
			"source", reading.sourceIP,
			"secure", reading.secure,
		)
		return
	}
	atomic.AddUint64(&s.decoded, 1)

	if _, err := s.ingestor.Ingest(ctx, frame.DeviceID, frame.Metrics, frame.Timestamp); err != nil {
		atomic.AddUint64(&s.rejected, 1)
		s.logger.Debug("telemetry rejected",
			"error", err,
			"device_id", frame.DeviceID,
			"source", reading.sourceIP,
		)
		return
	}

	atomic.AddUint64(&s.accepted, 1)
}

// Stop stops the DTLS server gracefully.
func (s *DTLSServer) Stop() {
	close(s.done)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}

	// Unblock handlers still sitting in a read.
	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()

	s.logger.Info("DTLS telemetry server stopped",
		"connections", atomic.LoadUint64(&s.connections),
		"handshakes", atomic.LoadUint64(&s.handshakes),
		"handshake_errors", atomic.LoadUint64(&s.handshakeErrs),
		"received", atomic.LoadUint64(&s.received),
		"accepted", atomic.LoadUint64(&s.accepted),
		"errors", atomic.LoadUint64(&s.errors),
	)
}

// Metrics returns the current server metrics.
func (s *DTLSServer) Metrics() DTLSServerMetrics {
	return DTLSServerMetrics{
		Connections:    atomic.LoadUint64(&s.connections),
		Handshakes:     atomic.LoadUint64(&s.handshakes),
		HandshakeErrs:  atomic.LoadUint64(&s.handshakeErrs),
		Received:       atomic.LoadUint64(&s.received),
		Decoded:        atomic.LoadUint64(&s.decoded),
		Accepted:       atomic.LoadUint64(&s.accepted),
		Rejected:       atomic.LoadUint64(&s.rejected),
		Errors:         atomic.LoadUint64(&s.errors),
		InsecureWarned: s.insecureWarned,
	}
}

// IsSecure returns true if the server is running with DTLS encryption.
func (s *DTLSServer) IsSecure() bool {
	return s.listener != nil && s.udpConn == nil
}
