package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/karaoke-pitch-service/internal/capture"
	"github.com/skypro1111/karaoke-pitch-service/internal/config"
	"github.com/skypro1111/karaoke-pitch-service/internal/metrics"
	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

// PacketHandler routes parsed capture packets
type PacketHandler interface {
	HandlePacket(packet *protocol.ParsedPacket) capture.PacketOutcome
}

// UDPServer receives the capture feed
type UDPServer struct {
	conn    *net.UDPConn
	config  *config.ServerConfig
	logger  *slog.Logger
	feed    PacketHandler
	metrics *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Packet processing
	packetChan chan *incomingPacket

	// Counters
	packetsReceived  atomic.Uint64
	packetsProcessed atomic.Uint64
	packetsDropped   atomic.Uint64
	parseErrors      atomic.Uint64
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	ParseErrors      uint64 `json:"parse_errors"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, feed PacketHandler, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &UDPServer{
		config:     cfg,
		logger:     logger,
		feed:       feed,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		packetChan: make(chan *incomingPacket, 1000),
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
	)

	// A single worker keeps each tab's packets in arrival order
	s.wg.Add(1)
	go s.packetProcessor()

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	return nil
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	defer close(s.packetChan)

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Periodic deadline so cancellation is noticed
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.packetsReceived.Add(1)
		s.metrics.RecordPacketReceived()

		// The read buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		select {
		case s.packetChan <- packet:
			s.metrics.SetQueueSize(len(s.packetChan))
		default:
			s.packetsDropped.Add(1)
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// packetProcessor processes packets from the packet channel
func (s *UDPServer) packetProcessor() {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started")

	for packet := range s.packetChan {
		s.handlePacket(packet)
	}

	s.logger.Debug("Packet processor stopped")
}

// handlePacket parses one datagram and hands it to the capture feed
func (s *UDPServer) handlePacket(packet *incomingPacket) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.parseErrors.Add(1)
		s.metrics.RecordParseError()

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.packetsProcessed.Add(1)

	outcome := s.feed.HandlePacket(parsed)
	s.metrics.RecordPacketOutcome(outcome.String())

	if outcome != capture.OutcomeRouted {
		s.logger.Debug("Capture packet not routed",
			slog.Uint64("tab_id", uint64(parsed.Header.TabID)),
			slog.String("outcome", outcome.String()),
			slog.Duration("age", time.Since(packet.timestamp)),
		)
	}
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	return ServerStatistics{
		PacketsReceived:  s.packetsReceived.Load(),
		PacketsProcessed: s.packetsProcessed.Load(),
		PacketsDropped:   s.packetsDropped.Load(),
		ParseErrors:      s.parseErrors.Load(),
		QueueSize:        uint64(len(s.packetChan)),
		QueueCapacity:    uint64(cap(s.packetChan)),
	}
}
