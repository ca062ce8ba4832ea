package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/auricleai/auricle/internal/capture"
	"github.com/auricleai/auricle/internal/config"
	"github.com/auricleai/auricle/internal/metrics"
	"github.com/auricleai/auricle/internal/protocol"
)

// UDPServer ingests datagram audio from constrained devices: a signaling
// datagram opens the capture, audio datagrams append to it, an end datagram
// finalizes it.
type UDPServer struct {
	conn    *net.UDPConn
	cfg     *config.UDPConfig
	orch    *capture.Orchestrator
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	packetChan chan *datagram

	mu        sync.RWMutex
	received  uint64
	processed uint64
	errors    uint64
}

// datagram is a received UDP packet with its origin.
type datagram struct {
	data       []byte
	remoteAddr *net.UDPAddr
}

// udpWorkers is the number of goroutines decoding and applying datagrams.
const udpWorkers = 4

// NewUDPServer creates the server; Start begins listening.
func NewUDPServer(cfg *config.UDPConfig, orch *capture.Orchestrator, m *metrics.Metrics, logger *slog.Logger) *UDPServer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UDPServer{
		cfg:        cfg,
		orch:       orch,
		metrics:    m,
		logger:     logger.With(slog.String("component", "udp")),
		ctx:        ctx,
		cancel:     cancel,
		packetChan: make(chan *datagram, 1000),
	}
}

// Start binds the socket and launches the receive loop and workers.
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.cfg.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.cfg.BufferSize),
			slog.String("error", err.Error()))
	}

	s.logger.Info("UDP server started",
		slog.String("address", addr.String()),
		slog.Int("buffer_size", s.cfg.BufferSize))

	for i := 0; i < udpWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.wg.Add(1)
	go s.receiveLoop()
	return nil
}

// Stop drains the workers and closes the socket.
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server")
	s.cancel()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP socket", slog.String("error", err.Error()))
		}
	}
	close(s.packetChan)
	s.wg.Wait()

	stats := s.Stats()
	s.logger.Info("UDP server stopped",
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("datagrams_processed", stats.DatagramsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors))
	return nil
}

func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()

	buffer := make([]byte, s.cfg.BufferSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// The deadline keeps the loop checking for shutdown.
		if err := s.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
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
				s.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
				continue
			}
		}

		s.mu.Lock()
		s.received++
		s.mu.Unlock()

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case s.packetChan <- &datagram{data: data, remoteAddr: remoteAddr}:
		default:
			s.logger.Warn("Datagram queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n))
		}
	}
}

func (s *UDPServer) worker(id int) {
	defer s.wg.Done()
	for pkt := range s.packetChan {
		s.handleDatagram(pkt, id)
	}
}

func (s *UDPServer) handleDatagram(pkt *datagram, workerID int) {
	parsed, err := protocol.ParsePacket(pkt.data)
	if err != nil {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordDatagramError()
		}
		s.logger.Error("Failed to parse datagram",
			slog.String("remote_addr", pkt.remoteAddr.String()),
			slog.Int("packet_size", len(pkt.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID))
		return
	}

	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordDatagramParsed()
	}

	switch parsed.Header.PacketType {
	case protocol.PacketTypeSignaling:
		s.handleSignaling(parsed, workerID)
	case protocol.PacketTypeAudio:
		s.handleAudio(parsed, workerID)
	case protocol.PacketTypeEnd:
		s.handleEnd(parsed, workerID)
	}
}

func (s *UDPServer) handleSignaling(pkt *protocol.ParsedPacket, workerID int) {
	deviceType := pkt.Signaling.GetDeviceType()
	format := pkt.Signaling.GetFormat()
	if format == "pcm" {
		// Raw PCM datagrams accumulate into a WAV capture file.
		format = "wav"
	}
	timestamp := time.UnixMilli(int64(pkt.Signaling.Timestamp)).UTC()

	starting := !s.orch.Active(pkt.CaptureUUID)
	if _, err := s.orch.Begin(s.ctx, pkt.CaptureUUID, format, timestamp, deviceType); err != nil {
		s.logger.Error("Failed to open capture from signaling datagram",
			slog.String("capture_uuid", pkt.CaptureUUID),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID))
		return
	}
	if s.metrics != nil && starting {
		s.metrics.RecordCaptureStarted()
	}

	s.logger.Info("Signaling datagram processed",
		slog.String("capture_uuid", pkt.CaptureUUID),
		slog.String("device_type", deviceType),
		slog.String("format", format),
		slog.Int("worker_id", workerID))
}

func (s *UDPServer) handleAudio(pkt *protocol.ParsedPacket, workerID int) {
	err := s.orch.Append(s.ctx, pkt.CaptureUUID, pkt.Audio.AudioData)
	if errors.Is(err, capture.ErrNoSession) {
		s.logger.Warn("Audio datagram for unknown capture",
			slog.String("capture_uuid", pkt.CaptureUUID),
			slog.Uint64("sequence", uint64(pkt.Header.Sequence)),
			slog.Int("worker_id", workerID))
		return
	}
	if err != nil {
		s.logger.Error("Failed to append audio datagram",
			slog.String("capture_uuid", pkt.CaptureUUID),
			slog.Uint64("sequence", uint64(pkt.Header.Sequence)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordChunkReceived(len(pkt.Audio.AudioData))
	}
}

func (s *UDPServer) handleEnd(pkt *protocol.ParsedPacket, workerID int) {
	err := s.orch.Finalize(s.ctx, pkt.CaptureUUID)
	if errors.Is(err, capture.ErrNoSession) {
		s.logger.Warn("End datagram for unknown capture",
			slog.String("capture_uuid", pkt.CaptureUUID),
			slog.Int("worker_id", workerID))
		return
	}
	if err != nil {
		s.logger.Error("Failed to finalize capture",
			slog.String("capture_uuid", pkt.CaptureUUID),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordCaptureFinished()
	}
	s.logger.Info("Capture finalized by end datagram",
		slog.String("capture_uuid", pkt.CaptureUUID),
		slog.Int("worker_id", workerID))
}

// UDPStats is a snapshot of the listener counters.
type UDPStats struct {
	DatagramsReceived  uint64 `json:"datagrams_received"`
	DatagramsProcessed uint64 `json:"datagrams_processed"`
	ParseErrors        uint64 `json:"parse_errors"`
	QueueSize          uint64 `json:"queue_size"`
	QueueCapacity      uint64 `json:"queue_capacity"`
}

// Stats returns current listener statistics.
func (s *UDPServer) Stats() UDPStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return UDPStats{
		DatagramsReceived:  s.received,
		DatagramsProcessed: s.processed,
		ParseErrors:        s.errors,
		QueueSize:          uint64(len(s.packetChan)),
		QueueCapacity:      uint64(cap(s.packetChan)),
	}
}
