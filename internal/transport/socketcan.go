package transport

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"can-bus-tester/internal/models"
)

const (
	canRaw       = 1
	canFrameSize = 16

	// CAN_EFF_FLAG marks an extended (29-bit) identifier in the kernel
	// frame format.
	canEFFFlag = 0x80000000
	canEFFMask = 0x1FFFFFFF
)

// SocketCAN is a Bus backed by a raw AF_CAN socket.
type SocketCAN struct {
	mu     sync.Mutex // guards socket lifecycle and status
	sendMu sync.Mutex // serializes writes to the socket

	socket     int
	configured bool
	config     InterfaceConfig

	msgChan  chan models.CANMessage
	stopChan chan struct{}
	logger   *zap.Logger
}

// NewSocketCAN creates an unconfigured SocketCAN transport.
func NewSocketCAN(logger *zap.Logger) *SocketCAN {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketCAN{
		socket:  -1,
		msgChan: make(chan models.CANMessage, 1000),
		logger:  logger,
	}
}

// Configure opens a raw CAN socket bound to the requested channel. Any
// previously open socket is shut down first.
func (s *SocketCAN) Configure(cfg InterfaceConfig) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()

	socket, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, canRaw)
	if err != nil {
		return Status{}, fmt.Errorf("failed to create CAN socket: %w", err)
	}

	ifreq, err := unix.NewIfreq(cfg.Channel)
	if err != nil {
		unix.Close(socket)
		return Status{}, fmt.Errorf("failed to create ifreq: %w", err)
	}

	if err := unix.IoctlIfreq(socket, unix.SIOCGIFINDEX, ifreq); err != nil {
		unix.Close(socket)
		return Status{}, fmt.Errorf("failed to get interface index for %s: %w", cfg.Channel, err)
	}

	addr := &unix.SockaddrCAN{Ifindex: int(ifreq.Uint32())}
	if err := unix.Bind(socket, addr); err != nil {
		unix.Close(socket)
		return Status{}, fmt.Errorf("failed to bind socket: %w", err)
	}

	s.socket = socket
	s.configured = true
	s.config = cfg
	s.stopChan = make(chan struct{})

	go s.readLoop(socket, s.stopChan)

	s.logger.Info("CAN interface configured",
		zap.String("interface", cfg.Interface),
		zap.String("channel", cfg.Channel),
		zap.Int("bitrate", cfg.Bitrate))

	return s.statusLocked(), nil
}

// Send writes one frame to the socket. Sends are serialized so concurrent
// tasks never interleave partial writes.
func (s *SocketCAN) Send(frame models.CANFrame) error {
	s.mu.Lock()
	socket := s.socket
	configured := s.configured
	s.mu.Unlock()

	if !configured {
		return ErrNotConfigured
	}

	buf := make([]byte, canFrameSize)
	id := frame.ID
	if frame.IsExtended {
		id = (id & canEFFMask) | canEFFFlag
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = frame.DLC
	copy(buf[8:16], frame.Data[:])

	s.sendMu.Lock()
	_, err := unix.Write(socket, buf)
	s.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("CAN send failed: %w", err)
	}
	return nil
}

// Subscribe returns the incoming frame stream.
func (s *SocketCAN) Subscribe() <-chan models.CANMessage {
	return s.msgChan
}

// Status returns the configured state of the transport.
func (s *SocketCAN) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *SocketCAN) statusLocked() Status {
	if !s.configured {
		return Status{Configured: false}
	}
	return Status{
		Configured: true,
		Interface:  s.config.Interface,
		Channel:    s.config.Channel,
		Bitrate:    s.config.Bitrate,
		Options:    s.config.Options,
	}
}

// readLoop continuously reads CAN frames from the socket until the socket
// generation it was started for is closed.
func (s *SocketCAN) readLoop(socket int, stop chan struct{}) {
	buf := make([]byte, canFrameSize)

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := unix.Read(socket, buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			s.logger.Warn("CAN read error", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n < canFrameSize {
			s.logger.Warn("incomplete CAN frame received", zap.Int("bytes", n))
			continue
		}

		rawID := binary.LittleEndian.Uint32(buf[0:4])
		frame := models.CANFrame{
			ID:         rawID & canEFFMask,
			DLC:        buf[4],
			IsExtended: rawID&canEFFFlag != 0,
		}
		copy(frame.Data[:], buf[8:16])

		msg := models.CANMessage{
			Frame:     frame,
			Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
			Interface: s.config.Channel,
		}

		select {
		case s.msgChan <- msg:
		default:
			s.logger.Warn("message channel full, dropping frame")
		}
	}
}

// Close shuts the socket down and stops the read loop.
func (s *SocketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *SocketCAN) closeLocked() {
	if !s.configured {
		return
	}
	close(s.stopChan)
	unix.Close(s.socket)
	s.socket = -1
	s.configured = false
}
