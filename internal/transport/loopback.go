package transport

import (
	"sync"
	"time"

	"can-bus-tester/internal/models"
)

// Loopback is an in-memory Bus. Every sent frame is retained and echoed to
// subscribers, which makes it usable both for tests and for running the
// tester without CAN hardware.
type Loopback struct {
	mu         sync.Mutex
	configured bool
	config     InterfaceConfig
	sent       []models.CANFrame
	msgChan    chan models.CANMessage
	echo       bool
	sendErr    error
}

// NewLoopback creates a loopback transport that echoes sent frames back as
// received traffic.
func NewLoopback() *Loopback {
	return &Loopback{
		msgChan: make(chan models.CANMessage, 1000),
		echo:    true,
	}
}

// SetEcho controls whether sent frames are looped back to subscribers.
func (l *Loopback) SetEcho(echo bool) {
	l.mu.Lock()
	l.echo = echo
	l.mu.Unlock()
}

// FailSends makes every subsequent Send return err. Pass nil to restore
// normal operation.
func (l *Loopback) FailSends(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

// Configure marks the loopback as configured.
func (l *Loopback) Configure(cfg InterfaceConfig) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configured = true
	l.config = cfg
	return l.statusLocked(), nil
}

// Send records the frame and optionally echoes it back.
func (l *Loopback) Send(frame models.CANFrame) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.configured {
		return ErrNotConfigured
	}
	if l.sendErr != nil {
		return l.sendErr
	}

	l.sent = append(l.sent, frame)
	if l.echo {
		msg := models.CANMessage{
			Frame:     frame,
			Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
			Interface: l.config.Channel,
		}
		select {
		case l.msgChan <- msg:
		default:
		}
	}
	return nil
}

// Inject delivers a frame to subscribers as if it arrived from the bus.
func (l *Loopback) Inject(frame models.CANFrame) {
	msg := models.CANMessage{
		Frame:     frame,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Interface: l.config.Channel,
	}
	select {
	case l.msgChan <- msg:
	default:
	}
}

// Sent returns a copy of all frames sent so far.
func (l *Loopback) Sent() []models.CANFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.CANFrame, len(l.sent))
	copy(out, l.sent)
	return out
}

// Subscribe returns the incoming frame stream.
func (l *Loopback) Subscribe() <-chan models.CANMessage {
	return l.msgChan
}

// Status returns the configured state.
func (l *Loopback) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *Loopback) statusLocked() Status {
	if !l.configured {
		return Status{Configured: false}
	}
	return Status{
		Configured: true,
		Interface:  l.config.Interface,
		Channel:    l.config.Channel,
		Bitrate:    l.config.Bitrate,
		Options:    l.config.Options,
	}
}

// Close is a no-op for the loopback.
func (l *Loopback) Close() error {
	return nil
}
