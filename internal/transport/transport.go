// Package transport abstracts the physical CAN bus behind send/receive
// primitives. Concurrent senders share one serialized send path so each
// frame goes out as an atomic unit.
package transport

import (
	"errors"

	"can-bus-tester/internal/models"
)

// ErrNotConfigured is returned when a send or subscribe happens before the
// interface has been configured.
var ErrNotConfigured = errors.New("CAN interface is not configured")

// InterfaceConfig describes how to open a bus interface.
type InterfaceConfig struct {
	Interface string            `json:"interface"`
	Channel   string            `json:"channel"`
	Bitrate   int               `json:"bitrate,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// Status reports the configured state of the bus.
type Status struct {
	Configured bool              `json:"configured"`
	Interface  string            `json:"interface,omitempty"`
	Channel    string            `json:"channel,omitempty"`
	Bitrate    int               `json:"bitrate,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
}

// Bus is the transport consumed by the task engine and the event pump.
type Bus interface {
	// Configure (re)opens the interface. Safe to call repeatedly; an
	// already-open interface is closed first.
	Configure(cfg InterfaceConfig) (Status, error)

	// Send transmits one frame. Concurrent calls are serialized; a failure
	// is surfaced synchronously and never retried here.
	Send(frame models.CANFrame) error

	// Subscribe returns the stream of incoming frames. The channel is owned
	// by the transport and closed on Close.
	Subscribe() <-chan models.CANMessage

	// Status returns the current configuration snapshot.
	Status() Status

	Close() error
}
