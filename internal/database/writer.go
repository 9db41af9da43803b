// Package database defines the optional event archive sinks. Sinks consume
// the live event stream and persist traffic for long-term analysis outside
// the recording engine.
package database

import "can-bus-tester/internal/models"

// Writer is the interface for event archive sinks
type Writer interface {
	// Start begins processing and writing events
	Start()

	// Write queues an event for writing
	Write(ev models.Event)

	// Close closes the sink connection and cleans up resources
	Close() error
}
