// Package recording captures the live event stream into append-only logs
// and decodes finalized logs for playback.
package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"can-bus-tester/internal/events"
	"can-bus-tester/internal/models"
)

// ErrRecordingActive is returned when a start request arrives while a
// recording is already running.
var ErrRecordingActive = errors.New("a recording is already active")

// ErrNoActiveRecording is returned when stop is called with nothing running.
var ErrNoActiveRecording = errors.New("no active recording")

// Log is one recording: an ordered, append-only list of rx/tx events.
type Log struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	StartedAt  float64        `json:"started_at"`
	EndedAt    float64        `json:"ended_at,omitempty"`
	Duration   float64        `json:"duration,omitempty"`
	EventCount int            `json:"event_count"`
	Events     []models.Event `json:"events,omitempty"`
}

// Info returns the log's metadata without its events.
func (l *Log) Info() Log {
	info := *l
	info.Events = nil
	return info
}

// Manager owns the single active recording and the persisted logs on disk.
// Only the manager mutates the active log; everything it records arrives
// through its event-bus subscription.
type Manager struct {
	baseDir string
	logger  *zap.Logger

	mu     sync.Mutex
	active *Log

	sub *events.Subscription
}

// NewManager creates a manager persisting logs under baseDir.
func NewManager(baseDir string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	return &Manager{baseDir: baseDir, logger: logger}, nil
}

// Attach subscribes the manager to the event stream. Traffic events (rx and
// tx) are appended to the active recording in emission order.
func (m *Manager) Attach(b *events.Broadcaster) {
	m.sub = b.SubscribeBuffer(4096)
	go func() {
		for ev := range m.sub.C {
			if ev.Type != models.EventRX && ev.Type != models.EventTX {
				continue
			}
			m.append(ev)
		}
	}()
}

func (m *Manager) append(ev models.Event) {
	m.mu.Lock()
	if m.active != nil {
		m.active.Events = append(m.active.Events, ev)
	}
	m.mu.Unlock()
}

// Start begins a new recording. Exactly one may be active process-wide; a
// second start is rejected with ErrRecordingActive.
func (m *Manager) Start(name string) (Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return m.active.Info(), ErrRecordingActive
	}

	now := events.Now()
	label := strings.TrimSpace(name)
	if label == "" {
		label = time.Now().Format("20060102-150405")
	}

	m.active = &Log{
		ID:        strings.ReplaceAll(uuid.New().String(), "-", ""),
		Name:      label,
		StartedAt: now,
	}

	m.logger.Info("recording started",
		zap.String("id", m.active.ID), zap.String("name", label))

	return m.active.Info(), nil
}

// Stop finalizes the active recording and persists it to disk. The duration
// is the span from start to the last event's timestamp.
func (m *Manager) Stop() (Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return Log{}, ErrNoActiveRecording
	}

	log := m.active
	m.active = nil

	log.EndedAt = events.Now()
	log.EventCount = len(log.Events)
	log.Duration = 0
	for _, ev := range log.Events {
		if span := ev.Timestamp - log.StartedAt; span > log.Duration {
			log.Duration = span
		}
	}

	if err := m.persist(log); err != nil {
		return Log{}, err
	}

	m.logger.Info("recording stopped",
		zap.String("id", log.ID),
		zap.Int("events", log.EventCount),
		zap.Float64("duration", log.Duration))

	return log.Info(), nil
}

func (m *Manager) persist(log *Log) error {
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal recording: %w", err)
	}
	path := m.logPath(log.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	return nil
}

// Active returns metadata of the running recording, with its duration so
// far, or false when none is active.
func (m *Manager) Active() (Log, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Log{}, false
	}
	info := m.active.Info()
	info.EventCount = len(m.active.Events)
	info.Duration = events.Now() - m.active.StartedAt
	return info, true
}

// List returns metadata for all persisted recordings, newest first.
func (m *Manager) List() ([]Log, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var logs []Log
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		log, err := m.load(filepath.Join(m.baseDir, entry.Name()))
		if err != nil {
			m.logger.Warn("skipping unreadable recording",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		logs = append(logs, log.Info())
	}

	sort.Slice(logs, func(i, j int) bool {
		return logs[i].StartedAt > logs[j].StartedAt
	})
	return logs, nil
}

// Get loads a finalized recording, events included. Returns os.ErrNotExist
// for unknown ids.
func (m *Manager) Get(id string) (*Log, error) {
	if strings.ContainsAny(id, "/\\.") {
		return nil, os.ErrNotExist
	}
	return m.load(m.logPath(id))
}

func (m *Manager) load(path string) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var log Log
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("failed to parse recording %s: %w", path, err)
	}
	if log.EventCount == 0 {
		log.EventCount = len(log.Events)
	}
	return &log, nil
}

func (m *Manager) logPath(id string) string {
	return filepath.Join(m.baseDir, id+".json")
}
