package tasks

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"can-bus-tester/internal/events"
	"can-bus-tester/internal/models"
)

// PeriodicConfig describes a fixed-frame periodic transmission.
type PeriodicConfig struct {
	MessageName string
	Frame       models.CANFrame
	PeriodMs    int
}

// PeriodicTask repeats one pre-encoded frame at a fixed interval. The first
// frame goes out immediately on start; subsequent ticks follow the ticker's
// monotonic clock.
type PeriodicTask struct {
	deps Deps

	messageName string
	frame       models.CANFrame
	periodMs    int
	startedAt   float64

	mu         sync.Mutex
	lastSentAt float64

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewPeriodic validates the config and launches the transmission loop.
func NewPeriodic(cfg PeriodicConfig, deps Deps) (*PeriodicTask, error) {
	if cfg.PeriodMs <= 0 {
		return nil, fmt.Errorf("period must be greater than zero")
	}

	t := &PeriodicTask{
		deps:        deps,
		messageName: cfg.MessageName,
		frame:       cfg.Frame,
		periodMs:    cfg.PeriodMs,
		startedAt:   events.Now(),
		stopChan:    make(chan struct{}),
	}

	go t.run()
	return t, nil
}

func (t *PeriodicTask) Key() string { return t.messageName }
func (t *PeriodicTask) Kind() Kind  { return KindPeriodic }

// Snapshot returns the task's current status.
func (t *PeriodicTask) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		MessageName: t.messageName,
		Kind:        KindPeriodic,
		StartedAt:   t.startedAt,
		PeriodMs:    t.periodMs,
		LastSentAt:  t.lastSentAt,
	}
}

func (t *PeriodicTask) stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

func (t *PeriodicTask) run() {
	ticker := time.NewTicker(time.Duration(t.periodMs) * time.Millisecond)
	defer ticker.Stop()

	t.tick()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *PeriodicTask) tick() {
	if err := t.deps.Bus.Send(t.frame); err != nil {
		t.deps.Logger.Warn("periodic send failed",
			zap.String("message", t.messageName), zap.Error(err))
		return
	}

	now := events.Now()
	t.mu.Lock()
	t.lastSentAt = now
	t.mu.Unlock()

	t.deps.Events.Publish(models.Event{
		Type:      models.EventTX,
		Timestamp: now,
		ID:        t.frame.ID,
		DLC:       t.frame.DLC,
		Data:      models.DataInts(t.frame.Payload()),
		Message:   t.messageName,
		TaskKey:   t.messageName,
		PeriodMs:  t.periodMs,
	})
}
