package tasks

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"can-bus-tester/internal/codec"
	"can-bus-tester/internal/events"
	"can-bus-tester/internal/models"
	"can-bus-tester/internal/schema"
)

// FaultType identifies a corruption strategy.
type FaultType string

const (
	FaultBitFlip     FaultType = "bit-flip"
	FaultDLCMismatch FaultType = "dlc-mismatch"
	FaultOutOfRange  FaultType = "out-of-range"
	FaultRandomData  FaultType = "random-data"
	FaultZeroData    FaultType = "zero-data"
	FaultMaxData     FaultType = "max-data"
)

// FaultConfig describes a bounded fault injection run for one message.
type FaultConfig struct {
	Message         *schema.Message
	Type            FaultType
	Count           int
	IntervalSeconds float64

	// Base signal values for the correctly-encoded payload the corruption
	// starts from. Signals not listed encode at their minimum.
	SignalValues map[string]float64

	BitFlipCount    int     // bit-flip; defaults to 1
	DLCValue        int     // dlc-mismatch
	TargetSignal    string  // out-of-range
	RangeMultiplier float64 // out-of-range; defaults to 2
}

// FaultTask sends a bounded count of deliberately corrupted frames. After
// the final send it emits a single completion event and removes itself from
// the registry. The malformed frames are the product, never an error.
type FaultTask struct {
	deps     Deps
	registry *Registry
	cfg      FaultConfig

	base      []byte // correctly-encoded payload
	fixed     []byte // precomputed payload for out-of-range
	rng       *rand.Rand
	startedAt float64

	mu        sync.Mutex
	sentCount int
	lastSent  float64
	completed bool

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewFault validates the config and launches the injection loop.
func NewFault(cfg FaultConfig, registry *Registry, deps Deps) (*FaultTask, error) {
	if cfg.Message == nil {
		return nil, fmt.Errorf("message is required")
	}
	if cfg.Count <= 0 {
		return nil, fmt.Errorf("count must be greater than zero")
	}
	if cfg.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("interval must be greater than zero")
	}

	base, err := codec.Encode(cfg.Message, cfg.SignalValues)
	if err != nil {
		return nil, fmt.Errorf("failed to encode base payload: %w", err)
	}

	t := &FaultTask{
		deps:      deps,
		registry:  registry,
		cfg:       cfg,
		base:      base,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		startedAt: events.Now(),
		stopChan:  make(chan struct{}),
	}

	switch cfg.Type {
	case FaultBitFlip:
		if t.cfg.BitFlipCount <= 0 {
			t.cfg.BitFlipCount = 1
		}
		if maxBits := int(cfg.Message.Length) * 8; t.cfg.BitFlipCount > maxBits {
			t.cfg.BitFlipCount = maxBits
		}
	case FaultDLCMismatch:
		if cfg.DLCValue < 0 || cfg.DLCValue > 8 {
			return nil, fmt.Errorf("dlc value must be between 0 and 8")
		}
	case FaultOutOfRange:
		sig, ok := cfg.Message.SignalByName(cfg.TargetSignal)
		if !ok {
			return nil, fmt.Errorf("target signal %s not found in message %s", cfg.TargetSignal, cfg.Message.Name)
		}
		if t.cfg.RangeMultiplier <= 0 {
			t.cfg.RangeMultiplier = 2
		}
		values := make(map[string]float64, len(cfg.SignalValues)+1)
		for k, v := range cfg.SignalValues {
			values[k] = v
		}
		values[sig.Name] = sig.Max * t.cfg.RangeMultiplier
		fixed, err := codec.EncodeUnchecked(cfg.Message, values)
		if err != nil {
			return nil, fmt.Errorf("failed to encode out-of-range payload: %w", err)
		}
		t.fixed = fixed
	case FaultRandomData, FaultZeroData, FaultMaxData:
	default:
		return nil, fmt.Errorf("unknown fault type %q", cfg.Type)
	}

	go t.run()
	return t, nil
}

func (t *FaultTask) Key() string { return t.cfg.Message.Name }
func (t *FaultTask) Kind() Kind  { return KindFault }

// Snapshot returns the task's current status, including send progress.
func (t *FaultTask) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		MessageName:     t.cfg.Message.Name,
		Kind:            KindFault,
		StartedAt:       t.startedAt,
		IntervalSeconds: t.cfg.IntervalSeconds,
		FaultType:       t.cfg.Type,
		Count:           t.cfg.Count,
		SentCount:       t.sentCount,
		LastSentAt:      t.lastSent,
		Completed:       t.completed,
	}
}

func (t *FaultTask) stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

func (t *FaultTask) run() {
	interval := time.Duration(t.cfg.IntervalSeconds * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if t.tick() {
		return
	}

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			if t.tick() {
				return
			}
		}
	}
}

// tick sends one corrupted frame. Returns true when the run is complete.
func (t *FaultTask) tick() bool {
	msg := t.cfg.Message

	frame := models.CANFrame{
		ID:         msg.FrameID,
		DLC:        msg.Length,
		IsExtended: msg.IsExtended,
	}
	copy(frame.Data[:], t.payload())

	if t.cfg.Type == FaultDLCMismatch {
		frame.DLC = uint8(t.cfg.DLCValue)
	}

	if err := t.deps.Bus.Send(frame); err != nil {
		t.deps.Logger.Warn("fault send failed",
			zap.String("message", msg.Name), zap.Error(err))
	}

	now := events.Now()
	t.mu.Lock()
	t.sentCount++
	t.lastSent = now
	sent := t.sentCount
	done := sent >= t.cfg.Count
	if done {
		t.completed = true
	}
	t.mu.Unlock()

	t.deps.Events.Publish(models.Event{
		Type:      models.EventTX,
		Timestamp: now,
		ID:        frame.ID,
		DLC:       frame.DLC,
		Data:      models.DataInts(frame.Payload()),
		Message:   msg.Name,
		TaskKey:   msg.Name,
		FaultType: string(t.cfg.Type),
	})
	t.deps.Events.Publish(models.Event{
		Type:      models.EventFault,
		Timestamp: now,
		Message:   msg.Name,
		FaultType: string(t.cfg.Type),
		Sent:      sent,
		Total:     t.cfg.Count,
		State:     faultState(done),
	})

	if done {
		t.registry.complete(t)
		t.deps.Logger.Info("fault injection completed",
			zap.String("message", msg.Name),
			zap.String("faultType", string(t.cfg.Type)),
			zap.Int("count", t.cfg.Count))
	}
	return done
}

func faultState(done bool) string {
	if done {
		return "completed"
	}
	return "progress"
}

// payload builds the corrupted payload for one send.
func (t *FaultTask) payload() []byte {
	dlc := int(t.cfg.Message.Length)
	data := make([]byte, dlc)

	switch t.cfg.Type {
	case FaultBitFlip:
		copy(data, t.base)
		for _, bit := range t.rng.Perm(dlc * 8)[:t.cfg.BitFlipCount] {
			data[bit/8] ^= 1 << uint(bit%8)
		}
	case FaultDLCMismatch:
		// Payload stays correct; the frame carries the overridden DLC and
		// the transport truncates or zero-pads accordingly.
		copy(data, t.base)
	case FaultOutOfRange:
		copy(data, t.fixed)
	case FaultRandomData:
		t.rng.Read(data)
	case FaultZeroData:
	case FaultMaxData:
		for i := range data {
			data[i] = 0xFF
		}
	}
	return data
}
