package tasks

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"can-bus-tester/internal/codec"
	"can-bus-tester/internal/events"
	"can-bus-tester/internal/models"
	"can-bus-tester/internal/schema"
)

// ChaserMode selects what the chaser cycles through.
type ChaserMode string

const (
	ModeSignals ChaserMode = "signals"
	ModeCodes   ChaserMode = "codes"
)

// CodeSource identifies where a code-mode chaser takes its codes from.
type CodeSource string

const (
	SourceHexList     CodeSource = "hex-list"
	SourceDecimalList CodeSource = "decimal-list"
	SourceRange       CodeSource = "range"
)

// Code is one entry of an uploaded code list.
type Code struct {
	Value       uint64 `json:"value"`
	Description string `json:"description,omitempty"`
}

// ChaserConfig describes a signal or code chaser for one message.
type ChaserConfig struct {
	Message         *schema.Message
	IntervalSeconds float64
	Mode            ChaserMode

	// Code mode only.
	Source       CodeSource
	Codes        []Code
	TargetSignal string
	RangeStart   uint64
	RangeEnd     uint64
}

// ChaserTask cycles a message's signal values or error codes at a fixed
// interval. Signal mode steps each signal to its maximum then minimum
// before advancing and wraps forever; code mode walks its source in order
// and wraps after the last code.
type ChaserTask struct {
	deps Deps
	cfg  ChaserConfig

	startedAt float64
	stopOnce  sync.Once
	stopChan  chan struct{}

	mu            sync.Mutex
	currentSignal string
	currentCode   string
	description   string
	codeIndex     int
	lastSentAt    float64

	// Signal mode state: last known value per signal, cursor, max/min phase.
	values map[string]float64
	sigIdx int
	atMax  bool
}

// NewChaser validates the config and launches the chase loop.
func NewChaser(cfg ChaserConfig, deps Deps) (*ChaserTask, error) {
	if cfg.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("interval must be greater than zero")
	}
	if cfg.Message == nil {
		return nil, fmt.Errorf("message is required")
	}

	switch cfg.Mode {
	case ModeSignals:
		if len(cfg.Message.Signals) == 0 {
			return nil, fmt.Errorf("message %s has no signals", cfg.Message.Name)
		}
	case ModeCodes:
		switch cfg.Source {
		case SourceHexList:
			if len(cfg.Codes) == 0 {
				return nil, fmt.Errorf("no codes uploaded for message %s", cfg.Message.Name)
			}
		case SourceDecimalList:
			if len(cfg.Codes) == 0 {
				return nil, fmt.Errorf("no codes uploaded for message %s", cfg.Message.Name)
			}
			if _, ok := cfg.Message.SignalByName(cfg.TargetSignal); !ok {
				return nil, fmt.Errorf("target signal %s not found in message %s", cfg.TargetSignal, cfg.Message.Name)
			}
		case SourceRange:
			if cfg.RangeEnd < cfg.RangeStart {
				return nil, fmt.Errorf("range end must not be below range start")
			}
			if cfg.RangeEnd-cfg.RangeStart >= math.MaxInt {
				return nil, fmt.Errorf("range 0x%X-0x%X spans too many codes", cfg.RangeStart, cfg.RangeEnd)
			}
		default:
			return nil, fmt.Errorf("unknown code source %q", cfg.Source)
		}
	default:
		return nil, fmt.Errorf("unknown chaser mode %q", cfg.Mode)
	}

	t := &ChaserTask{
		deps:      deps,
		cfg:       cfg,
		startedAt: events.Now(),
		stopChan:  make(chan struct{}),
	}

	if cfg.Mode == ModeSignals {
		t.values = make(map[string]float64, len(cfg.Message.Signals))
		for i := range cfg.Message.Signals {
			sig := &cfg.Message.Signals[i]
			t.values[sig.Name] = minPhysical(sig)
		}
	}

	go t.run()
	return t, nil
}

func (t *ChaserTask) Key() string { return t.cfg.Message.Name }
func (t *ChaserTask) Kind() Kind  { return KindChaser }

// Snapshot returns the task's current status, including the signal or code
// the last tick transmitted.
func (t *ChaserTask) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Status{
		MessageName:     t.cfg.Message.Name,
		Kind:            KindChaser,
		StartedAt:       t.startedAt,
		IntervalSeconds: t.cfg.IntervalSeconds,
		Mode:            t.cfg.Mode,
		LastSentAt:      t.lastSentAt,
	}
	switch t.cfg.Mode {
	case ModeSignals:
		for i := range t.cfg.Message.Signals {
			s.Signals = append(s.Signals, t.cfg.Message.Signals[i].Name)
		}
		s.CurrentSignal = t.currentSignal
	case ModeCodes:
		s.Source = t.cfg.Source
		s.CurrentCode = t.currentCode
		s.Description = t.description
		s.CodeIndex = t.codeIndex
		s.CodeCount = t.codeCount()
	}
	return s
}

func (t *ChaserTask) codeCount() int {
	if t.cfg.Source == SourceRange {
		return int(t.cfg.RangeEnd-t.cfg.RangeStart) + 1
	}
	return len(t.cfg.Codes)
}

func (t *ChaserTask) stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

func (t *ChaserTask) run() {
	interval := time.Duration(t.cfg.IntervalSeconds * float64(time.Second))
	ticker := time.NewTicker(interval)
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

func (t *ChaserTask) tick() {
	switch t.cfg.Mode {
	case ModeSignals:
		t.tickSignals()
	case ModeCodes:
		t.tickCodes()
	}
}

// tickSignals drives the current signal to its maximum, then its minimum,
// then advances to the next signal. All other signals hold their last known
// value.
func (t *ChaserTask) tickSignals() {
	msg := t.cfg.Message

	t.mu.Lock()
	sig := &msg.Signals[t.sigIdx]
	if !t.atMax {
		t.values[sig.Name] = maxPhysical(sig)
		t.atMax = true
	} else {
		t.values[sig.Name] = minPhysical(sig)
		t.atMax = false
		t.sigIdx = (t.sigIdx + 1) % len(msg.Signals)
	}
	current := sig.Name
	values := make(map[string]float64, len(t.values))
	for k, v := range t.values {
		values[k] = v
	}
	t.mu.Unlock()

	data, err := codec.Encode(msg, values)
	if err != nil {
		t.deps.Logger.Warn("chaser encode failed",
			zap.String("message", msg.Name), zap.Error(err))
		return
	}

	t.send(data, current, "", "")
}

// tickCodes transmits the code at the cursor and advances it, wrapping
// after the last code.
func (t *ChaserTask) tickCodes() {
	msg := t.cfg.Message

	t.mu.Lock()
	idx := t.codeIndex
	t.codeIndex = (t.codeIndex + 1) % t.codeCount()
	t.mu.Unlock()

	var (
		value       uint64
		description string
		data        []byte
		err         error
	)

	switch t.cfg.Source {
	case SourceRange:
		value = t.cfg.RangeStart + uint64(idx)
		data = codePayload(value, int(msg.Length))
	case SourceHexList:
		value = t.cfg.Codes[idx].Value
		description = t.cfg.Codes[idx].Description
		data = codePayload(value, int(msg.Length))
	case SourceDecimalList:
		value = t.cfg.Codes[idx].Value
		description = t.cfg.Codes[idx].Description
		data, err = codec.EncodeRaw(msg, map[string]int64{t.cfg.TargetSignal: int64(value)})
		if err != nil {
			t.deps.Logger.Warn("chaser raw encode failed",
				zap.String("message", msg.Name), zap.Error(err))
			return
		}
	}

	t.send(data, "", fmt.Sprintf("0x%X", value), description)
}

func (t *ChaserTask) send(data []byte, currentSignal, currentCode, description string) {
	msg := t.cfg.Message

	frame := models.CANFrame{
		ID:         msg.FrameID,
		DLC:        msg.Length,
		IsExtended: msg.IsExtended,
	}
	copy(frame.Data[:], data)

	if err := t.deps.Bus.Send(frame); err != nil {
		t.deps.Logger.Warn("chaser send failed",
			zap.String("message", msg.Name), zap.Error(err))
		return
	}

	now := events.Now()
	t.mu.Lock()
	t.lastSentAt = now
	t.currentSignal = currentSignal
	t.currentCode = currentCode
	t.description = description
	t.mu.Unlock()

	t.deps.Events.Publish(models.Event{
		Type:        models.EventTX,
		Timestamp:   now,
		ID:          frame.ID,
		DLC:         frame.DLC,
		Data:        models.DataInts(frame.Payload()),
		Message:     msg.Name,
		TaskKey:     msg.Name,
		Code:        currentCode,
		Description: description,
	})
}

// codePayload packs an integer code into a big-endian payload of dlc bytes.
func codePayload(code uint64, dlc int) []byte {
	data := make([]byte, dlc)
	for i := dlc - 1; i >= 0; i-- {
		data[i] = byte(code)
		code >>= 8
	}
	return data
}

// minPhysical picks a signal's low sweep value: the declared minimum, the
// lowest choice, or zero raw.
func minPhysical(sig *schema.Signal) float64 {
	if sig.HasRange() {
		return sig.Min
	}
	if len(sig.Choices) > 0 {
		best := sig.Choices[0].Value
		for _, c := range sig.Choices[1:] {
			if c.Value < best {
				best = c.Value
			}
		}
		return float64(best)*sig.Scale + sig.Offset
	}
	return sig.Offset
}

// maxPhysical picks a signal's high sweep value: the declared maximum, the
// highest choice, or the full raw span of its bit length.
func maxPhysical(sig *schema.Signal) float64 {
	if sig.HasRange() {
		return sig.Max
	}
	if len(sig.Choices) > 0 {
		best := sig.Choices[0].Value
		for _, c := range sig.Choices[1:] {
			if c.Value > best {
				best = c.Value
			}
		}
		return float64(best)*sig.Scale + sig.Offset
	}
	return float64(sig.RawMax())*sig.Scale + sig.Offset
}
