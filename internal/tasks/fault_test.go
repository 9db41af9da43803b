package tasks

import (
	"math/bits"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"can-bus-tester/internal/codec"
	"can-bus-tester/internal/models"
	"can-bus-tester/internal/schema"
)

func faultMessage() *schema.Message {
	return &schema.Message{
		Name:    "Engine",
		FrameID: 0x100,
		Length:  8,
		Signals: []schema.Signal{
			{Name: "RPM", Start: 0, Length: 16, ByteOrder: schema.LittleEndian, Scale: 1, Min: 0, Max: 8000},
			{Name: "Load", Start: 16, Length: 16, ByteOrder: schema.LittleEndian, Scale: 1, Min: 0, Max: 100},
		},
	}
}

func TestFaultRunsToCompletionAndRemovesItself(t *testing.T) {
	deps, bus, broadcaster := testDeps(t)
	sub := broadcaster.SubscribeBuffer(64)
	registry := NewRegistry(nil)

	cfg := FaultConfig{
		Message:         faultMessage(),
		Type:            FaultZeroData,
		Count:           4,
		IntervalSeconds: 0.005,
	}
	_, created, err := registry.Start("Engine", KindFault, func() (Task, error) {
		return NewFault(cfg, registry, deps)
	})
	require.NoError(t, err)
	require.True(t, created)

	require.Eventually(t, func() bool {
		return len(bus.Sent()) == 4 && len(registry.StatusFor("Engine")) == 0
	}, 2*time.Second, 5*time.Millisecond, "fault must stop after exactly Count sends")

	// No further sends after completion.
	time.Sleep(30 * time.Millisecond)
	sent := bus.Sent()
	require.Len(t, sent, 4)
	for i, frame := range sent {
		assert.Equal(t, [8]byte{}, frame.Data, "frame %d must be all zeroes", i)
	}

	var txEvents, completions int
	var lastSent int
	for drained := false; !drained; {
		select {
		case ev := <-sub.C:
			switch ev.Type {
			case models.EventTX:
				txEvents++
				assert.Equal(t, string(FaultZeroData), ev.FaultType)
			case models.EventFault:
				lastSent = ev.Sent
				if ev.State == "completed" {
					completions++
				}
			}
		default:
			drained = true
		}
	}
	assert.Equal(t, 4, txEvents)
	assert.Equal(t, 1, completions, "exactly one completion event")
	assert.Equal(t, 4, lastSent)
}

func TestFaultStopBeforeCompletion(t *testing.T) {
	deps, bus, _ := testDeps(t)
	registry := NewRegistry(nil)

	cfg := FaultConfig{
		Message:         faultMessage(),
		Type:            FaultMaxData,
		Count:           100000,
		IntervalSeconds: 0.02,
	}
	_, _, err := registry.Start("Engine", KindFault, func() (Task, error) {
		return NewFault(cfg, registry, deps)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bus.Sent()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	status, stopped := registry.Stop("Engine", KindFault)
	require.True(t, stopped)
	assert.False(t, status.Completed)
	assert.Empty(t, registry.StatusFor("Engine"))

	// Allow any in-flight tick to land, then confirm sending has ceased.
	time.Sleep(50 * time.Millisecond)
	n := len(bus.Sent())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, len(bus.Sent()))
}

func TestFaultBitFlipTogglesExactCount(t *testing.T) {
	deps, bus, _ := testDeps(t)
	msg := faultMessage()

	base, err := codec.Encode(msg, map[string]float64{"RPM": 3000, "Load": 50})
	require.NoError(t, err)

	task, err := NewFault(FaultConfig{
		Message:         msg,
		Type:            FaultBitFlip,
		Count:           1,
		IntervalSeconds: 3600,
		SignalValues:    map[string]float64{"RPM": 3000, "Load": 50},
		BitFlipCount:    3,
	}, NewRegistry(nil), deps)
	require.NoError(t, err)
	t.Cleanup(task.stop)

	require.Eventually(t, func() bool {
		return len(bus.Sent()) == 1
	}, time.Second, 5*time.Millisecond)

	sent := bus.Sent()[0]
	flipped := 0
	for i := 0; i < len(base); i++ {
		flipped += bits.OnesCount8(sent.Data[i] ^ base[i])
	}
	assert.Equal(t, 3, flipped)
}

func TestFaultDLCMismatchKeepsPayload(t *testing.T) {
	deps, bus, _ := testDeps(t)

	task, err := NewFault(FaultConfig{
		Message:         faultMessage(),
		Type:            FaultDLCMismatch,
		Count:           1,
		IntervalSeconds: 3600,
		SignalValues:    map[string]float64{"RPM": 1000},
		DLCValue:        2,
	}, NewRegistry(nil), deps)
	require.NoError(t, err)
	t.Cleanup(task.stop)

	require.Eventually(t, func() bool {
		return len(bus.Sent()) == 1
	}, time.Second, 5*time.Millisecond)

	sent := bus.Sent()[0]
	assert.Equal(t, uint8(2), sent.DLC)

	decoded, err := codec.Decode(faultMessage(), sent.Data[:])
	require.NoError(t, err)
	assert.Equal(t, 1000.0, decoded["RPM"].Value)
}

func TestFaultOutOfRangeEncodesBeyondMax(t *testing.T) {
	deps, bus, _ := testDeps(t)
	msg := faultMessage()

	task, err := NewFault(FaultConfig{
		Message:         msg,
		Type:            FaultOutOfRange,
		Count:           1,
		IntervalSeconds: 3600,
		TargetSignal:    "Load",
		RangeMultiplier: 2,
	}, NewRegistry(nil), deps)
	require.NoError(t, err)
	t.Cleanup(task.stop)

	require.Eventually(t, func() bool {
		return len(bus.Sent()) == 1
	}, time.Second, 5*time.Millisecond)

	decoded, err := codec.Decode(msg, bus.Sent()[0].Data[:])
	require.NoError(t, err)
	assert.Equal(t, 200.0, decoded["Load"].Value, "Load must encode at Max * multiplier")
}

func TestNewFaultRejectsInvalidConfig(t *testing.T) {
	deps, _, _ := testDeps(t)
	registry := NewRegistry(nil)
	msg := faultMessage()

	cases := []struct {
		name string
		cfg  FaultConfig
	}{
		{"nil message", FaultConfig{Type: FaultZeroData, Count: 1, IntervalSeconds: 1}},
		{"zero count", FaultConfig{Message: msg, Type: FaultZeroData, IntervalSeconds: 1}},
		{"zero interval", FaultConfig{Message: msg, Type: FaultZeroData, Count: 1}},
		{"unknown type", FaultConfig{Message: msg, Type: "bogus", Count: 1, IntervalSeconds: 1}},
		{"bad dlc", FaultConfig{Message: msg, Type: FaultDLCMismatch, Count: 1, IntervalSeconds: 1, DLCValue: 9}},
		{"missing target", FaultConfig{Message: msg, Type: FaultOutOfRange, Count: 1, IntervalSeconds: 1, TargetSignal: "Nope"}},
		{"base out of range", FaultConfig{Message: msg, Type: FaultZeroData, Count: 1, IntervalSeconds: 1,
			SignalValues: map[string]float64{"RPM": 99999}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewFault(tc.cfg, registry, deps)
			assert.Error(t, err)
		})
	}
}
